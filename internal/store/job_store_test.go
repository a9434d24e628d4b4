package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
)

var jobCols = []string{
	"id", "job_type", "dedupe_key", "payload", "status", "priority", "attempts", "max_attempts",
	"created_at", "updated_at", "scheduled_for", "last_error", "retry_after",
	"processed_at", "completed_at", "worker_id", "result",
}

func newMockJobStore(t *testing.T) (*JobStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &JobStore{db: db}, mock
}

func TestEnqueueAssignsID(t *testing.T) {
	s, mock := newMockJobStore(t)
	now := time.Now().UTC()
	runAt := now.Add(90 * time.Minute)
	key := "abandon:pi_1"

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO jobs`)).
		WithArgs("abandoned_cart_check", key, sqlmock.AnyArg(), models.JobStatusPending, models.JobPriorityNormal, 1, runAt).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))

	job := &models.Job{
		JobType:      "abandoned_cart_check",
		DedupeKey:    &key,
		Payload:      models.JSONB{"paymentIntentId": "pi_1"},
		MaxAttempts:  1,
		ScheduledFor: &runAt,
	}
	if err := s.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if job.ID != 42 || job.Status != models.JobStatusPending {
		t.Fatalf("unexpected job after enqueue: id=%d status=%s", job.ID, job.Status)
	}
	expectMet(t, mock)
}

func TestEnqueueDuplicateDedupeKey(t *testing.T) {
	s, mock := newMockJobStore(t)
	key := "abandon:pi_1"

	mock.ExpectQuery(regexp.QuoteMeta(`ON CONFLICT (dedupe_key)`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

	err := s.Enqueue(context.Background(), &models.Job{JobType: "abandoned_cart_check", DedupeKey: &key, MaxAttempts: 1})
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	expectMet(t, mock)
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	s, mock := newMockJobStore(t)

	if err := s.Enqueue(context.Background(), &models.Job{JobType: "x"}); err == nil {
		t.Fatal("expected error for zero max attempts")
	}
	expectMet(t, mock)
}

func TestClaimNextJob(t *testing.T) {
	s, mock := newMockJobStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE SKIP LOCKED`)).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			7, "abandoned_cart_check", "abandon:pi_1", []byte(`{"paymentIntentId":"pi_1"}`), "processing", "normal", 1, 1,
			now, now, now, nil, nil,
			now, nil, "worker-1", nil,
		))

	job, err := s.ClaimNextJob(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if job == nil || job.ID != 7 {
		t.Fatalf("unexpected job %+v", job)
	}
	if got := job.Payload.String("paymentIntentId"); got != "pi_1" {
		t.Fatalf("payload not decoded: %q", got)
	}
	if job.Result != nil {
		t.Fatalf("expected nil result, got %v", job.Result)
	}
	expectMet(t, mock)
}

func TestClaimNextJobEmptyQueue(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE SKIP LOCKED`)).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows(jobCols))

	job, err := s.ClaimNextJob(context.Background(), "worker-1")
	if err != nil || job != nil {
		t.Fatalf("expected nil, nil; got %v, %v", job, err)
	}
	expectMet(t, mock)
}

func TestGetByIDNotFound(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM jobs WHERE id = $1`)).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(jobCols))

	if _, err := s.GetByID(context.Background(), 99); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestCancelJobRejectsRunningJob(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'cancelled'`)).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.CancelJob(context.Background(), 3); err == nil {
		t.Fatal("expected error when no row was cancelled")
	}
	expectMet(t, mock)
}

func TestRecoverStale(t *testing.T) {
	s, mock := newMockJobStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`WHERE status = 'processing'`)).
		WithArgs(float64(900)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.RecoverStale(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recovered jobs, got %d", n)
	}
	expectMet(t, mock)
}

func TestListJobsByStatus(t *testing.T) {
	s, mock := newMockJobStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE ($1 = '' OR status = $1)`)).
		WithArgs("failed", 100).
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(
			1, "abandoned_cart_check", nil, []byte(`{}`), "failed", "normal", 1, 1,
			now, now, nil, "webhook rejected", nil,
			now, nil, nil, []byte(`{"outcome":"webhook_failed"}`),
		))

	jobs, err := s.ListJobs(context.Background(), models.JobStatusFailed, 0)
	if err != nil {
		t.Fatalf("ListJobs returned error: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Result.String("outcome") != "webhook_failed" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	expectMet(t, mock)
}
