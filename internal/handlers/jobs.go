package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
	"github.com/PortNumber53/boxing-coach/backend/internal/store"
	"github.com/PortNumber53/boxing-coach/backend/internal/worker"
)

// JobStore defines the job operations exposed to operators.
type JobStore interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListJobs(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
}

// WorkerStats reports in-process worker counters.
type WorkerStats interface {
	GetStats() worker.Stats
}

// CreateJobRequest represents a request to create a new job
type CreateJobRequest struct {
	JobType      string       `json:"job_type"`
	DedupeKey    string       `json:"dedupe_key,omitempty"`
	Payload      models.JSONB `json:"payload"`
	Priority     string       `json:"priority,omitempty"`
	MaxAttempts  int          `json:"max_attempts,omitempty"`
	ScheduledFor *time.Time   `json:"scheduled_for,omitempty"`
}

// JobHandler holds dependencies for job handlers
type JobHandler struct {
	store  JobStore
	worker WorkerStats
}

// NewJobHandler creates a new JobHandler. worker may be nil when the
// process does not run one.
func NewJobHandler(store JobStore, worker WorkerStats) *JobHandler {
	return &JobHandler{store: store, worker: worker}
}

// RegisterRoutes registers job handlers behind auth.
func (h *JobHandler) RegisterRoutes(router chi.Router, auth func(http.Handler) http.Handler) {
	router.Route("/api/jobs", func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Post("/", h.CreateJob())
		r.Get("/", h.ListJobs())
		r.Get("/stats", h.Stats())
		r.Get("/{id}", h.GetJob())
		r.Post("/{id}/cancel", h.CancelJob())
	})
}

// CreateJob creates a new job in the queue
func (h *JobHandler) CreateJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateJobRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.JobType == "" {
			writeMessage(w, http.StatusBadRequest, "job_type is required")
			return
		}

		priority := models.JobPriorityNormal
		if req.Priority != "" {
			priority = models.JobPriority(req.Priority)
		}
		maxAttempts := 3
		if req.MaxAttempts > 0 {
			maxAttempts = req.MaxAttempts
		}

		job := &models.Job{
			JobType:      req.JobType,
			Payload:      req.Payload,
			Priority:     priority,
			MaxAttempts:  maxAttempts,
			ScheduledFor: req.ScheduledFor,
		}
		if req.DedupeKey != "" {
			key := req.DedupeKey
			job.DedupeKey = &key
		}

		if err := h.store.Enqueue(r.Context(), job); err != nil {
			if errors.Is(err, store.ErrDuplicateJob) {
				writeMessage(w, http.StatusConflict, err.Error())
				return
			}
			log.Error().Err(err).Str("component", "jobs").Str("job_type", req.JobType).Msg("failed to enqueue job")
			writeMessage(w, http.StatusInternalServerError, "failed to create job")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"id":     job.ID,
			"status": job.Status,
		})
	}
}

// GetJob retrieves a job by ID
func (h *JobHandler) GetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := h.store.GetByID(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeMessage(w, http.StatusNotFound, "job not found")
				return
			}
			log.Error().Err(err).Str("component", "jobs").Int64("job_id", jobID).Msg("failed to get job")
			writeMessage(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJob cancels a pending or failed job
func (h *JobHandler) CancelJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		if err := h.store.CancelJob(r.Context(), jobID); err != nil {
			log.Info().Err(err).Str("component", "jobs").Int64("job_id", jobID).Msg("cancel rejected")
			writeMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": jobID, "status": models.JobStatusCancelled})
	}
}

// Stats returns queue counts and, when available, worker counters.
func (h *JobHandler) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.store.GetStats(r.Context())
		if err != nil {
			log.Error().Err(err).Str("component", "jobs").Msg("failed to get stats")
			writeMessage(w, http.StatusInternalServerError, "failed to retrieve job statistics")
			return
		}
		resp := map[string]any{"queue": stats}
		if h.worker != nil {
			resp["worker"] = h.worker.GetStats()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ListJobs returns jobs filtered by ?status= (default pending).
func (h *JobHandler) ListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := models.JobStatus(r.URL.Query().Get("status"))
		switch status {
		case "":
			status = models.JobStatusPending
		case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted,
			models.JobStatusFailed, models.JobStatusCancelled:
		default:
			writeMessage(w, http.StatusBadRequest, "unknown status")
			return
		}

		jobs, err := h.store.ListJobs(r.Context(), status, queryLimit(r, 100, store.MaxPageSize))
		if err != nil {
			log.Error().Err(err).Str("component", "jobs").Msg("failed to list jobs")
			writeMessage(w, http.StatusInternalServerError, "failed to retrieve jobs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return jobID, true
}
