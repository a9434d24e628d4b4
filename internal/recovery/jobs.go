package recovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/PortNumber53/boxing-coach/backend/internal/models"
	"github.com/PortNumber53/boxing-coach/backend/internal/store"
	"github.com/PortNumber53/boxing-coach/backend/internal/worker"
)

// Job types handled by the workflow.
const (
	JobTypeCheck = "abandoned_cart_check"
	JobTypeSweep = "abandoned_cart_sweep"
)

const sweepMaxAttempts = 3

// ScheduleResult reports what Schedule did with a cart.
type ScheduleResult struct {
	Scheduled        bool      `json:"scheduled"`
	AlreadyScheduled bool      `json:"alreadyScheduled,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	JobID            int64     `json:"jobId,omitempty"`
	RunAt            time.Time `json:"runAt,omitempty"`
}

// Schedule enqueues the delayed check for a cart. Test contacts are dropped
// before anything is stored, and a cart that already has a pending check is
// not scheduled twice.
func (w *Workflow) Schedule(ctx context.Context, c Cart) (ScheduleResult, error) {
	c = c.normalized()
	if err := c.validate(); err != nil {
		return ScheduleResult{}, err
	}
	if w.IsTestAccount(c) {
		return ScheduleResult{Reason: "test_account"}, nil
	}

	runAt := w.now().Add(w.cfg.Delay).UTC()
	dedupe := "abandon:" + c.PaymentIntentID
	job := &models.Job{
		JobType:      JobTypeCheck,
		DedupeKey:    &dedupe,
		Payload:      c.payload(),
		Priority:     models.JobPriorityNormal,
		MaxAttempts:  1,
		ScheduledFor: &runAt,
	}
	err := w.jobs.Enqueue(ctx, job)
	if errors.Is(err, store.ErrDuplicateJob) {
		return ScheduleResult{Scheduled: true, AlreadyScheduled: true}, nil
	}
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("recovery: schedule check: %w", err)
	}

	w.logger.Info().Str("payment_intent_id", c.PaymentIntentID).Int64("job_id", job.ID).Time("run_at", runAt).
		Msg("abandoned cart check scheduled")
	return ScheduleResult{Scheduled: true, JobID: job.ID, RunAt: runAt}, nil
}

// ScheduleSweep enqueues the sweep for the next interval boundary. Calling it
// again within the same interval is a no-op.
func (w *Workflow) ScheduleSweep(ctx context.Context) error {
	interval := w.cfg.SweepInterval
	runAt := w.now().UTC().Truncate(interval).Add(interval)
	dedupe := "abandon-sweep:" + strconv.FormatInt(runAt.Unix(), 10)
	err := w.jobs.Enqueue(ctx, &models.Job{
		JobType:      JobTypeSweep,
		DedupeKey:    &dedupe,
		Payload:      models.JSONB{},
		Priority:     models.JobPriorityLow,
		MaxAttempts:  sweepMaxAttempts,
		ScheduledFor: &runAt,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateJob) {
		return fmt.Errorf("recovery: schedule sweep: %w", err)
	}
	return nil
}

// HandleCheck is the worker handler for JobTypeCheck. A failed webhook is
// terminal: the sweep is the only second chance.
func (w *Workflow) HandleCheck(ctx context.Context, job *models.Job) (models.JSONB, error) {
	c := cartFromPayload(job.Payload)
	outcome, err := w.Evaluate(ctx, c)
	if errors.Is(err, ErrInvalidCart) || errors.Is(err, ErrWebhookFailed) {
		return nil, worker.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	return models.JSONB{"outcome": string(outcome)}, nil
}

// HandleSweep is the worker handler for JobTypeSweep. It always queues the
// next sweep, even when this one fails.
func (w *Workflow) HandleSweep(ctx context.Context, job *models.Job) (models.JSONB, error) {
	defer func() {
		if err := w.ScheduleSweep(context.WithoutCancel(ctx)); err != nil {
			w.logger.Error().Err(err).Msg("failed to queue next sweep")
		}
	}()

	res, err := w.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := map[string]interface{}{}
	for k, v := range res.Outcomes {
		outcomes[k] = v
	}
	return models.JSONB{
		"checked":  res.Checked,
		"errors":   res.Errors,
		"outcomes": outcomes,
	}, nil
}

// RegisterHandlers adds the workflow's job handlers to w.
func (w *Workflow) RegisterHandlers(wk *worker.Worker) {
	wk.RegisterHandler(JobTypeCheck, w.HandleCheck)
	wk.RegisterHandler(JobTypeSweep, w.HandleSweep)
}
