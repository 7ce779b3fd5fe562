// Package engine implements the multi-queue job broker: create/enqueue,
// cancel, retry, and the worker runtime that leases jobs and drives the
// registered processors.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cvforge/cvforge/internal/adapter/observability"
	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/domain"
)

// CreateOptions tune job creation. A nil Priority takes the queue's
// configured default; a nil MaxRetries takes the engine default.
type CreateOptions struct {
	UserID     string
	Priority   *int
	Delay      time.Duration
	DedupKey   string
	MaxRetries *int
	RetryOf    string
}

// Engine owns the job lifecycle around the durable broker: the job row is
// the source of truth, the broker only carries ids.
type Engine struct {
	jobs   domain.JobRepository
	broker domain.Broker
	cfg    config.Config
	retry  domain.RetryConfig
	log    *slog.Logger
}

// New wires the engine from its collaborators.
func New(jobs domain.JobRepository, broker domain.Broker, cfg config.Config, log *slog.Logger) *Engine {
	rc := cfg.GetRetryConfig()
	return &Engine{
		jobs:   jobs,
		broker: broker,
		cfg:    cfg,
		log:    log,
		retry: domain.RetryConfig{
			MaxRetries:   rc.MaxRetries,
			InitialDelay: rc.InitialDelay,
			MaxDelay:     rc.MaxDelay,
			Multiplier:   rc.Multiplier,
			Jitter:       rc.Jitter,
		},
	}
}

// Jobs exposes the job repository for read paths (status, listings).
func (e *Engine) Jobs() domain.JobRepository { return e.jobs }

// Broker exposes the underlying queue for stats and admin operations.
func (e *Engine) Broker() domain.Broker { return e.broker }

// Create persists a Job row and enqueues its id on the type's queue. The
// row is written first so a crash between the two leaves a visible pending
// job for the reaper rather than an untracked queue entry. When the
// enqueue itself fails the job is marked failed with JOB_QUEUE_ERROR.
func (e *Engine) Create(ctx domain.Context, t domain.JobType, data any, opts CreateOptions) (domain.Job, error) {
	if !t.Valid() {
		return domain.Job{}, domain.E(domain.CodeValidationError, "unknown job type %q", t)
	}
	tuning := e.cfg.QueueFor(t.Queue())
	priority := tuning.Priority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if priority < domain.MinPriority || priority > domain.MaxPriority {
		return domain.Job{}, domain.E(domain.CodeJobPriorityInvalid,
			"priority %d outside [%d,%d]", priority, domain.MinPriority, domain.MaxPriority)
	}
	maxRetries := e.retry.MaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Job{}, domain.E(domain.CodeValidationError, "job data not serializable").WithCause(err)
	}

	job := domain.Job{
		Type:       t,
		UserID:     opts.UserID,
		Status:     domain.JobPending,
		Priority:   priority,
		Data:       raw,
		MaxRetries: maxRetries,
		RetryOf:    opts.RetryOf,
		DedupKey:   opts.DedupKey,
		QueuedAt:   time.Now().UTC(),
	}
	job, err = e.jobs.Create(ctx, job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=engine.create: %w", err)
	}

	if err := e.broker.Enqueue(ctx, t.Queue(), job.ID, priority, opts.Delay, opts.DedupKey); err != nil {
		jerr := domain.JobError{
			Code:    string(domain.CodeJobQueueError),
			Message: "enqueue failed",
			Details: map[string]any{"cause": err.Error()},
		}
		if errors.Is(err, domain.ErrConflict) {
			jerr.Code = string(domain.CodeConflict)
			jerr.Message = "duplicate job suppressed by dedup key"
		}
		if ferr := e.jobs.Fail(ctx, job.ID, jerr, domain.JobFailed, time.Now().UTC()); ferr != nil {
			e.log.Error("mark enqueue failure", slog.String("job_id", job.ID), slog.Any("error", ferr))
		}
		return domain.Job{}, domain.E(domain.CodeJobQueueError, "enqueue %s job", t).WithCause(err)
	}
	observability.EnqueueJob(t.Queue())
	e.log.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("type", string(t)),
		slog.Int("priority", priority))
	return job, nil
}

// Cancel stops a pending or processing job owned by userID. Pending jobs
// are removed from the queue and cancelled immediately; processing jobs
// get cancelRequested and stop at their next progress checkpoint.
func (e *Engine) Cancel(ctx domain.Context, jobID, userID string) (domain.Job, error) {
	job, err := e.jobs.GetOwned(ctx, jobID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	switch job.Status {
	case domain.JobPending:
		if err := e.broker.Remove(ctx, job.Type.Queue(), job.ID); err != nil {
			return domain.Job{}, fmt.Errorf("op=engine.cancel: %w", err)
		}
		if err := e.jobs.Cancel(ctx, job.ID, time.Now().UTC()); err != nil {
			return domain.Job{}, err
		}
	case domain.JobProcessing:
		if err := e.jobs.RequestCancel(ctx, job.ID); err != nil {
			return domain.Job{}, err
		}
	default:
		return domain.Job{}, domain.E(domain.CodeJobAlreadyTerminal, "job is already %s", job.Status)
	}
	return e.jobs.Get(ctx, job.ID)
}

// Retry clones a terminal failed/timeout/cancelled job into a fresh
// pending job linked via retryOf. Completed jobs cannot be retried.
func (e *Engine) Retry(ctx domain.Context, jobID, userID string) (domain.Job, error) {
	job, err := e.jobs.GetOwned(ctx, jobID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	switch job.Status {
	case domain.JobFailed, domain.JobTimeout, domain.JobCancelled:
	case domain.JobCompleted:
		return domain.Job{}, domain.E(domain.CodeJobNotRetryable, "completed jobs cannot be retried")
	default:
		return domain.Job{}, domain.E(domain.CodeJobInvalidState, "job is %s, not terminal", job.Status)
	}

	var payload any
	if len(job.Data) > 0 {
		payload = json.RawMessage(job.Data)
	}
	return e.Create(ctx, job.Type, payload, CreateOptions{
		UserID:     job.UserID,
		Priority:   &job.Priority,
		MaxRetries: &job.MaxRetries,
		RetryOf:    job.ID,
	})
}

// backoffDelay picks the delay before retry attempt n, honoring an
// explicit retryAfter hint from the failed attempt when present.
func (e *Engine) backoffDelay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	return e.retry.BackoffDelay(attempt)
}
