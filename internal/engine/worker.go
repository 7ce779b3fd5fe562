package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cvforge/cvforge/internal/adapter/observability"
	"github.com/cvforge/cvforge/internal/domain"
)

// Processor executes one job kind end to end. Implementations must be
// idempotent with respect to their companion row: a redelivered job id
// either resumes or returns the already-recorded terminal result.
type Processor interface {
	Kind() domain.JobType
	Run(ctx context.Context, jc *JobContext) error
}

// Limiter throttles queue dispatch. The redisq token bucket satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// Worker hosts the per-queue pools of one process. Multiple workers may
// share the broker; the lease protocol keeps deliveries at-least-once.
type Worker struct {
	engine  *Engine
	procs   map[domain.JobType]Processor
	limiter Limiter
	events  domain.EventSink
	log     *slog.Logger
	id      string
}

// NewWorker builds a worker with an empty processor registry. limiter
// and events may be nil (no throttling, no webhook fan-out).
func NewWorker(e *Engine, limiter Limiter, events domain.EventSink, log *slog.Logger) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		engine:  e,
		procs:   make(map[domain.JobType]Processor),
		limiter: limiter,
		events:  events,
		log:     log,
		id:      fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	}
}

// Register installs the processor for its job kind.
func (w *Worker) Register(p Processor) {
	w.procs[p.Kind()] = p
}

// Run starts every queue pool plus the reaper and blocks until ctx is
// cancelled and all in-flight jobs have returned.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for queue, tuning := range w.engine.cfg.Queues() {
		for i := 0; i < max(1, tuning.Concurrency); i++ {
			wg.Add(1)
			go func(queue string) {
				defer wg.Done()
				w.loop(ctx, queue)
			}(queue)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reapLoop(ctx)
	}()
	w.log.Info("worker started", slog.String("worker_id", w.id))
	wg.Wait()
	w.log.Info("worker stopped", slog.String("worker_id", w.id))
}

func (w *Worker) loop(ctx context.Context, queue string) {
	cfg := w.engine.cfg
	for {
		if ctx.Err() != nil {
			return
		}
		if wait, ok := w.admit(ctx, queue); !ok {
			sleep(ctx, wait)
			continue
		}
		lease, ok, err := w.engine.broker.Lease(ctx, queue, cfg.LeaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("lease failed", slog.String("queue", queue), slog.Any("error", err))
			sleep(ctx, cfg.PollIdleInterval)
			continue
		}
		if !ok {
			sleep(ctx, cfg.PollIdleInterval)
			continue
		}
		w.handle(ctx, lease)
		sleep(ctx, cfg.PollInterval)
	}
}

// admit applies the queue's token bucket. Zero-max queues are unthrottled.
func (w *Worker) admit(ctx context.Context, queue string) (time.Duration, bool) {
	tuning := w.engine.cfg.QueueFor(queue)
	if w.limiter == nil || tuning.RateLimitMax <= 0 {
		return 0, true
	}
	allowed, retryAfter, err := w.limiter.Allow(ctx, "queue:"+queue, 1)
	if err != nil {
		// The limiter fails open; a broken Redis already breaks leasing.
		return 0, true
	}
	if allowed {
		return 0, true
	}
	if retryAfter <= 0 {
		retryAfter = tuning.RateLimitWindow
	}
	return retryAfter, false
}

func (w *Worker) handle(ctx context.Context, lease domain.Lease) {
	tracer := otel.Tracer("engine.worker")
	ctx, span := tracer.Start(ctx, "ProcessJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", lease.JobID),
		attribute.String("queue", lease.Queue),
	)

	now := time.Now().UTC()
	job, err := w.engine.jobs.MarkProcessing(ctx, lease.JobID, w.id, now)
	if err != nil {
		// Redelivery of a job that finished (or was cancelled) between
		// lease expiry and now; drop the stale entry.
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			_ = w.engine.broker.Ack(ctx, lease)
			return
		}
		w.log.Error("mark processing", slog.String("job_id", lease.JobID), slog.Any("error", err))
		_ = w.engine.broker.Release(ctx, lease, w.engine.cfg.PollIdleInterval, 0)
		return
	}
	observability.StartProcessingJob(lease.Queue)

	proc, ok := w.procs[job.Type]
	if !ok {
		w.finishFailure(ctx, lease, job, nil,
			domain.E(domain.CodeJobProcessorMissing, "no processor registered for %s", job.Type))
		return
	}

	tuning := w.engine.cfg.QueueFor(lease.Queue)
	runCtx, cancel := context.WithTimeout(ctx, tuning.JobTimeout)
	defer cancel()
	stopBeat := w.heartbeat(ctx, lease)

	jc := NewJobContext(job, w.engine.jobs, w.log)
	err = w.runProcessor(runCtx, proc, jc)
	stopBeat()

	switch {
	case err == nil:
		w.finishSuccess(ctx, lease, job, jc, now)
	case isCancelled(err):
		w.finishCancelled(ctx, lease, job)
	case isTimeout(runCtx, err):
		w.finishTimeout(ctx, lease, job, jc)
	default:
		w.finishFailure(ctx, lease, job, jc, err)
	}
}

// runProcessor isolates processor panics so one bad payload cannot take
// the whole pool down.
func (w *Worker) runProcessor(ctx context.Context, proc Processor, jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.E(domain.CodeUnknownError, "processor panicked: %v", r)
		}
	}()
	return proc.Run(ctx, jc)
}

// heartbeat extends the lease while the processor runs so a slow job is
// not redelivered mid-flight.
func (w *Worker) heartbeat(ctx context.Context, lease domain.Lease) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	ttl := w.engine.cfg.LeaseTTL
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.engine.broker.ExtendLease(ctx, lease, ttl); err != nil {
					w.log.Warn("lease extension failed",
						slog.String("job_id", lease.JobID), slog.Any("error", err))
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (w *Worker) finishSuccess(ctx context.Context, lease domain.Lease, job domain.Job, jc *JobContext, startedAt time.Time) {
	now := time.Now().UTC()
	if err := w.engine.jobs.Complete(ctx, job.ID, jc.terminalResult(), now); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Terminal already; a concurrent redelivery won the race.
			_ = w.engine.broker.Ack(ctx, lease)
			return
		}
		w.log.Error("complete job", slog.String("job_id", job.ID), slog.Any("error", err))
		_ = w.engine.broker.Release(ctx, lease, w.engine.cfg.PollIdleInterval, job.Priority)
		return
	}
	_ = w.engine.broker.Ack(ctx, lease)
	observability.CompleteJob(lease.Queue, now.Sub(startedAt))
	w.emit(ctx, job, jc, true)
	w.log.Info("job completed", slog.String("job_id", job.ID), slog.String("type", string(job.Type)))
}

func (w *Worker) finishCancelled(ctx context.Context, lease domain.Lease, job domain.Job) {
	if err := w.engine.jobs.Cancel(ctx, job.ID, time.Now().UTC()); err != nil && !errors.Is(err, domain.ErrConflict) {
		w.log.Error("cancel job", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	_ = w.engine.broker.Ack(ctx, lease)
	w.log.Info("job cancelled", slog.String("job_id", job.ID))
}

func (w *Worker) finishTimeout(ctx context.Context, lease domain.Lease, job domain.Job, jc *JobContext) {
	jerr := domain.JobError{
		Code:    string(domain.CodeJobTimeout),
		Message: fmt.Sprintf("job exceeded the %s queue deadline", job.Type.Queue()),
	}
	if job.RetryCount < job.MaxRetries {
		w.reschedule(ctx, lease, job, jerr, 0)
		return
	}
	if err := w.engine.jobs.Fail(ctx, job.ID, jerr, domain.JobTimeout, time.Now().UTC()); err != nil && !errors.Is(err, domain.ErrConflict) {
		w.log.Error("mark timeout", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	_ = w.engine.broker.Ack(ctx, lease)
	observability.FailJob(lease.Queue, 0)
	w.emit(ctx, job, jc, false)
}

func (w *Worker) finishFailure(ctx context.Context, lease domain.Lease, job domain.Job, jc *JobContext, err error) {
	ae := domain.AsAppError(err)

	attemptErr := domain.JobError{Code: string(ae.Code), Message: ae.Message}
	if len(ae.Context) > 0 {
		attemptErr.Details = ae.Context
	}

	// UNKNOWN_ERROR gets a single safety-net retry regardless of the
	// configured budget; classified retryables use the full budget.
	budget := job.MaxRetries
	if ae.Code == domain.CodeUnknownError && budget > 1 {
		budget = 1
	}
	if ae.Retryable && job.RetryCount < budget {
		w.reschedule(ctx, lease, job, attemptErr, ae.RetryAfter)
		return
	}

	jerr := attemptErr
	if ae.Retryable {
		// Retry budget exhausted on a retryable class; the last
		// underlying error is preserved for operators.
		jerr = domain.JobError{
			Code:    string(domain.CodeJobMaxRetries),
			Message: fmt.Sprintf("gave up after %d attempts", job.RetryCount+1),
			Details: map[string]any{"lastError": ae.Message, "lastCode": string(ae.Code)},
		}
	}
	if ferr := w.engine.jobs.Fail(ctx, job.ID, jerr, domain.JobFailed, time.Now().UTC()); ferr != nil && !errors.Is(ferr, domain.ErrConflict) {
		w.log.Error("mark failed", slog.String("job_id", job.ID), slog.Any("error", ferr))
	}
	_ = w.engine.broker.Ack(ctx, lease)
	observability.FailJob(lease.Queue, 0)
	w.emit(ctx, job, jc, false)
	w.log.Warn("job failed",
		slog.String("job_id", job.ID),
		slog.String("code", jerr.Code),
		slog.String("error", jerr.Message))
}

func (w *Worker) reschedule(ctx context.Context, lease domain.Lease, job domain.Job, attemptErr domain.JobError, hint time.Duration) {
	delay := w.engine.backoffDelay(job.RetryCount+1, hint)
	if err := w.engine.jobs.Reschedule(ctx, job.ID, attemptErr, time.Now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			_ = w.engine.broker.Ack(ctx, lease)
			return
		}
		w.log.Error("reschedule job", slog.String("job_id", job.ID), slog.Any("error", err))
		_ = w.engine.broker.Release(ctx, lease, delay, job.Priority)
		return
	}
	if err := w.engine.broker.Release(ctx, lease, delay, job.Priority); err != nil {
		w.log.Error("release lease", slog.String("job_id", job.ID), slog.Any("error", err))
	}
	observability.RetryJob(lease.Queue)
	w.log.Info("job rescheduled",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.RetryCount+1),
		slog.Duration("delay", delay),
		slog.String("code", attemptErr.Code))
}

// emit fans the terminal event out to the webhook dispatcher.
// Best-effort: delivery failures never affect the job outcome.
func (w *Worker) emit(ctx context.Context, job domain.Job, jc *JobContext, succeeded bool) {
	if w.events == nil {
		return
	}
	eventType, ok := eventTypeFor(job.Type, succeeded)
	if !ok {
		return
	}
	var e domain.Event
	if jc != nil && jc.event != nil {
		e = *jc.event
	}
	e.Type = eventType
	e.JobID = job.ID
	e.UserID = job.UserID
	e.JobType = job.Type
	if err := w.events.Emit(ctx, e); err != nil {
		w.log.Error("event fan-out failed",
			slog.String("job_id", job.ID),
			slog.String("event", string(eventType)),
			slog.Any("error", err))
	}
}

func isCancelled(err error) bool {
	var ae *domain.AppError
	return errors.As(err, &ae) && ae.Code == domain.CodeJobCancelled
}

func isTimeout(runCtx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Is(runCtx.Err(), context.DeadlineExceeded)
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
