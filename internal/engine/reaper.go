package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cvforge/cvforge/internal/adapter/observability"
	"github.com/cvforge/cvforge/internal/domain"
)

const stuckBatchSize = 50

// reapLoop periodically recovers expired leases, enforces the per-queue
// wall-clock deadline on jobs whose queue entry was lost entirely, and
// publishes queue depth gauges.
func (w *Worker) reapLoop(ctx context.Context) {
	interval := w.engine.cfg.ReaperInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.reapOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reapOnce(ctx)
		}
	}
}

func (w *Worker) reapOnce(ctx context.Context) {
	tracer := otel.Tracer("engine.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.reapOnce")
	defer span.End()

	for queue, tuning := range w.engine.cfg.Queues() {
		recovered, err := w.engine.broker.ReapExpired(ctx, queue, stuckBatchSize)
		if err != nil {
			w.log.Error("reap expired leases", slog.String("queue", queue), slog.Any("error", err))
		} else if len(recovered) > 0 {
			span.SetAttributes(attribute.Int("reaper."+queue+".recovered", len(recovered)))
			w.log.Warn("recovered expired leases",
				slog.String("queue", queue), slog.Int("count", len(recovered)))
		}

		w.reapStuck(ctx, queue, tuning.JobTimeout)
		w.publishDepth(ctx, queue)
	}
}

// reapStuck times out processing jobs whose attempt started before the
// deadline and whose broker entry is gone (otherwise ReapExpired would
// have recovered them). Jobs with retry budget left go back to pending.
func (w *Worker) reapStuck(ctx context.Context, queue string, jobTimeout time.Duration) {
	// Allow one lease period of slack so the reaper never races a
	// processor that is still heartbeating.
	cutoff := time.Now().UTC().Add(-jobTimeout - w.engine.cfg.LeaseTTL)
	stuck, err := w.engine.jobs.ListStuck(ctx, queue, cutoff, stuckBatchSize)
	if err != nil {
		w.log.Error("list stuck jobs", slog.String("queue", queue), slog.Any("error", err))
		return
	}
	for _, job := range stuck {
		jerr := domain.JobError{
			Code:    string(domain.CodeJobTimeout),
			Message: "processing deadline exceeded; worker presumed lost",
		}
		if job.RetryCount < job.MaxRetries {
			if err := w.engine.jobs.Reschedule(ctx, job.ID, jerr, time.Now().UTC()); err != nil {
				w.log.Error("reschedule stuck job", slog.String("job_id", job.ID), slog.Any("error", err))
				continue
			}
			delay := w.engine.backoffDelay(job.RetryCount+1, 0)
			if err := w.engine.broker.Enqueue(ctx, queue, job.ID, job.Priority, delay, ""); err != nil {
				w.log.Error("re-enqueue stuck job", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			observability.RetryJob(queue)
			continue
		}
		if err := w.engine.jobs.Fail(ctx, job.ID, jerr, domain.JobTimeout, time.Now().UTC()); err != nil {
			w.log.Error("time out stuck job", slog.String("job_id", job.ID), slog.Any("error", err))
			continue
		}
		observability.FailJob(queue, 0)
		w.emit(ctx, job, nil, false)
		w.log.Warn("stuck job timed out",
			slog.String("job_id", job.ID), slog.String("queue", queue))
	}
}

func (w *Worker) publishDepth(ctx context.Context, queue string) {
	stats, err := w.engine.broker.Stats(ctx, queue)
	if err != nil {
		return
	}
	observability.SetQueueDepth(queue, "waiting", stats.Waiting)
	observability.SetQueueDepth(queue, "delayed", stats.Delayed)
	observability.SetQueueDepth(queue, "leased", stats.Leased)
}
