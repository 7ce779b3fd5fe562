package engine

import (
	"encoding/json"
	"log/slog"
	"math"

	"github.com/cvforge/cvforge/internal/domain"
)

// ProgressReporter is the slice of the job repository a running processor
// touches: the progress write that doubles as the cancellation checkpoint,
// and the step-count declaration.
type ProgressReporter interface {
	ReportProgress(ctx domain.Context, id string, progress int, currentStep string) (cancelRequested bool, err error)
	SetTotalSteps(ctx domain.Context, id string, totalSteps int) error
}

// JobContext is handed to a processor for one delivery of one job. It
// carries the job snapshot, the progress reporter, and the slots for the
// terminal result and the webhook event.
type JobContext struct {
	Job domain.Job
	Log *slog.Logger

	reporter   ProgressReporter
	totalSteps int
	stepsDone  int

	result    json.RawMessage
	resultSet bool
	event     *domain.Event
}

// NewJobContext builds the context for one delivery. The worker calls it
// with the job repository; tests may pass any ProgressReporter.
func NewJobContext(job domain.Job, reporter ProgressReporter, log *slog.Logger) *JobContext {
	return &JobContext{
		Job:      job,
		Log:      log.With(slog.String("job_id", job.ID), slog.String("type", string(job.Type))),
		reporter: reporter,
	}
}

// DeclareSteps records the progress denominator up front. Idempotent
// across redeliveries; the persisted value is simply rewritten.
func (jc *JobContext) DeclareSteps(ctx domain.Context, n int) error {
	if n < 1 {
		n = 1
	}
	jc.totalSteps = n
	return jc.reporter.SetTotalSteps(ctx, jc.Job.ID, n)
}

// StepDone marks one declared step finished and reports progress. It
// returns a JOB_CANCELLED error when cancellation was requested, which
// the processor must propagate promptly.
func (jc *JobContext) StepDone(ctx domain.Context, step string) error {
	if jc.totalSteps < 1 {
		jc.totalSteps = 1
	}
	if jc.stepsDone < jc.totalSteps {
		jc.stepsDone++
	}
	progress := int(math.Round(100 * float64(jc.stepsDone) / float64(jc.totalSteps)))
	return jc.ReportProgress(ctx, progress, step)
}

// ReportProgress persists progress and observes cancellation. Every
// processor must call it at least once per step.
func (jc *JobContext) ReportProgress(ctx domain.Context, progress int, step string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	cancelled, err := jc.reporter.ReportProgress(ctx, jc.Job.ID, progress, step)
	if err != nil {
		return err
	}
	if cancelled {
		return domain.E(domain.CodeJobCancelled, "cancellation requested")
	}
	return nil
}

// SetResult records the terminal result the engine writes on success. A
// processor returning without calling it completes with an empty object.
func (jc *JobContext) SetResult(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return domain.E(domain.CodeInternalError, "result not serializable").WithCause(err)
	}
	jc.result = raw
	jc.resultSet = true
	return nil
}

// SetEvent stages the webhook event for this job. The engine fills in
// the event type, job id, user id and job type at terminal time; the
// processor only contributes the domain fields (cvId, score, extras).
func (jc *JobContext) SetEvent(e domain.Event) {
	jc.event = &e
}

// Result returns the staged terminal result, nil when none was set.
func (jc *JobContext) Result() json.RawMessage { return jc.result }

// Event returns the staged event, nil when none was set.
func (jc *JobContext) Event() *domain.Event { return jc.event }

func (jc *JobContext) terminalResult() json.RawMessage {
	if jc.resultSet {
		return jc.result
	}
	return json.RawMessage(`{}`)
}
