// Package processor implements the per-queue job processors behind the
// engine worker: parsing, optimization, ATS analysis and document
// generation. Each processor is idempotent with respect to its companion
// row: redeliveries of an already-terminal job re-read the recorded
// outcome instead of repeating side effects.
package processor

import (
	"encoding/json"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// decodePayload unmarshals the job payload. A payload that does not
// decode can never succeed, so the error is terminal.
func decodePayload(jc *engine.JobContext, v any) error {
	if err := json.Unmarshal(jc.Job.Data, v); err != nil {
		return domain.E(domain.CodeInternalError, "job payload does not decode").WithCause(err)
	}
	return nil
}

// companionPending signals that the 1:1 companion row is not visible
// yet. Start services insert the companion just after the enqueue, so a
// fast worker can lease the job first; the error is retryable and the
// backoff gives the insert time to land.
func companionPending(kind, jobID string) error {
	return domain.E(domain.CodeDBError, "%s companion for job %s not visible yet", kind, jobID)
}

// monthStart returns the first instant of now's calendar month in UTC,
// the boundary usage counters reset on.
func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// stepper walks a declared step-name sequence. mark reports the step
// done when name is the next declared step and is a no-op otherwise,
// which lets one code path serve analysis types with different declared
// step counts.
type stepper struct {
	jc    *engine.JobContext
	names []string
}

func (s *stepper) mark(ctx domain.Context, name string) error {
	if len(s.names) == 0 || s.names[0] != name {
		return nil
	}
	s.names = s.names[1:]
	return s.jc.StepDone(ctx, name)
}
