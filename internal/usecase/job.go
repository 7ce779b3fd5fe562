package usecase

import (
	"github.com/cvforge/cvforge/internal/domain"
)

// JobService is the generic job surface: reads, cancel and retry, plus
// the admin queue views.
type JobService struct {
	Engine JobEngine
	Jobs   domain.JobRepository
	Broker domain.Broker
}

// NewJobService constructs a JobService.
func NewJobService(eng JobEngine, jobs domain.JobRepository, broker domain.Broker) JobService {
	return JobService{Engine: eng, Jobs: jobs, Broker: broker}
}

// Get loads one job scoped to its owner.
func (s JobService) Get(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	return s.Jobs.GetOwned(ctx, jobID, userID)
}

// List returns a filtered page of the user's jobs, newest first.
func (s JobService) List(ctx domain.Context, userID string, f domain.JobFilter, page domain.Page) ([]domain.Job, int64, error) {
	return s.Jobs.List(ctx, userID, f, normalizePage(page))
}

// Cancel stops a pending or processing job.
func (s JobService) Cancel(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	return s.Engine.Cancel(ctx, jobID, userID)
}

// Retry clones a terminal non-completed job into a fresh one.
func (s JobService) Retry(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	return s.Engine.Retry(ctx, jobID, userID)
}

// QueueStats snapshots the depth of every queue.
func (s JobService) QueueStats(ctx domain.Context) ([]domain.QueueStats, error) {
	out := make([]domain.QueueStats, 0, len(domain.JobTypes))
	for _, t := range domain.JobTypes {
		st, err := s.Broker.Stats(ctx, t.Queue())
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// StatusCounts aggregates job rows by status across all users, for the
// admin dashboard.
func (s JobService) StatusCounts(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	return s.Jobs.CountByStatus(ctx)
}

// PauseQueue stops pops on one queue; leased jobs finish normally.
func (s JobService) PauseQueue(ctx domain.Context, queue string) error {
	return s.Broker.Pause(ctx, queue)
}

// ResumeQueue re-enables pops on one queue.
func (s JobService) ResumeQueue(ctx domain.Context, queue string) error {
	return s.Broker.Resume(ctx, queue)
}
