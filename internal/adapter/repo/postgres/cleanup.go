package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
)

// RetentionPolicy holds the per-kind retention windows for terminal jobs
// and webhook delivery history.
type RetentionPolicy struct {
	CompletedJobs time.Duration
	FailedJobs    time.Duration
	WebhookJobs   time.Duration
	Deliveries    time.Duration
}

// CleanupService trims retained terminal records on a schedule.
type CleanupService struct {
	Jobs       *JobRepo
	Deliveries *DeliveryRepo
	Policy     RetentionPolicy
}

// NewCleanupService creates a cleanup service, filling unset windows with
// the platform defaults.
func NewCleanupService(jobs *JobRepo, deliveries *DeliveryRepo, policy RetentionPolicy) *CleanupService {
	if policy.CompletedJobs <= 0 {
		policy.CompletedJobs = 24 * time.Hour
	}
	if policy.FailedJobs <= 0 {
		policy.FailedJobs = 7 * 24 * time.Hour
	}
	if policy.WebhookJobs <= 0 {
		policy.WebhookJobs = 6 * time.Hour
	}
	if policy.Deliveries <= 0 {
		policy.Deliveries = 30 * 24 * time.Hour
	}
	return &CleanupService{Jobs: jobs, Deliveries: deliveries, Policy: policy}
}

// domainJobTypes are the job types whose records users inspect; webhook
// delivery jobs are bookkeeping and get a much shorter window.
var domainJobTypes = []domain.JobType{
	domain.JobTypeParsing,
	domain.JobTypeOptimization,
	domain.JobTypeGeneration,
	domain.JobTypeATS,
}

// CleanupOldData removes records older than their retention windows.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	now := time.Now().UTC()

	completed, err := s.Jobs.DeleteTerminalBefore(ctx,
		[]domain.JobStatus{domain.JobCompleted},
		domainJobTypes, now.Add(-s.Policy.CompletedJobs))
	if err != nil {
		return err
	}
	failed, err := s.Jobs.DeleteTerminalBefore(ctx,
		[]domain.JobStatus{domain.JobFailed, domain.JobCancelled, domain.JobTimeout},
		domainJobTypes, now.Add(-s.Policy.FailedJobs))
	if err != nil {
		return err
	}
	webhookJobs, err := s.Jobs.DeleteTerminalBefore(ctx,
		[]domain.JobStatus{domain.JobCompleted, domain.JobFailed, domain.JobCancelled, domain.JobTimeout},
		[]domain.JobType{domain.JobTypeWebhookDelivery}, now.Add(-s.Policy.WebhookJobs))
	if err != nil {
		return err
	}
	deliveries, err := s.Deliveries.DeleteOlderThan(ctx, now.Add(-s.Policy.Deliveries))
	if err != nil {
		return err
	}

	slog.Info("data cleanup completed",
		slog.Int64("completed_jobs", completed),
		slog.Int64("failed_jobs", failed),
		slog.Int64("webhook_jobs", webhookJobs),
		slog.Int64("deliveries", deliveries),
	)
	return nil
}

// RunPeriodic runs cleanup on the interval until the context ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
