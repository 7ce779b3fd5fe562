// Package usecase contains the application services behind the API
// surface: CV CRUD and upload, versions, the four pipeline start/read
// services, job management, webhooks and usage limits. Services are thin
// structs over the domain ports and the job engine; all business
// invariants that need a transaction live in the repositories.
package usecase

import (
	"time"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// JobEngine is the slice of the job engine the start services drive.
type JobEngine interface {
	Create(ctx domain.Context, t domain.JobType, data any, opts engine.CreateOptions) (domain.Job, error)
	Cancel(ctx domain.Context, jobID, userID string) (domain.Job, error)
	Retry(ctx domain.Context, jobID, userID string) (domain.Job, error)
}

// DeliveryDispatcher creates a webhook delivery record and enqueues its
// delivery job, bypassing event matching. Used for test deliveries and
// manual redelivery.
type DeliveryDispatcher interface {
	EnqueueDelivery(ctx domain.Context, w domain.Webhook, e domain.Event) (domain.WebhookDelivery, error)
}

// monthStart returns the first instant of now's calendar month in UTC,
// the boundary at which usage counters reset.
func monthStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// guardUser rejects job starts for inactive or locked-out users and, when
// kind is set, for already-exhausted monthly counters. ConsumeUsage stays
// the authoritative check; this guard only fails fast before any job row
// exists.
func guardUser(ctx domain.Context, users domain.UserRepository, userID string, kind domain.UsageKind) (domain.User, error) {
	u, err := users.Get(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	now := time.Now().UTC()
	if u.Status != domain.UserActive {
		return domain.User{}, domain.E(domain.CodeUserInactive, "user is %s", u.Status)
	}
	if u.LockoutUntil != nil && u.LockoutUntil.After(now) {
		return domain.User{}, domain.E(domain.CodeUserLocked,
			"user is locked out until %s", u.LockoutUntil.UTC().Format(time.RFC3339))
	}
	// Counters from a previous month are stale until the next ConsumeUsage
	// resets them; treat them as zero here.
	if kind != "" && !u.UsageResetAt.Before(monthStart(now)) && u.Remaining(kind) == 0 {
		return domain.User{}, domain.E(domain.CodeUsageExceeded, "monthly %s limit reached", kind)
	}
	return u, nil
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// normalizePage clamps pagination to sane bounds.
func normalizePage(p domain.Page) domain.Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
