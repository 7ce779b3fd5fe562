package domain

import "time"

type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserDeleted   UserStatus = "deleted"
)

// UsageCounters are the monthly counters reset once per calendar month.
// They are only ever moved with atomic increments.
type UsageCounters struct {
	Generations  int `json:"generations"`
	Enhancements int `json:"enhancements"`
	Analyses     int `json:"analyses"`
}

// PlanLimits are the subscription-derived monthly ceilings. Zero means
// unlimited.
type PlanLimits struct {
	MonthlyGenerations  int `json:"monthlyGenerations"`
	MonthlyEnhancements int `json:"monthlyEnhancements"`
	MonthlyAnalyses     int `json:"monthlyAnalyses"`
	StorageMB           int `json:"storageMB"`
}

// User carries the identity and quota state the core needs. Identity
// management itself lives upstream; the core only reads these fields.
type User struct {
	ID           string
	Email        string
	Status       UserStatus
	ReferralCode string
	LockoutUntil *time.Time
	Usage        UsageCounters
	UsageResetAt time.Time
	Limits       PlanLimits
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanStartJobs reports whether the user may enqueue new work.
func (u *User) CanStartJobs(now time.Time) bool {
	if u.Status != UserActive {
		return false
	}
	if u.LockoutUntil != nil && u.LockoutUntil.After(now) {
		return false
	}
	return true
}

// UsageKind selects which monthly counter a job consumes.
type UsageKind string

const (
	UsageGenerations  UsageKind = "generations"
	UsageEnhancements UsageKind = "enhancements"
	UsageAnalyses     UsageKind = "analyses"
)

// Remaining returns the headroom for the given counter; -1 means
// unlimited.
func (u *User) Remaining(kind UsageKind) int {
	switch kind {
	case UsageGenerations:
		if u.Limits.MonthlyGenerations <= 0 {
			return -1
		}
		return u.Limits.MonthlyGenerations - u.Usage.Generations
	case UsageEnhancements:
		if u.Limits.MonthlyEnhancements <= 0 {
			return -1
		}
		return u.Limits.MonthlyEnhancements - u.Usage.Enhancements
	case UsageAnalyses:
		if u.Limits.MonthlyAnalyses <= 0 {
			return -1
		}
		return u.Limits.MonthlyAnalyses - u.Usage.Analyses
	}
	return -1
}
