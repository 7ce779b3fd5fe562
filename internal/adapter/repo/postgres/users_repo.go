package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cvforge/cvforge/internal/domain"
)

// UserRepo reads identity and quota state from PostgreSQL.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

const userColumns = `id, email, status, COALESCE(referral_code,''), lockout_until,
	plan_limits, usage_month, usage_generations, usage_enhancements, usage_analyses,
	created_at, updated_at`

func scanUser(row interface{ Scan(dest ...any) error }) (domain.User, error) {
	var (
		u          domain.User
		limits     []byte
		usageMonth *time.Time
	)
	err := row.Scan(&u.ID, &u.Email, &u.Status, &u.ReferralCode, &u.LockoutUntil,
		&limits, &usageMonth, &u.Usage.Generations, &u.Usage.Enhancements, &u.Usage.Analyses,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return domain.User{}, err
	}
	if err := fromJSONB(limits, &u.Limits); err != nil {
		return domain.User{}, err
	}
	if usageMonth != nil {
		u.UsageResetAt = *usageMonth
	}
	return u, nil
}

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	q := `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	u, err := scanUser(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if noRows(err) {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// GetByAPIKeyID loads a user by API key id together with the stored key
// hash for credential verification.
func (r *UserRepo) GetByAPIKeyID(ctx domain.Context, keyID string) (domain.User, string, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByAPIKeyID")
	defer span.End()
	q := `SELECT ` + userColumns + `, COALESCE(api_key_hash,'') FROM users WHERE api_key_id=$1`
	row := r.Pool.QueryRow(ctx, q, keyID)
	var (
		u          domain.User
		limits     []byte
		usageMonth *time.Time
		hash       string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Status, &u.ReferralCode, &u.LockoutUntil,
		&limits, &usageMonth, &u.Usage.Generations, &u.Usage.Enhancements, &u.Usage.Analyses,
		&u.CreatedAt, &u.UpdatedAt, &hash)
	if err != nil {
		if noRows(err) {
			return domain.User{}, "", fmt.Errorf("op=user.get_by_api_key: %w", domain.ErrNotFound)
		}
		return domain.User{}, "", fmt.Errorf("op=user.get_by_api_key: %w", err)
	}
	if err := fromJSONB(limits, &u.Limits); err != nil {
		return domain.User{}, "", fmt.Errorf("op=user.get_by_api_key: %w", err)
	}
	if usageMonth != nil {
		u.UsageResetAt = *usageMonth
	}
	return u, hash, nil
}

// limitKeys maps a usage kind to its plan_limits JSON key.
func limitKey(kind domain.UsageKind) string {
	switch kind {
	case domain.UsageGenerations:
		return "monthlyGenerations"
	case domain.UsageEnhancements:
		return "monthlyEnhancements"
	default:
		return "monthlyAnalyses"
	}
}

// ConsumeUsage atomically rolls the counters over to monthStart when a new
// month began and increments the selected counter, enforcing the plan
// limit inside the same statement. A limit of zero or less is unlimited.
func (r *UserRepo) ConsumeUsage(ctx domain.Context, userID string, kind domain.UsageKind, monthStart time.Time) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.ConsumeUsage")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "users"),
		attribute.String("usage.kind", string(kind)),
	)

	q := `UPDATE users SET
		usage_generations = CASE
			WHEN usage_month IS DISTINCT FROM $2::date THEN CASE WHEN $3 = 'generations' THEN 1 ELSE 0 END
			WHEN $3 = 'generations' THEN usage_generations + 1 ELSE usage_generations END,
		usage_enhancements = CASE
			WHEN usage_month IS DISTINCT FROM $2::date THEN CASE WHEN $3 = 'enhancements' THEN 1 ELSE 0 END
			WHEN $3 = 'enhancements' THEN usage_enhancements + 1 ELSE usage_enhancements END,
		usage_analyses = CASE
			WHEN usage_month IS DISTINCT FROM $2::date THEN CASE WHEN $3 = 'analyses' THEN 1 ELSE 0 END
			WHEN $3 = 'analyses' THEN usage_analyses + 1 ELSE usage_analyses END,
		usage_month = $2::date,
		updated_at = $4
	WHERE id = $1
		AND status = 'active'
		AND (
			COALESCE((plan_limits->>$5)::int, 0) <= 0
			OR (CASE
				WHEN usage_month IS DISTINCT FROM $2::date THEN 0
				ELSE CASE $3
					WHEN 'generations' THEN usage_generations
					WHEN 'enhancements' THEN usage_enhancements
					ELSE usage_analyses END
				END) < COALESCE((plan_limits->>$5)::int, 0)
		)`

	tag, err := r.Pool.Exec(ctx, q, userID, monthStart, string(kind), time.Now().UTC(), limitKey(kind))
	if err != nil {
		return fmt.Errorf("op=user.consume_usage: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// The guarded update matched nothing: missing user, inactive account
	// or an exhausted limit. Re-read to report which.
	u, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.Status != domain.UserActive {
		return fmt.Errorf("op=user.consume_usage: %w",
			domain.E(domain.CodeUserInactive, "user %s is %s", userID, u.Status))
	}
	return fmt.Errorf("op=user.consume_usage: %w",
		domain.E(domain.CodeUsageExceeded, "monthly %s limit reached", kind))
}
