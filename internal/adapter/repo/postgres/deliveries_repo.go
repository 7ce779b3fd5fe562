package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/cvforge/cvforge/internal/domain"
)

// DeliveryRepo persists webhook delivery attempt chains. Payload bytes are
// stored verbatim because the signature covers the exact serialization.
type DeliveryRepo struct{ Pool PgxPool }

// NewDeliveryRepo constructs a DeliveryRepo with the given pool.
func NewDeliveryRepo(p PgxPool) *DeliveryRepo { return &DeliveryRepo{Pool: p} }

const deliveryColumns = `id, webhook_id, user_id, event_type, payload, signature, status,
	attempts, next_retry_at, delivered_at, created_at, updated_at`

func scanDelivery(row interface{ Scan(dest ...any) error }) (domain.WebhookDelivery, error) {
	var (
		d        domain.WebhookDelivery
		attempts []byte
	)
	err := row.Scan(&d.ID, &d.WebhookID, &d.UserID, &d.EventType, &d.Payload, &d.Signature, &d.Status,
		&attempts, &d.NextRetryAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	if err := fromJSONB(attempts, &d.Attempts); err != nil {
		return domain.WebhookDelivery{}, err
	}
	return d, nil
}

// Create inserts a new delivery record.
func (r *DeliveryRepo) Create(ctx domain.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error) {
	tracer := otel.Tracer("repo.deliveries")
	ctx, span := tracer.Start(ctx, "deliveries.Create")
	defer span.End()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = domain.DeliveryPending
	}
	attempts := d.Attempts
	if attempts == nil {
		attempts = []domain.DeliveryAttempt{}
	}
	attemptsJSON, err := toJSONB(attempts)
	if err != nil {
		return domain.WebhookDelivery{}, fmt.Errorf("op=delivery.create: %w", err)
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	q := `INSERT INTO webhook_deliveries (id, webhook_id, user_id, event_type, payload, signature,
		status, attempts, next_retry_at, delivered_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.Pool.Exec(ctx, q, d.ID, d.WebhookID, d.UserID, d.EventType, d.Payload, d.Signature,
		d.Status, attemptsJSON, d.NextRetryAt, d.DeliveredAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return domain.WebhookDelivery{}, fmt.Errorf("op=delivery.create: %w", err)
	}
	return d, nil
}

// Get loads a delivery by id.
func (r *DeliveryRepo) Get(ctx domain.Context, id string) (domain.WebhookDelivery, error) {
	tracer := otel.Tracer("repo.deliveries")
	ctx, span := tracer.Start(ctx, "deliveries.Get")
	defer span.End()
	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id=$1`
	d, err := scanDelivery(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if noRows(err) {
			return domain.WebhookDelivery{}, fmt.Errorf("op=delivery.get: %w", domain.ErrNotFound)
		}
		return domain.WebhookDelivery{}, fmt.Errorf("op=delivery.get: %w", err)
	}
	return d, nil
}

// GetOwned loads a delivery by id scoped to its owner.
func (r *DeliveryRepo) GetOwned(ctx domain.Context, id, userID string) (domain.WebhookDelivery, error) {
	tracer := otel.Tracer("repo.deliveries")
	ctx, span := tracer.Start(ctx, "deliveries.GetOwned")
	defer span.End()
	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id=$1 AND user_id=$2`
	d, err := scanDelivery(r.Pool.QueryRow(ctx, q, id, userID))
	if err != nil {
		if noRows(err) {
			return domain.WebhookDelivery{}, fmt.Errorf("op=delivery.get_owned: %w", domain.ErrNotFound)
		}
		return domain.WebhookDelivery{}, fmt.Errorf("op=delivery.get_owned: %w", err)
	}
	return d, nil
}

// ListByWebhook returns a page of the webhook's deliveries, newest first.
func (r *DeliveryRepo) ListByWebhook(ctx domain.Context, webhookID, userID string, page domain.Page) ([]domain.WebhookDelivery, int64, error) {
	tracer := otel.Tracer("repo.deliveries")
	ctx, span := tracer.Start(ctx, "deliveries.ListByWebhook")
	defer span.End()
	if page.Limit <= 0 {
		page.Limit = 20
	}
	var total int64
	if err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE webhook_id=$1 AND user_id=$2`,
		webhookID, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=delivery.list: %w", err)
	}
	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE webhook_id=$1 AND user_id=$2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := r.Pool.Query(ctx, q, webhookID, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("op=delivery.list: %w", err)
	}
	defer rows.Close()
	var out []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=delivery.list: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=delivery.list: %w", err)
	}
	return out, total, nil
}

// RecordAttempt appends the attempt and moves the delivery state in one
// write. The attempts column is a JSON array, so the new attempt is
// concatenated server-side.
func (r *DeliveryRepo) RecordAttempt(ctx domain.Context, id string, attempt domain.DeliveryAttempt, status domain.DeliveryStatus, nextRetryAt, deliveredAt *time.Time) error {
	tracer := otel.Tracer("repo.deliveries")
	ctx, span := tracer.Start(ctx, "deliveries.RecordAttempt")
	defer span.End()
	one, err := toJSONB([]domain.DeliveryAttempt{attempt})
	if err != nil {
		return fmt.Errorf("op=delivery.record_attempt: %w", err)
	}
	q := `UPDATE webhook_deliveries SET attempts = attempts || $2::jsonb,
		status=$3, next_retry_at=$4, delivered_at=$5, updated_at=$6
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, one, status, nextRetryAt, deliveredAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=delivery.record_attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=delivery.record_attempt: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteOlderThan trims finished deliveries created before the cutoff and
// returns the number removed. Live deliveries are never trimmed.
func (r *DeliveryRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.deliveries")
	ctx, span := tracer.Start(ctx, "deliveries.DeleteOlderThan")
	defer span.End()
	q := `DELETE FROM webhook_deliveries
		WHERE created_at < $1 AND status IN ('success','exhausted','failed')`
	tag, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=delivery.delete_older: %w", err)
	}
	return tag.RowsAffected(), nil
}
