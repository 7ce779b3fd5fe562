package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cvforge/cvforge/internal/domain"
)

// WebhookRepo persists subscriber endpoints.
type WebhookRepo struct{ Pool PgxPool }

// NewWebhookRepo constructs a WebhookRepo with the given pool.
func NewWebhookRepo(p PgxPool) *WebhookRepo { return &WebhookRepo{Pool: p} }

const webhookColumns = `id, user_id, url, events, status, secret, retry_policy, timeout_ms,
	filters, headers, stats_total, stats_success, stats_failure, consecutive_failures,
	last_delivery_at, last_success_at, created_at, updated_at`

func eventsToStrings(events []domain.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func scanWebhook(row interface{ Scan(dest ...any) error }) (domain.Webhook, error) {
	var (
		w           domain.Webhook
		events      []string
		retryPolicy []byte
		filters     []byte
		headers     []byte
	)
	err := row.Scan(&w.ID, &w.UserID, &w.URL, &events, &w.Status, &w.Secret, &retryPolicy, &w.TimeoutMs,
		&filters, &headers, &w.Stats.Total, &w.Stats.Success, &w.Stats.Failure, &w.Stats.ConsecutiveFailures,
		&w.Stats.LastDeliveryAt, &w.Stats.LastSuccessAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return domain.Webhook{}, err
	}
	w.Events = make([]domain.EventType, len(events))
	for i, e := range events {
		w.Events[i] = domain.EventType(e)
	}
	if err := fromJSONB(retryPolicy, &w.RetryPolicy); err != nil {
		return domain.Webhook{}, err
	}
	if err := fromJSONB(filters, &w.Filters); err != nil {
		return domain.Webhook{}, err
	}
	if err := fromJSONB(headers, &w.Headers); err != nil {
		return domain.Webhook{}, err
	}
	return w, nil
}

// Create inserts a new webhook endpoint.
func (r *WebhookRepo) Create(ctx domain.Context, w domain.Webhook) (domain.Webhook, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "webhooks"),
	)
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = domain.WebhookActive
	}
	if w.Headers == nil {
		w.Headers = map[string]string{}
	}
	retryPolicy, err := toJSONB(w.RetryPolicy)
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("op=webhook.create: %w", err)
	}
	filters, err := toJSONB(w.Filters)
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("op=webhook.create: %w", err)
	}
	headers, err := toJSONB(w.Headers)
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("op=webhook.create: %w", err)
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	q := `INSERT INTO webhooks (id, user_id, url, events, status, secret, retry_policy, timeout_ms,
		filters, headers, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = r.Pool.Exec(ctx, q, w.ID, w.UserID, w.URL, eventsToStrings(w.Events), w.Status, w.Secret,
		retryPolicy, w.TimeoutMs, filters, headers, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("op=webhook.create: %w", err)
	}
	return w, nil
}

// Get loads a webhook by id.
func (r *WebhookRepo) Get(ctx domain.Context, id string) (domain.Webhook, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Get")
	defer span.End()
	q := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id=$1`
	w, err := scanWebhook(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if noRows(err) {
			return domain.Webhook{}, fmt.Errorf("op=webhook.get: %w", domain.ErrNotFound)
		}
		return domain.Webhook{}, fmt.Errorf("op=webhook.get: %w", err)
	}
	return w, nil
}

// GetOwned loads a webhook by id scoped to its owner.
func (r *WebhookRepo) GetOwned(ctx domain.Context, id, userID string) (domain.Webhook, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.GetOwned")
	defer span.End()
	q := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id=$1 AND user_id=$2`
	w, err := scanWebhook(r.Pool.QueryRow(ctx, q, id, userID))
	if err != nil {
		if noRows(err) {
			return domain.Webhook{}, fmt.Errorf("op=webhook.get_owned: %w", domain.ErrNotFound)
		}
		return domain.Webhook{}, fmt.Errorf("op=webhook.get_owned: %w", err)
	}
	return w, nil
}

// ListByUser returns a page of the user's webhooks, newest first.
func (r *WebhookRepo) ListByUser(ctx domain.Context, userID string, page domain.Page) ([]domain.Webhook, int64, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.ListByUser")
	defer span.End()
	if page.Limit <= 0 {
		page.Limit = 20
	}
	var total int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhooks WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=webhook.list: %w", err)
	}
	q := `SELECT ` + webhookColumns + ` FROM webhooks WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("op=webhook.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=webhook.list: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=webhook.list: %w", err)
	}
	return out, total, nil
}

// ListActiveByEvent returns the user's active webhooks subscribed to the
// event type. Suspended and inactive endpoints are excluded.
func (r *WebhookRepo) ListActiveByEvent(ctx domain.Context, userID string, event domain.EventType) ([]domain.Webhook, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.ListActiveByEvent")
	defer span.End()
	q := `SELECT ` + webhookColumns + ` FROM webhooks
		WHERE user_id=$1 AND status='active' AND $2 = ANY(events)
		ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, userID, string(event))
	if err != nil {
		return nil, fmt.Errorf("op=webhook.list_active: %w", err)
	}
	defer rows.Close()
	var out []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("op=webhook.list_active: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=webhook.list_active: %w", err)
	}
	return out, nil
}

// Update rewrites the endpoint configuration.
func (r *WebhookRepo) Update(ctx domain.Context, w domain.Webhook) (domain.Webhook, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Update")
	defer span.End()
	if w.Headers == nil {
		w.Headers = map[string]string{}
	}
	retryPolicy, err := toJSONB(w.RetryPolicy)
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("op=webhook.update: %w", err)
	}
	filters, err := toJSONB(w.Filters)
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("op=webhook.update: %w", err)
	}
	headers, err := toJSONB(w.Headers)
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("op=webhook.update: %w", err)
	}
	now := time.Now().UTC()
	q := `UPDATE webhooks SET url=$3, events=$4, status=$5, retry_policy=$6, timeout_ms=$7,
		filters=$8, headers=$9, updated_at=$10
		WHERE id=$1 AND user_id=$2`
	tag, err := r.Pool.Exec(ctx, q, w.ID, w.UserID, w.URL, eventsToStrings(w.Events), w.Status,
		retryPolicy, w.TimeoutMs, filters, headers, now)
	if err != nil {
		return domain.Webhook{}, fmt.Errorf("op=webhook.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Webhook{}, fmt.Errorf("op=webhook.update: %w", domain.ErrNotFound)
	}
	w.UpdatedAt = now
	return w, nil
}

// ApplyDelivery persists the stats and status fields mutated by
// ApplySuccess/ApplyFailure in one atomic write.
func (r *WebhookRepo) ApplyDelivery(ctx domain.Context, w domain.Webhook) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.ApplyDelivery")
	defer span.End()
	q := `UPDATE webhooks SET status=$2, stats_total=$3, stats_success=$4, stats_failure=$5,
		consecutive_failures=$6, last_delivery_at=$7, last_success_at=$8, updated_at=$9
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, w.ID, w.Status, w.Stats.Total, w.Stats.Success, w.Stats.Failure,
		w.Stats.ConsecutiveFailures, w.Stats.LastDeliveryAt, w.Stats.LastSuccessAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=webhook.apply_delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook.apply_delivery: %w", domain.ErrNotFound)
	}
	return nil
}

// SetStatus flips the endpoint status.
func (r *WebhookRepo) SetStatus(ctx domain.Context, id string, status domain.WebhookStatus) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.SetStatus")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE webhooks SET status=$2, updated_at=$3 WHERE id=$1`,
		id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=webhook.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// RotateSecret replaces the signing secret.
func (r *WebhookRepo) RotateSecret(ctx domain.Context, id, userID, secret string) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.RotateSecret")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE webhooks SET secret=$3, updated_at=$4 WHERE id=$1 AND user_id=$2`,
		id, userID, secret, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=webhook.rotate_secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook.rotate_secret: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a webhook owned by the user; delivery history cascades.
func (r *WebhookRepo) Delete(ctx domain.Context, id, userID string) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM webhooks WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("op=webhook.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=webhook.delete: %w", domain.ErrNotFound)
	}
	return nil
}
