package webhook

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// JobCreator is the slice of the engine the dispatcher needs.
type JobCreator interface {
	Create(ctx domain.Context, t domain.JobType, data any, opts engine.CreateOptions) (domain.Job, error)
}

// Dispatcher fans domain events out to matching webhooks: one delivery
// record plus one webhook_delivery job per endpoint. It sits behind the
// engine worker as the domain.EventSink.
type Dispatcher struct {
	webhooks   domain.WebhookRepository
	deliveries domain.DeliveryRepository
	jobs       JobCreator
	log        *slog.Logger
}

var _ domain.EventSink = (*Dispatcher)(nil)

// NewDispatcher wires the dispatcher.
func NewDispatcher(webhooks domain.WebhookRepository, deliveries domain.DeliveryRepository, jobs JobCreator, log *slog.Logger) *Dispatcher {
	return &Dispatcher{webhooks: webhooks, deliveries: deliveries, jobs: jobs, log: log}
}

// Emit enqueues a delivery for every active webhook of the event's user
// that subscribes to the event type and passes its filters. A failure on
// one endpoint never blocks the others.
func (d *Dispatcher) Emit(ctx domain.Context, e domain.Event) error {
	if e.Type == "" || e.UserID == "" {
		return nil
	}
	hooks, err := d.webhooks.ListActiveByEvent(ctx, e.UserID, e.Type)
	if err != nil {
		return err
	}
	for _, w := range hooks {
		if !w.Filters.Match(e) {
			continue
		}
		if _, err := d.EnqueueDelivery(ctx, w, e); err != nil {
			d.log.Error("enqueue webhook delivery",
				slog.String("webhook_id", w.ID),
				slog.String("event", string(e.Type)),
				slog.Any("error", err))
		}
	}
	return nil
}

// EnqueueDelivery creates the delivery record and its job for one
// webhook, skipping the subscription and filter checks. The webhook test
// operation uses it directly so a suspended endpoint can still be probed.
func (d *Dispatcher) EnqueueDelivery(ctx domain.Context, w domain.Webhook, e domain.Event) (domain.WebhookDelivery, error) {
	now := time.Now().UTC()
	payload, err := json.Marshal(Envelope{
		Event:     string(e.Type),
		Timestamp: now.Format(time.RFC3339),
		Data:      e.PayloadData(),
	})
	if err != nil {
		return domain.WebhookDelivery{}, domain.E(domain.CodeInternalError, "event payload not serializable").WithCause(err)
	}

	del := domain.WebhookDelivery{
		ID:        ulid.Make().String(),
		WebhookID: w.ID,
		UserID:    w.UserID,
		EventType: e.Type,
		Payload:   payload,
		Signature: Sign(w.Secret, now.UnixMilli(), payload),
		Status:    domain.DeliveryPending,
	}
	del, err = d.deliveries.Create(ctx, del)
	if err != nil {
		return domain.WebhookDelivery{}, err
	}

	maxRetries := w.RetryPolicy.MaxRetries
	_, err = d.jobs.Create(ctx, domain.JobTypeWebhookDelivery,
		domain.WebhookDeliveryPayload{DeliveryID: del.ID, WebhookID: w.ID},
		engine.CreateOptions{UserID: w.UserID, MaxRetries: &maxRetries})
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	return del, nil
}
