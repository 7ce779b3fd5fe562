package usecase

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

// WebhookService manages subscriber endpoints and their delivery history.
// The secret is revealed exactly once, on creation and rotation; every
// other read path redacts it.
type WebhookService struct {
	Engine     JobEngine
	Webhooks   domain.WebhookRepository
	Deliveries domain.DeliveryRepository
	Dispatcher DeliveryDispatcher
	MaxPerUser int
}

// NewWebhookService constructs a WebhookService.
func NewWebhookService(eng JobEngine, webhooks domain.WebhookRepository,
	deliveries domain.DeliveryRepository, dispatcher DeliveryDispatcher, maxPerUser int) WebhookService {
	return WebhookService{Engine: eng, Webhooks: webhooks, Deliveries: deliveries,
		Dispatcher: dispatcher, MaxPerUser: maxPerUser}
}

// CreateWebhookInput is the subscription request.
type CreateWebhookInput struct {
	URL         string
	Events      []domain.EventType
	RetryPolicy *domain.WebhookRetryPolicy
	TimeoutMs   *int
	Filters     domain.WebhookFilters
	Headers     map[string]string
}

// Create registers a webhook and returns it with the freshly generated
// secret in the clear. This is the only time the secret is exposed.
func (s WebhookService) Create(ctx domain.Context, userID string, in CreateWebhookInput) (domain.Webhook, error) {
	if err := validateWebhookURL(in.URL); err != nil {
		return domain.Webhook{}, err
	}
	if err := validateEvents(in.Events); err != nil {
		return domain.Webhook{}, err
	}
	policy := domain.DefaultWebhookRetryPolicy()
	if in.RetryPolicy != nil {
		policy = *in.RetryPolicy
	}
	if err := policy.Validate(); err != nil {
		return domain.Webhook{}, err
	}
	timeoutMs := 30000
	if in.TimeoutMs != nil {
		timeoutMs = *in.TimeoutMs
	}
	if timeoutMs < domain.WebhookMinTimeoutMs || timeoutMs > domain.WebhookMaxTimeoutMs {
		return domain.Webhook{}, domain.E(domain.CodeValidationError,
			"timeout must be between %d and %d ms", domain.WebhookMinTimeoutMs, domain.WebhookMaxTimeoutMs)
	}
	if s.MaxPerUser > 0 {
		_, total, err := s.Webhooks.ListByUser(ctx, userID, domain.Page{Limit: 1})
		if err != nil {
			return domain.Webhook{}, err
		}
		if total >= int64(s.MaxPerUser) {
			return domain.Webhook{}, domain.E(domain.CodeConflict, "webhook limit of %d reached", s.MaxPerUser)
		}
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return domain.Webhook{}, err
	}
	return s.Webhooks.Create(ctx, domain.Webhook{
		UserID:      userID,
		URL:         in.URL,
		Events:      in.Events,
		Status:      domain.WebhookActive,
		Secret:      secret,
		RetryPolicy: policy,
		TimeoutMs:   timeoutMs,
		Filters:     in.Filters,
		Headers:     in.Headers,
	})
}

// UpdateWebhookInput carries partial updates; nil fields stay unchanged.
type UpdateWebhookInput struct {
	URL         *string
	Events      []domain.EventType
	RetryPolicy *domain.WebhookRetryPolicy
	TimeoutMs   *int
	Filters     *domain.WebhookFilters
	Headers     map[string]string
	Status      *domain.WebhookStatus
}

// Update rewrites the mutable configuration. Status may only be toggled
// between active and inactive here; suspension is machine-managed and
// cleared via Activate.
func (s WebhookService) Update(ctx domain.Context, userID, id string, in UpdateWebhookInput) (domain.Webhook, error) {
	w, err := s.Webhooks.GetOwned(ctx, id, userID)
	if err != nil {
		return domain.Webhook{}, err
	}
	if in.URL != nil {
		if err := validateWebhookURL(*in.URL); err != nil {
			return domain.Webhook{}, err
		}
		w.URL = *in.URL
	}
	if in.Events != nil {
		if err := validateEvents(in.Events); err != nil {
			return domain.Webhook{}, err
		}
		w.Events = in.Events
	}
	if in.RetryPolicy != nil {
		if err := in.RetryPolicy.Validate(); err != nil {
			return domain.Webhook{}, err
		}
		w.RetryPolicy = *in.RetryPolicy
	}
	if in.TimeoutMs != nil {
		if *in.TimeoutMs < domain.WebhookMinTimeoutMs || *in.TimeoutMs > domain.WebhookMaxTimeoutMs {
			return domain.Webhook{}, domain.E(domain.CodeValidationError,
				"timeout must be between %d and %d ms", domain.WebhookMinTimeoutMs, domain.WebhookMaxTimeoutMs)
		}
		w.TimeoutMs = *in.TimeoutMs
	}
	if in.Filters != nil {
		w.Filters = *in.Filters
	}
	if in.Headers != nil {
		w.Headers = in.Headers
	}
	if in.Status != nil {
		switch *in.Status {
		case domain.WebhookActive, domain.WebhookInactive:
			w.Status = *in.Status
		default:
			return domain.Webhook{}, domain.E(domain.CodeValidationError, "status must be active or inactive")
		}
	}
	w, err = s.Webhooks.Update(ctx, w)
	if err != nil {
		return domain.Webhook{}, err
	}
	return redact(w), nil
}

// Get loads one webhook with the secret redacted.
func (s WebhookService) Get(ctx domain.Context, userID, id string) (domain.Webhook, error) {
	w, err := s.Webhooks.GetOwned(ctx, id, userID)
	if err != nil {
		return domain.Webhook{}, err
	}
	return redact(w), nil
}

// List returns a page of the user's webhooks, secrets redacted.
func (s WebhookService) List(ctx domain.Context, userID string, page domain.Page) ([]domain.Webhook, int64, error) {
	ws, total, err := s.Webhooks.ListByUser(ctx, userID, normalizePage(page))
	if err != nil {
		return nil, 0, err
	}
	for i := range ws {
		ws[i] = redact(ws[i])
	}
	return ws, total, nil
}

// Delete removes the webhook; delivery history cascades.
func (s WebhookService) Delete(ctx domain.Context, userID, id string) error {
	return s.Webhooks.Delete(ctx, id, userID)
}

// Stats returns the aggregated delivery statistics.
func (s WebhookService) Stats(ctx domain.Context, userID, id string) (domain.DeliveryStats, error) {
	w, err := s.Webhooks.GetOwned(ctx, id, userID)
	if err != nil {
		return domain.DeliveryStats{}, err
	}
	return w.Stats, nil
}

// ListDeliveries returns a page of the webhook's delivery records.
func (s WebhookService) ListDeliveries(ctx domain.Context, userID, id string, page domain.Page) ([]domain.WebhookDelivery, int64, error) {
	if _, err := s.Webhooks.GetOwned(ctx, id, userID); err != nil {
		return nil, 0, err
	}
	return s.Deliveries.ListByWebhook(ctx, id, userID, normalizePage(page))
}

// Test sends a webhook.test event directly to the endpoint, bypassing
// event matching and the suspension gate so a suspended endpoint can be
// probed; a successful test delivery recovers it.
func (s WebhookService) Test(ctx domain.Context, userID, id string) (domain.WebhookDelivery, error) {
	w, err := s.Webhooks.GetOwned(ctx, id, userID)
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	return s.Dispatcher.EnqueueDelivery(ctx, w, domain.Event{
		Type:   domain.EventWebhookTest,
		UserID: userID,
		Extra:  map[string]any{"webhookId": w.ID, "test": true},
	})
}

// RetryDelivery re-enqueues a failed or exhausted delivery for one more
// attempt chain. Successful deliveries are never re-sent.
func (s WebhookService) RetryDelivery(ctx domain.Context, userID, deliveryID string) (domain.Job, error) {
	d, err := s.Deliveries.GetOwned(ctx, deliveryID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	if d.Status == domain.DeliverySuccess {
		return domain.Job{}, domain.E(domain.CodeConflict, "delivery %s already succeeded", deliveryID)
	}
	w, err := s.Webhooks.GetOwned(ctx, d.WebhookID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	return s.Engine.Create(ctx, domain.JobTypeWebhookDelivery, domain.WebhookDeliveryPayload{
		DeliveryID: d.ID,
		WebhookID:  w.ID,
	}, engine.CreateOptions{UserID: userID, MaxRetries: ptrInt(w.RetryPolicy.MaxRetries)})
}

// RotateSecret replaces the signing secret and returns the new value in
// the clear, once.
func (s WebhookService) RotateSecret(ctx domain.Context, userID, id string) (string, error) {
	if _, err := s.Webhooks.GetOwned(ctx, id, userID); err != nil {
		return "", err
	}
	secret, err := newWebhookSecret()
	if err != nil {
		return "", err
	}
	if err := s.Webhooks.RotateSecret(ctx, id, userID, secret); err != nil {
		return "", err
	}
	return secret, nil
}

// Activate manually reactivates an inactive or suspended webhook,
// clearing the consecutive-failure count.
func (s WebhookService) Activate(ctx domain.Context, userID, id string) (domain.Webhook, error) {
	w, err := s.Webhooks.GetOwned(ctx, id, userID)
	if err != nil {
		return domain.Webhook{}, err
	}
	if w.Status == domain.WebhookActive {
		return redact(w), nil
	}
	w.Status = domain.WebhookActive
	w.Stats.ConsecutiveFailures = 0
	if err := s.Webhooks.ApplyDelivery(ctx, w); err != nil {
		return domain.Webhook{}, err
	}
	return redact(w), nil
}

func redact(w domain.Webhook) domain.Webhook {
	w.Secret = ""
	return w
}

// newWebhookSecret returns 32 random bytes hex encoded.
func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("op=webhook.secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.E(domain.CodeWebhookURLInvalid, "url must be absolute http(s)")
	}
	return nil
}

func validateEvents(events []domain.EventType) error {
	if len(events) == 0 {
		return domain.E(domain.CodeValidationError, "at least one event is required")
	}
	for _, e := range events {
		if !e.Valid() {
			return domain.E(domain.CodeValidationError, "unknown event type %q", e)
		}
	}
	return nil
}

func ptrInt(n int) *int { return &n }
