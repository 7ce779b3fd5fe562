package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

const (
	userAgent        = "CV-Enhancer-Webhook/1.0"
	maxResponseBytes = 4 << 10
	defaultTimeout   = 30 * time.Second
)

// Sender is the webhook_delivery processor: it POSTs the stored payload
// to the endpoint, records the attempt, and folds the outcome into the
// webhook's stats and circuit breaker.
type Sender struct {
	webhooks   domain.WebhookRepository
	deliveries domain.DeliveryRepository
	client     *http.Client
}

// NewSender constructs the sender. A nil client uses http.DefaultClient
// semantics; per-request deadlines come from the webhook's timeout.
func NewSender(webhooks domain.WebhookRepository, deliveries domain.DeliveryRepository, client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{}
	}
	return &Sender{webhooks: webhooks, deliveries: deliveries, client: client}
}

func (s *Sender) Kind() domain.JobType { return domain.JobTypeWebhookDelivery }

func (s *Sender) Run(ctx context.Context, jc *engine.JobContext) error {
	var payload domain.WebhookDeliveryPayload
	if err := json.Unmarshal(jc.Job.Data, &payload); err != nil {
		return domain.E(domain.CodeInternalError, "job payload does not decode").WithCause(err)
	}

	d, err := s.deliveries.Get(ctx, payload.DeliveryID)
	if errors.Is(err, domain.ErrNotFound) {
		// Created just before the enqueue; give the insert one backoff.
		return domain.E(domain.CodeDBError, "delivery %s not visible yet", payload.DeliveryID)
	}
	if err != nil {
		return err
	}
	// A delivered delivery is final. Redeliveries acknowledge without a
	// new attempt.
	if d.Status == domain.DeliverySuccess {
		return jc.SetResult(map[string]any{"alreadyDelivered": true})
	}

	w, err := s.webhooks.Get(ctx, d.WebhookID)
	if errors.Is(err, domain.ErrNotFound) {
		at := time.Now().UTC()
		attempt := domain.DeliveryAttempt{
			AttemptNumber: len(d.Attempts) + 1,
			Timestamp:     at,
			Error:         "webhook deleted",
		}
		if rerr := s.deliveries.RecordAttempt(ctx, d.ID, attempt, domain.DeliveryFailed, nil, nil); rerr != nil {
			return rerr
		}
		return domain.E(domain.CodeWebhookNotFound, "webhook %s deleted before delivery", d.WebhookID)
	}
	if err != nil {
		return err
	}

	if err := jc.DeclareSteps(ctx, 1); err != nil {
		return err
	}

	started := time.Now().UTC()
	code, body, sendErr := s.post(ctx, w, d)
	finished := time.Now().UTC()
	attempt := domain.DeliveryAttempt{
		AttemptNumber: len(d.Attempts) + 1,
		Timestamp:     started,
		StatusCode:    code,
		Response:      body,
		DurationMs:    finished.Sub(started).Milliseconds(),
	}

	if sendErr == nil && code >= 200 && code < 300 {
		if err := s.deliveries.RecordAttempt(ctx, d.ID, attempt, domain.DeliverySuccess, nil, &finished); err != nil {
			return err
		}
		w.ApplySuccess(finished)
		// A successful test delivery always lifts a suspension, even
		// before the recovery rate is reached.
		if d.EventType == domain.EventWebhookTest && w.Status == domain.WebhookSuspended {
			w.Status = domain.WebhookActive
		}
		if err := s.webhooks.ApplyDelivery(ctx, w); err != nil {
			return err
		}
		if err := jc.StepDone(ctx, "deliver"); err != nil {
			return err
		}
		return jc.SetResult(map[string]any{"delivered": true, "statusCode": code})
	}

	if sendErr != nil {
		attempt.Error = sendErr.Error()
	} else {
		attempt.Error = "endpoint returned " + strconv.Itoa(code)
	}
	status := domain.DeliveryRetrying
	retryIn := w.RetryPolicy.NextDelay(attempt.AttemptNumber)
	var nextRetryAt *time.Time
	if attempt.AttemptNumber >= w.RetryPolicy.MaxRetries {
		status = domain.DeliveryExhausted
	} else {
		at := finished.Add(retryIn)
		nextRetryAt = &at
	}
	if err := s.deliveries.RecordAttempt(ctx, d.ID, attempt, status, nextRetryAt, nil); err != nil {
		return err
	}
	w.ApplyFailure(finished)
	if err := s.webhooks.ApplyDelivery(ctx, w); err != nil {
		return err
	}

	derr := domain.E(domain.CodeWebhookDeliveryFailed, "deliver %s to webhook %s: %s", d.EventType, w.ID, attempt.Error)
	if status == domain.DeliveryExhausted {
		derr.Retryable = false
	} else {
		derr.RetryAfter = retryIn
	}
	return derr
}

// post performs one HTTP attempt. The signature is recomputed with a
// fresh timestamp on every attempt so receivers can enforce freshness;
// custom headers never override the reserved four.
func (s *Sender) post(ctx context.Context, w domain.Webhook, d domain.WebhookDelivery) (int, string, error) {
	timeout := w.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, "", err
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	ts := time.Now().UTC().UnixMilli()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Webhook-Event", string(d.EventType))
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Webhook-Signature", Sign(w.Secret, ts, d.Payload))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(body), nil
}
