package domain

import (
	"time"
)

// EventType names a webhook bus event.
type EventType string

const (
	EventParseCompleted      EventType = "parse.completed"
	EventParseFailed         EventType = "parse.failed"
	EventOptimizeCompleted   EventType = "optimize.completed"
	EventOptimizeFailed      EventType = "optimize.failed"
	EventGenerationCompleted EventType = "generation.completed"
	EventGenerationFailed    EventType = "generation.failed"
	EventATSCompleted        EventType = "ats.completed"
	EventATSFailed           EventType = "ats.failed"
	EventWebhookTest         EventType = "webhook.test"
)

// EventTypes lists every event a webhook may subscribe to.
var EventTypes = []EventType{
	EventParseCompleted, EventParseFailed,
	EventOptimizeCompleted, EventOptimizeFailed,
	EventGenerationCompleted, EventGenerationFailed,
	EventATSCompleted, EventATSFailed,
	EventWebhookTest,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, k := range EventTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Event is a domain occurrence offered to the webhook dispatcher. Extra
// carries event-specific payload fields merged into the delivery data.
type Event struct {
	Type    EventType
	JobID   string
	UserID  string
	JobType JobType
	CVID    string
	Score   *float64
	Extra   map[string]any
}

// PayloadData flattens the event into the delivery payload's data object.
func (e Event) PayloadData() map[string]any {
	data := map[string]any{
		"jobId":   e.JobID,
		"userId":  e.UserID,
		"jobType": string(e.JobType),
	}
	if e.CVID != "" {
		data["cvId"] = e.CVID
	}
	if e.Score != nil {
		data["score"] = *e.Score
	}
	for k, v := range e.Extra {
		data[k] = v
	}
	return data
}

type WebhookStatus string

const (
	WebhookActive    WebhookStatus = "active"
	WebhookInactive  WebhookStatus = "inactive"
	WebhookSuspended WebhookStatus = "suspended"
)

// Bounds enforced on webhook configuration.
const (
	WebhookMaxRetriesCap    = 6
	WebhookMinRetryDelayMs  = 1000
	WebhookMaxRetryDelayMs  = 300000
	WebhookMinMultiplier    = 1.0
	WebhookMaxMultiplier    = 8.0
	WebhookMinTimeoutMs     = 5000
	WebhookMaxTimeoutMs     = 120000
	WebhookSuspendThreshold = 5
	WebhookRecoveryRate     = 0.8
)

// WebhookRetryPolicy shapes the redelivery schedule for one endpoint.
type WebhookRetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	RetryDelayMs      int     `json:"retryDelay"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

// DefaultWebhookRetryPolicy is applied when a webhook is created without
// an explicit policy.
func DefaultWebhookRetryPolicy() WebhookRetryPolicy {
	return WebhookRetryPolicy{MaxRetries: 3, RetryDelayMs: 5000, BackoffMultiplier: 2}
}

// Validate checks the policy against the platform bounds.
func (p WebhookRetryPolicy) Validate() error {
	if p.MaxRetries < 1 || p.MaxRetries > WebhookMaxRetriesCap {
		return E(CodeValidationError, "retryPolicy.maxRetries must be between 1 and %d", WebhookMaxRetriesCap)
	}
	if p.RetryDelayMs < WebhookMinRetryDelayMs || p.RetryDelayMs > WebhookMaxRetryDelayMs {
		return E(CodeValidationError, "retryPolicy.retryDelay must be between %d and %d ms", WebhookMinRetryDelayMs, WebhookMaxRetryDelayMs)
	}
	if p.BackoffMultiplier < WebhookMinMultiplier || p.BackoffMultiplier > WebhookMaxMultiplier {
		return E(CodeValidationError, "retryPolicy.backoffMultiplier must be between %v and %v", WebhookMinMultiplier, WebhookMaxMultiplier)
	}
	return nil
}

// NextDelay computes the wait before attempt n+1 given n completed
// attempts: delay * multiplier^(n-1), clamped to [delay, maxDelay].
func (p WebhookRetryPolicy) NextDelay(attemptNumber int) time.Duration {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	base := float64(p.RetryDelayMs)
	d := base
	for i := 1; i < attemptNumber; i++ {
		d *= p.BackoffMultiplier
	}
	if d < base {
		d = base
	}
	if d > WebhookMaxRetryDelayMs {
		d = WebhookMaxRetryDelayMs
	}
	return time.Duration(d) * time.Millisecond
}

// WebhookFilters narrow which events an endpoint receives. All present
// filters must pass (intersection semantics).
type WebhookFilters struct {
	JobTypes []string `json:"jobTypes,omitempty"`
	MinScore *float64 `json:"minScore,omitempty"`
	MaxScore *float64 `json:"maxScore,omitempty"`
	CVIDs    []string `json:"cvIds,omitempty"`
}

// Match applies the filters to an event.
func (f WebhookFilters) Match(e Event) bool {
	if len(f.JobTypes) > 0 {
		found := false
		for _, t := range f.JobTypes {
			if t == string(e.JobType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if e.Score != nil {
		if f.MinScore != nil && *e.Score < *f.MinScore {
			return false
		}
		if f.MaxScore != nil && *e.Score > *f.MaxScore {
			return false
		}
	}
	if len(f.CVIDs) > 0 && e.CVID != "" {
		found := false
		for _, id := range f.CVIDs {
			if id == e.CVID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DeliveryStats aggregates the delivery history of one webhook.
type DeliveryStats struct {
	Total               int64      `json:"total"`
	Success             int64      `json:"success"`
	Failure             int64      `json:"failure"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastDeliveryAt      *time.Time `json:"lastDeliveryAt,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
}

// SuccessRate is success/total; 0 when nothing was delivered yet.
func (s DeliveryStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Success) / float64(s.Total)
}

// Webhook is a registered subscriber endpoint.
type Webhook struct {
	ID          string
	UserID      string
	URL         string
	Events      []EventType
	Status      WebhookStatus
	Secret      string
	RetryPolicy WebhookRetryPolicy
	TimeoutMs   int
	Filters     WebhookFilters
	Headers     map[string]string
	Stats       DeliveryStats
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SubscribedTo reports whether the webhook listens for the event type.
func (w *Webhook) SubscribedTo(t EventType) bool {
	for _, e := range w.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Timeout returns the per-request deadline.
func (w *Webhook) Timeout() time.Duration {
	return time.Duration(w.TimeoutMs) * time.Millisecond
}

// ApplySuccess folds a successful delivery into the stats and clears
// suspension when the recovery rate is reached.
func (w *Webhook) ApplySuccess(at time.Time) {
	w.Stats.Total++
	w.Stats.Success++
	w.Stats.ConsecutiveFailures = 0
	w.Stats.LastDeliveryAt = &at
	w.Stats.LastSuccessAt = &at
	if w.Status == WebhookSuspended && w.Stats.SuccessRate() >= WebhookRecoveryRate {
		w.Status = WebhookActive
	}
}

// ApplyFailure folds a failed delivery into the stats and suspends the
// webhook once the consecutive-failure threshold is reached.
func (w *Webhook) ApplyFailure(at time.Time) {
	w.Stats.Total++
	w.Stats.Failure++
	w.Stats.ConsecutiveFailures++
	w.Stats.LastDeliveryAt = &at
	if w.Stats.ConsecutiveFailures >= WebhookSuspendThreshold {
		w.Status = WebhookSuspended
	}
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliverySuccess   DeliveryStatus = "success"
	DeliveryExhausted DeliveryStatus = "exhausted"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryAttempt records one HTTP call to the subscriber.
type DeliveryAttempt struct {
	AttemptNumber int       `json:"attemptNumber"`
	Timestamp     time.Time `json:"timestamp"`
	StatusCode    int       `json:"statusCode,omitempty"`
	Response      string    `json:"response,omitempty"`
	Error         string    `json:"error,omitempty"`
	DurationMs    int64     `json:"durationMs"`
}

// WebhookDelivery is the persisted attempt chain for one event sent to
// one webhook.
type WebhookDelivery struct {
	ID          string
	WebhookID   string
	UserID      string
	EventType   EventType
	Payload     []byte
	Signature   string
	Status      DeliveryStatus
	Attempts    []DeliveryAttempt
	NextRetryAt *time.Time
	DeliveredAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
