package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/engine"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWebhooks struct {
	mu   sync.Mutex
	rows map[string]domain.Webhook
}

func newFakeWebhooks(hooks ...domain.Webhook) *fakeWebhooks {
	f := &fakeWebhooks{rows: make(map[string]domain.Webhook)}
	for _, w := range hooks {
		f.rows[w.ID] = w
	}
	return f
}

func (f *fakeWebhooks) Get(_ domain.Context, id string) (domain.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.rows[id]
	if !ok {
		return domain.Webhook{}, domain.E(domain.CodeWebhookNotFound, "webhook %s not found", id)
	}
	return w, nil
}

func (f *fakeWebhooks) ListActiveByEvent(_ domain.Context, userID string, event domain.EventType) ([]domain.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Webhook
	for _, w := range f.rows {
		if w.UserID == userID && w.Status == domain.WebhookActive && w.SubscribedTo(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeWebhooks) ApplyDelivery(_ domain.Context, w domain.Webhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[w.ID]
	if !ok {
		return domain.E(domain.CodeWebhookNotFound, "webhook %s not found", w.ID)
	}
	row.Status = w.Status
	row.Stats = w.Stats
	f.rows[w.ID] = row
	return nil
}

func (f *fakeWebhooks) Create(domain.Context, domain.Webhook) (domain.Webhook, error) {
	panic("unused")
}
func (f *fakeWebhooks) GetOwned(domain.Context, string, string) (domain.Webhook, error) {
	panic("unused")
}
func (f *fakeWebhooks) ListByUser(domain.Context, string, domain.Page) ([]domain.Webhook, int64, error) {
	panic("unused")
}
func (f *fakeWebhooks) Update(domain.Context, domain.Webhook) (domain.Webhook, error) {
	panic("unused")
}
func (f *fakeWebhooks) SetStatus(domain.Context, string, domain.WebhookStatus) error {
	panic("unused")
}
func (f *fakeWebhooks) RotateSecret(domain.Context, string, string, string) error { panic("unused") }
func (f *fakeWebhooks) Delete(domain.Context, string, string) error               { panic("unused") }

type fakeDeliveries struct {
	mu   sync.Mutex
	rows map[string]domain.WebhookDelivery
}

func newFakeDeliveries() *fakeDeliveries {
	return &fakeDeliveries{rows: make(map[string]domain.WebhookDelivery)}
}

func (f *fakeDeliveries) Create(_ domain.Context, d domain.WebhookDelivery) (domain.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.ID == "" {
		d.ID = fmt.Sprintf("del-%d", len(f.rows)+1)
	}
	d.CreatedAt = time.Now().UTC()
	f.rows[d.ID] = d
	return d, nil
}

func (f *fakeDeliveries) Get(_ domain.Context, id string) (domain.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok {
		return domain.WebhookDelivery{}, domain.E(domain.CodeWebhookDeliveryNotFound, "delivery %s not found", id)
	}
	return d, nil
}

func (f *fakeDeliveries) RecordAttempt(_ domain.Context, id string, attempt domain.DeliveryAttempt, status domain.DeliveryStatus, nextRetryAt, deliveredAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok {
		return domain.E(domain.CodeWebhookDeliveryNotFound, "delivery %s not found", id)
	}
	d.Attempts = append(d.Attempts, attempt)
	d.Status = status
	d.NextRetryAt = nextRetryAt
	d.DeliveredAt = deliveredAt
	f.rows[id] = d
	return nil
}

func (f *fakeDeliveries) all() []domain.WebhookDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.WebhookDelivery, 0, len(f.rows))
	for _, d := range f.rows {
		out = append(out, d)
	}
	return out
}

func (f *fakeDeliveries) GetOwned(domain.Context, string, string) (domain.WebhookDelivery, error) {
	panic("unused")
}
func (f *fakeDeliveries) ListByWebhook(domain.Context, string, string, domain.Page) ([]domain.WebhookDelivery, int64, error) {
	panic("unused")
}
func (f *fakeDeliveries) DeleteOlderThan(domain.Context, time.Time) (int64, error) {
	panic("unused")
}

type createdJob struct {
	t    domain.JobType
	data json.RawMessage
	opts engine.CreateOptions
}

type fakeJobs struct {
	mu      sync.Mutex
	created []createdJob
}

func (f *fakeJobs) Create(_ domain.Context, t domain.JobType, data any, opts engine.CreateOptions) (domain.Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.Job{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, createdJob{t: t, data: raw, opts: opts})
	return domain.Job{ID: fmt.Sprintf("job-%d", len(f.created)), Type: t, Data: raw}, nil
}

// fakeReporter satisfies engine.ProgressReporter for sender tests.
type fakeReporter struct{}

func (fakeReporter) ReportProgress(domain.Context, string, int, string) (bool, error) {
	return false, nil
}
func (fakeReporter) SetTotalSteps(domain.Context, string, int) error { return nil }

func newJC(deliveryID, webhookID string) *engine.JobContext {
	data, _ := json.Marshal(domain.WebhookDeliveryPayload{DeliveryID: deliveryID, WebhookID: webhookID})
	job := domain.Job{ID: "job-1", Type: domain.JobTypeWebhookDelivery, UserID: "u1", Data: data}
	return engine.NewJobContext(job, fakeReporter{}, testLog())
}
