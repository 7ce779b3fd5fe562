package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cvforge/cvforge/internal/domain"
	"github.com/cvforge/cvforge/internal/usecase"
)

type createWebhookRequest struct {
	URL         string                     `json:"url" validate:"required,url"`
	Events      []string                   `json:"events" validate:"required,min=1"`
	RetryPolicy *domain.WebhookRetryPolicy `json:"retryPolicy"`
	TimeoutMs   *int                       `json:"timeoutMs"`
	Filters     domain.WebhookFilters      `json:"filters"`
	Headers     map[string]string          `json:"headers"`
}

func toEventTypes(events []string) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, domain.EventType(e))
	}
	return out
}

// CreateWebhookHandler registers an endpoint. The response carries the
// signing secret in the clear; this is the only time it is exposed.
func (s *Server) CreateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	hook, err := s.Webhooks.Create(r.Context(), userID(r), usecase.CreateWebhookInput{
		URL:         req.URL,
		Events:      toEventTypes(req.Events),
		RetryPolicy: req.RetryPolicy,
		TimeoutMs:   req.TimeoutMs,
		Filters:     req.Filters,
		Headers:     req.Headers,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWebhookResponse(hook))
}

// ListWebhooksHandler returns the user's endpoints, secrets redacted.
func (s *Server) ListWebhooksHandler(w http.ResponseWriter, r *http.Request) {
	page := pageParams(r)
	hooks, total, err := s.Webhooks.List(r.Context(), userID(r), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]webhookResponse, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, toWebhookResponse(h))
	}
	writeJSON(w, http.StatusOK, newList(out, total, page))
}

// GetWebhookHandler loads one endpoint, secret redacted.
func (s *Server) GetWebhookHandler(w http.ResponseWriter, r *http.Request) {
	hook, err := s.Webhooks.Get(r.Context(), userID(r), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhookResponse(hook))
}

type updateWebhookRequest struct {
	URL         *string                    `json:"url" validate:"omitempty,url"`
	Events      []string                   `json:"events"`
	RetryPolicy *domain.WebhookRetryPolicy `json:"retryPolicy"`
	TimeoutMs   *int                       `json:"timeoutMs"`
	Filters     *domain.WebhookFilters     `json:"filters"`
	Headers     map[string]string          `json:"headers"`
	Status      *string                    `json:"status"`
}

// UpdateWebhookHandler rewrites the mutable configuration.
func (s *Server) UpdateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req updateWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := usecase.UpdateWebhookInput{
		URL:         req.URL,
		RetryPolicy: req.RetryPolicy,
		TimeoutMs:   req.TimeoutMs,
		Filters:     req.Filters,
		Headers:     req.Headers,
	}
	if req.Events != nil {
		in.Events = toEventTypes(req.Events)
	}
	if req.Status != nil {
		st := domain.WebhookStatus(*req.Status)
		in.Status = &st
	}
	hook, err := s.Webhooks.Update(r.Context(), userID(r), chi.URLParam(r, "webhookID"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhookResponse(hook))
}

// DeleteWebhookHandler removes the endpoint; delivery history cascades.
func (s *Server) DeleteWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Webhooks.Delete(r.Context(), userID(r), chi.URLParam(r, "webhookID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestWebhookHandler sends a webhook.test event to the endpoint. It
// bypasses suspension so a suspended endpoint can be probed; a
// successful test delivery recovers it.
func (s *Server) TestWebhookHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.Webhooks.Test(r.Context(), userID(r), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toDeliveryResponse(d))
}

// WebhookStatsHandler returns the aggregated delivery statistics.
func (s *Server) WebhookStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Webhooks.Stats(r.Context(), userID(r), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListDeliveriesHandler returns a page of the endpoint's delivery
// records.
func (s *Server) ListDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	page := pageParams(r)
	dels, total, err := s.Webhooks.ListDeliveries(r.Context(), userID(r), chi.URLParam(r, "webhookID"), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]deliveryResponse, 0, len(dels))
	for _, d := range dels {
		out = append(out, toDeliveryResponse(d))
	}
	writeJSON(w, http.StatusOK, newList(out, total, page))
}

// RetryDeliveryHandler re-enqueues a failed or exhausted delivery.
func (s *Server) RetryDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.Webhooks.RetryDelivery(r.Context(), userID(r), chi.URLParam(r, "deliveryID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// ActivateWebhookHandler manually reactivates an inactive or suspended
// endpoint.
func (s *Server) ActivateWebhookHandler(w http.ResponseWriter, r *http.Request) {
	hook, err := s.Webhooks.Activate(r.Context(), userID(r), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWebhookResponse(hook))
}

// RotateWebhookSecretHandler replaces the signing secret and returns
// the new value once.
func (s *Server) RotateWebhookSecretHandler(w http.ResponseWriter, r *http.Request) {
	secret, err := s.Webhooks.RotateSecret(r.Context(), userID(r), chi.URLParam(r, "webhookID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}
