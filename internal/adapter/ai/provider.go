package ai

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
)

// Request is one resolved provider invocation: the task tuple from config
// merged with per-call overrides.
type Request struct {
	Task     domain.AITask
	Model    string
	Host     string
	Messages []domain.AIMessage

	Temperature   float64
	MaxTokens     int
	TopP          float64
	TopK          int
	NumCtx        int
	RepeatPenalty float64

	// JSONMode asks the backend for structured output where it supports
	// that natively; the repair pass still runs on the way out.
	JSONMode bool
}

// Response carries the completion plus usage when the backend reports it.
// Zero token counts mean the caller estimates usage instead.
type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider executes one completion against a concrete backend. Transient
// failure classification and retries live in Client, not here.
type Provider interface {
	Name() string
	Complete(ctx domain.Context, req Request) (Response, error)
}

const snippetLimit = 512

// snippet trims an upstream body for logs and error messages.
func snippet(body []byte) string {
	if len(body) > snippetLimit {
		body = body[:snippetLimit]
	}
	return string(body)
}

// statusError maps an upstream HTTP status onto the adapter error
// taxonomy: 429 is quota (retryable, carrying Retry-After when present),
// 5xx is provider unavailability (retryable), remaining 4xx are terminal.
func statusError(provider string, status int, header http.Header, body []byte) error {
	switch {
	case status == http.StatusTooManyRequests:
		ae := domain.E(domain.CodeAIQuotaExceeded, "%s rate limited: %s", provider, snippet(body))
		if d := retryAfter(header); d > 0 {
			ae.RetryAfter = d
		}
		return ae
	case status >= 500:
		return domain.E(domain.CodeAIUnavailable, "%s returned status %d: %s", provider, status, snippet(body))
	default:
		return domain.E(domain.CodeAIError, "%s returned status %d: %s", provider, status, snippet(body))
	}
}

// retryAfter parses a Retry-After header given as delay seconds.
func retryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// transportError maps transport-level failures: deadlines become AI
// timeouts, cancellation propagates untouched, everything else is
// provider unavailability.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.E(domain.CodeAITimeout, "%s request timed out", provider).WithCause(err)
	}
	return domain.E(domain.CodeAIUnavailable, "%s request failed", provider).WithCause(err)
}

// sdkError classifies vendor SDK failures by message, which is how the
// generated SDKs surface upstream status. Unknown failures stay retryable.
func sdkError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.E(domain.CodeAITimeout, "%s request timed out", provider).WithCause(err)
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(lower, "rate limit") || strings.Contains(lower, "quota"):
		return domain.E(domain.CodeAIQuotaExceeded, "%s rate limited", provider).WithCause(err)
	case containsAny(msg, "400", "401", "403", "404", "422"):
		return domain.E(domain.CodeAIError, "%s rejected the request", provider).WithCause(err)
	default:
		return domain.E(domain.CodeAIUnavailable, "%s request failed", provider).WithCause(err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
