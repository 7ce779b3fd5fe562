package ai

import (
	"net/http"
	"strings"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
)

// HuggingFaceProvider targets the inference API's OpenAI-compatible chat
// route, one endpoint per hosted model. Structured-output parameters are
// not sent because TGI backends differ in support; JSON discipline comes
// from the prompt and the repair pass.
type HuggingFaceProvider struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

func NewHuggingFaceProvider(apiKey, baseURL string, timeout time.Duration) *HuggingFaceProvider {
	return &HuggingFaceProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

func (p *HuggingFaceProvider) Name() string { return "huggingface" }

// Complete sends one chat completion request. A per-task Host override
// points at a dedicated TGI deployment instead of the shared API.
func (p *HuggingFaceProvider) Complete(ctx domain.Context, req Request) (Response, error) {
	base := p.baseURL
	if req.Host != "" {
		base = strings.TrimSuffix(req.Host, "/")
	}
	return chatCompletions(ctx, p.hc, chatCall{
		provider: p.Name(),
		url:      base + "/models/" + req.Model + "/v1/chat/completions",
		apiKey:   p.apiKey,
	}, req)
}
