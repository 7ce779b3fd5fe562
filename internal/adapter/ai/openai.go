package ai

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
)

// OpenAIProvider speaks the chat completions API. It also fronts any
// OpenAI-compatible gateway via a custom base URL.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	hc      *http.Client
}

// NewOpenAIProvider builds the provider with a dedicated HTTP client so
// the adapter timeout does not leak into unrelated transports.
func NewOpenAIProvider(apiKey, baseURL string, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete sends one chat completion request.
func (p *OpenAIProvider) Complete(ctx domain.Context, req Request) (Response, error) {
	return chatCompletions(ctx, p.hc, chatCall{
		provider:   p.Name(),
		url:        p.baseURL + "/chat/completions",
		apiKey:     p.apiKey,
		jsonFormat: req.JSONMode,
	}, req)
}

// chatCall parameterizes one OpenAI-shaped request so compatible backends
// share the wire code.
type chatCall struct {
	provider string
	url      string
	apiKey   string
	// jsonFormat adds response_format json_object; gateways that reject
	// the parameter leave it off and rely on the repair pass.
	jsonFormat bool
}

func chatCompletions(ctx domain.Context, hc *http.Client, call chatCall, req Request) (Response, error) {
	payload := struct {
		Model          string             `json:"model"`
		Messages       []domain.AIMessage `json:"messages"`
		Temperature    float64            `json:"temperature"`
		TopP           float64            `json:"top_p,omitempty"`
		MaxTokens      int                `json:"max_tokens,omitempty"`
		Stream         bool               `json:"stream"`
		ResponseFormat *struct {
			Type string `json:"type"`
		} `json:"response_format,omitempty"`
	}{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	if call.jsonFormat {
		payload.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, domain.E(domain.CodeAIError, "%s: encode request", call.provider).WithCause(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, call.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, domain.E(domain.CodeAIError, "%s: build request", call.provider).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if call.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+call.apiKey)
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return Response{}, transportError(call.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, transportError(call.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("chat completion failed",
			slog.String("provider", call.provider),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet(respBody)))
		return Response{}, statusError(call.provider, resp.StatusCode, resp.Header, respBody)
	}

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Response{}, domain.E(domain.CodeAIError, "%s: decode response: %s", call.provider, snippet(respBody)).WithCause(err)
	}
	if len(out.Choices) == 0 {
		return Response{}, domain.E(domain.CodeAIInvalidResponse, "%s returned no choices", call.provider)
	}
	model := out.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Content:          out.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}
