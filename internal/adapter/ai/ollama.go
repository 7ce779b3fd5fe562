package ai

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
)

// OllamaProvider talks to local ollama daemons over /api/chat. Each task
// can point at its own host so parse and ats models need not share a GPU.
type OllamaProvider struct {
	defaultHost string
	hc          *http.Client
}

func NewOllamaProvider(defaultHost string, timeout time.Duration) *OllamaProvider {
	return &OllamaProvider{
		defaultHost: strings.TrimSuffix(defaultHost, "/"),
		hc:          &http.Client{Timeout: timeout},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

// Complete sends one non-streaming chat request.
func (p *OllamaProvider) Complete(ctx domain.Context, req Request) (Response, error) {
	host := p.defaultHost
	if req.Host != "" {
		host = strings.TrimSuffix(req.Host, "/")
	}

	payload := struct {
		Model    string             `json:"model"`
		Messages []domain.AIMessage `json:"messages"`
		Stream   bool               `json:"stream"`
		Format   string             `json:"format,omitempty"`
		Options  map[string]any     `json:"options"`
	}{
		Model:    req.Model,
		Messages: req.Messages,
		Options: map[string]any{
			"temperature":    req.Temperature,
			"top_p":          req.TopP,
			"top_k":          req.TopK,
			"num_ctx":        req.NumCtx,
			"repeat_penalty": req.RepeatPenalty,
		},
	}
	if req.MaxTokens > 0 {
		payload.Options["num_predict"] = req.MaxTokens
	}
	if req.JSONMode {
		payload.Format = "json"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, domain.E(domain.CodeAIError, "ollama: encode request").WithCause(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Response{}, domain.E(domain.CodeAIError, "ollama: build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.hc.Do(httpReq)
	if err != nil {
		return Response{}, transportError(p.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, transportError(p.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Warn("ollama chat failed",
			slog.String("host", host),
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet(respBody)))
		return Response{}, statusError(p.Name(), resp.StatusCode, resp.Header, respBody)
	}

	var out struct {
		Model   string `json:"model"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		PromptEvalCount int `json:"prompt_eval_count"`
		EvalCount       int `json:"eval_count"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Response{}, domain.E(domain.CodeAIError, "ollama: decode response: %s", snippet(respBody)).WithCause(err)
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return Response{}, domain.E(domain.CodeAIInvalidResponse, "ollama returned an empty message")
	}
	model := out.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Content:          out.Message.Content,
		Model:            model,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}
