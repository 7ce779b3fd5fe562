package ai

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cvforge/cvforge/internal/domain"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider wraps the official messages SDK. The API has no JSON
// response mode, so structured output relies on the prompt and the repair
// pass.
type AnthropicProvider struct {
	client  anthropic.Client
	timeout time.Duration
}

func NewAnthropicProvider(apiKey string, timeout time.Duration) *AnthropicProvider {
	return &AnthropicProvider{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		timeout: timeout,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends one messages request.
func (p *AnthropicProvider) Complete(ctx domain.Context, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msgs, system := splitSystemAnthropic(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := p.client.Messages.New(callCtx, params)
	if err != nil {
		return Response{}, sdkError(p.Name(), err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Response{}, domain.E(domain.CodeAIInvalidResponse, "anthropic returned no text content")
	}
	model := string(resp.Model)
	if model == "" {
		model = req.Model
	}
	return Response{
		Content:          text.String(),
		Model:            model,
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// splitSystemAnthropic lifts the first system turn into the dedicated
// parameter and converts the rest chronologically.
func splitSystemAnthropic(messages []domain.AIMessage) ([]anthropic.MessageParam, string) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	var system string
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			if system == "" {
				system = m.Content
			}
		case domain.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out, system
}
