// Package tokencount estimates token usage for LLM calls with tiktoken,
// covering providers that do not report usage in their responses.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/cvforge/cvforge/internal/domain"
)

// Usage is the estimated or reported token spend of one call.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Model            string `json:"model"`
	Provider         string `json:"provider"`
}

// Counter counts tokens with per-model encodings cached for reuse. Safe
// for concurrent use.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModel(model)

	c.mu.RLock()
	enc, ok := c.encodings[normalized]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[normalized]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base covers every model family routed here closely
		// enough for estimation.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodings[normalized] = enc
	return enc, nil
}

// normalizeModel maps routed model ids (provider prefixes, ollama tags)
// onto tiktoken model names.
func normalizeModel(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.Index(model, ":"); i >= 0 {
		model = model[:i]
	}
	switch {
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// gpt-4 tokenization approximates the llama, mistral, qwen,
		// claude and gemini families well enough for estimates.
		return "gpt-4"
	}
}

// CountText counts tokens in a bare string.
func (c *Counter) CountText(text, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessages counts prompt tokens for a chat request including the
// per-message framing overhead of chat-completions style APIs.
func (c *Counter) CountMessages(messages []domain.AIMessage, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	const tokensPerMessage = 3
	const tokensPerRole = 1
	n := 0
	for _, m := range messages {
		n += tokensPerMessage + tokensPerRole
		n += len(enc.Encode(m.Role, nil, nil))
		n += len(enc.Encode(m.Content, nil, nil))
	}
	// reply priming
	n += 3
	return n, nil
}

// Estimate fills a Usage from the prompt and completion, falling back to
// a chars/4 heuristic when an encoding cannot be loaded.
func (c *Counter) Estimate(messages []domain.AIMessage, completion, model, provider string) Usage {
	prompt, err := c.CountMessages(messages, model)
	if err != nil {
		slog.Warn("token estimate fell back to chars/4",
			slog.String("model", model), slog.Any("error", err))
		for _, m := range messages {
			prompt += len(m.Content) / 4
		}
	}
	out, err := c.CountText(completion, model)
	if err != nil {
		out = len(completion) / 4
	}
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Model:            model,
		Provider:         provider,
	}
}
