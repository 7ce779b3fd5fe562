package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/cvforge/cvforge/internal/adapter/ai/tokencount"
	"github.com/cvforge/cvforge/internal/adapter/observability"
	"github.com/cvforge/cvforge/internal/config"
	"github.com/cvforge/cvforge/internal/domain"
)

// Breaker tuning shared by all providers: trip after five consecutive
// upstream failures, probe again after the cooldown.
const (
	breakerMaxFailures = 5
	breakerCooldown    = 30 * time.Second
)

// Client is the task-routed LLM adapter. It resolves the per-task tuple
// from config, calls the configured provider behind a circuit breaker
// with jittered exponential backoff, repairs json-format responses, and
// re-prompts once per remaining retry when repair fails.
type Client struct {
	cfg      config.Config
	provider Provider
	prompts  *Prompts
	cache    *responseCache
	breakers *observability.CircuitBreakerManager
	counter  *tokencount.Counter
}

// New wires the provider selected by AI_PROVIDER. rdb may be nil; the
// response cache also stays off while AI_CACHE_TTL is unset.
func New(ctx context.Context, cfg config.Config, rdb *redis.Client) (*Client, error) {
	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithProvider(cfg, provider, rdb)
}

// NewWithProvider builds a Client around an explicit provider.
func NewWithProvider(cfg config.Config, provider Provider, rdb *redis.Client) (*Client, error) {
	prompts, err := LoadPrompts()
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		provider: provider,
		prompts:  prompts,
		cache:    newResponseCache(rdb, cfg.AICacheTTL),
		breakers: observability.NewCircuitBreakerManager(),
		counter:  tokencount.NewCounter(),
	}, nil
}

func newProvider(ctx context.Context, cfg config.Config) (Provider, error) {
	switch cfg.AIProvider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.AITimeout), nil
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AITimeout), nil
	case config.ProviderGemini:
		return NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.AITimeout)
	case config.ProviderHuggingFace:
		return NewHuggingFaceProvider(cfg.HuggingFaceAPIKey, cfg.HuggingFaceBaseURL, cfg.AITimeout), nil
	case config.ProviderOllama:
		return NewOllamaProvider(cfg.OllamaHost, cfg.AITimeout), nil
	case config.ProviderMock:
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.AIProvider)
	}
}

// Prompts exposes the template registry to processors building prompts.
func (c *Client) Prompts() *Prompts { return c.prompts }

// resolve merges the task tuple from config with per-call overrides.
func (c *Client) resolve(task domain.AITask, messages []domain.AIMessage, opts domain.AICallOptions) Request {
	tuned := c.cfg.TaskFor(string(task))
	req := Request{
		Task:          task,
		Model:         tuned.Model,
		Host:          tuned.Host,
		Messages:      messages,
		Temperature:   tuned.Temperature,
		MaxTokens:     tuned.MaxTokens,
		TopP:          tuned.TopP,
		TopK:          tuned.TopK,
		NumCtx:        tuned.NumCtx,
		RepeatPenalty: tuned.RepeatPenalty,
		JSONMode:      opts.Format == domain.FormatJSON,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	return req
}

// Call implements domain.AIClient.
func (c *Client) Call(ctx domain.Context, task domain.AITask, messages []domain.AIMessage, opts domain.AICallOptions) (string, error) {
	if len(messages) == 0 {
		return "", domain.E(domain.CodeAIError, "empty prompt for task %s", task)
	}
	req := c.resolve(task, messages, opts)
	digest := requestDigest(c.provider.Name(), req)
	if v, ok := c.cache.Get(ctx, digest); ok {
		return v, nil
	}

	resp, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	content := resp.Content

	if req.JSONMode {
		repaired, rerr := Repair(content)
		if rerr == nil {
			if repaired == strings.TrimSpace(content) {
				observability.RecordRepair("clean")
			} else {
				observability.RecordRepair("repaired")
			}
		}
		for attempt := 0; rerr != nil && attempt < c.cfg.AIMaxRetries; attempt++ {
			observability.RecordRepair("reprompted")
			slog.Warn("json response failed repair, re-prompting",
				slog.String("provider", c.provider.Name()),
				slog.String("task", string(task)),
				slog.Int("attempt", attempt+1))
			retry := req
			retry.Messages = append(append(make([]domain.AIMessage, 0, len(req.Messages)+2), req.Messages...),
				domain.AIMessage{Role: domain.RoleAssistant, Content: content},
				domain.AIMessage{Role: domain.RoleUser, Content: c.prompts.StrictJSONNudge()},
			)
			resp, err = c.complete(ctx, retry)
			if err != nil {
				return "", err
			}
			content = resp.Content
			repaired, rerr = Repair(content)
		}
		if rerr != nil {
			observability.RecordRepair("failed")
			return "", rerr
		}
		content = repaired
	}

	c.cache.Set(ctx, digest, content)
	return content, nil
}

// complete runs one provider call with retries. The circuit breaker sits
// inside the retry loop so an open circuit fails the call immediately
// instead of burning the backoff budget.
func (c *Client) complete(ctx domain.Context, req Request) (Response, error) {
	cb := c.breakers.GetOrCreate("ai:"+c.provider.Name(), breakerMaxFailures, breakerCooldown)

	expo := backoff.NewExponentialBackOff()
	maxElapsed, initial, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	bo := backoff.WithContext(expo, ctx)

	start := time.Now()
	var resp Response
	op := func() error {
		err := cb.Call(func() error {
			var cerr error
			resp, cerr = c.provider.Complete(ctx, req)
			return cerr
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, observability.ErrCircuitOpen) {
			return backoff.Permanent(domain.E(domain.CodeAIUnavailable, "%s circuit open", c.provider.Name()).WithCause(err))
		}
		if ae := domain.AsAppError(err); !ae.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, bo)
	observability.RecordAIRequest(c.provider.Name(), string(req.Task), time.Since(start), err)
	if err != nil {
		slog.Warn("ai completion failed",
			slog.String("provider", c.provider.Name()),
			slog.String("task", string(req.Task)),
			slog.Any("error", err))
		return Response{}, err
	}

	prompt, completion := resp.PromptTokens, resp.CompletionTokens
	if prompt == 0 && completion == 0 {
		model := resp.Model
		if model == "" {
			model = req.Model
		}
		est := c.counter.Estimate(req.Messages, resp.Content, model, c.provider.Name())
		prompt, completion = est.PromptTokens, est.CompletionTokens
	}
	observability.AddAITokens(c.provider.Name(), string(req.Task), prompt, completion)
	return resp, nil
}
