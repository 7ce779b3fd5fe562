package ai

import (
	"context"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/cvforge/cvforge/internal/domain"
)

// GeminiProvider wraps the genai SDK. JSON-format calls pin the response
// MIME type, and the ats task additionally sends its closed response
// schema so the backend enforces the shape server-side.
type GeminiProvider struct {
	client  *genai.Client
	timeout time.Duration
}

func NewGeminiProvider(ctx context.Context, apiKey string, timeout time.Duration) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, domain.E(domain.CodeAIUnavailable, "gemini client init failed").WithCause(err)
	}
	return &GeminiProvider{client: client, timeout: timeout}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Complete sends one generateContent request.
func (p *GeminiProvider) Complete(ctx domain.Context, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	contents, system := splitSystemGemini(req.Messages)
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr(float32(req.TopP))
	}
	if req.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(req.TopK))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
		if req.Task == domain.TaskATS {
			cfg.ResponseSchema = atsResponseSchema()
		}
	}

	resp, err := p.client.Models.GenerateContent(callCtx, req.Model, contents, cfg)
	if err != nil {
		return Response{}, sdkError(p.Name(), err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return Response{}, domain.E(domain.CodeAIInvalidResponse, "gemini returned no candidates")
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return Response{}, domain.E(domain.CodeAIInvalidResponse, "gemini returned no text content")
	}

	out := Response{Content: text, Model: req.Model}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// splitSystemGemini lifts the first system turn into the system
// instruction and converts the rest chronologically.
func splitSystemGemini(messages []domain.AIMessage) ([]*genai.Content, string) {
	contents := make([]*genai.Content, 0, len(messages))
	var system string
	for _, m := range messages {
		if m.Role == domain.RoleSystem {
			if system == "" {
				system = m.Content
			}
			continue
		}
		role := genai.RoleUser
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
		})
	}
	return contents, system
}

// atsResponseSchema mirrors the mandated analysis shape for server-side
// enforcement.
func atsResponseSchema() *genai.Schema {
	num := func() *genai.Schema { return &genai.Schema{Type: genai.TypeNumber} }
	strList := func() *genai.Schema {
		return &genai.Schema{Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}}
	}
	return &genai.Schema{
		Type:     genai.TypeObject,
		Required: atsRequiredKeys,
		Properties: map[string]*genai.Schema{
			"overallScore":    {Type: genai.TypeInteger},
			"keywordMatch":    num(),
			"experienceMatch": num(),
			"skillsMatch":     num(),
			"breakdown": {
				Type:     genai.TypeObject,
				Required: atsBreakdownKeys,
				Properties: map[string]*genai.Schema{
					"structure":  num(),
					"skills":     num(),
					"experience": num(),
					"formatting": num(),
				},
			},
			"strengths":       strList(),
			"weaknesses":      strList(),
			"recommendations": strList(),
			"missingKeywords": strList(),
			"jobCompatibility": {
				Type:     genai.TypeObject,
				Required: atsCompatibilityKeys,
				Properties: map[string]*genai.Schema{
					"score":               num(),
					"matchingSkills":      strList(),
					"missingRequirements": strList(),
				},
			},
		},
	}
}
