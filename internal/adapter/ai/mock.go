package ai

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/cvforge/cvforge/internal/domain"
)

// MockProvider produces deterministic fixtures without network access.
// The same prompt always yields the same payload, which keeps dev
// environments and tests stable. It is the default provider outside prod.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (*MockProvider) Name() string { return "mock" }

func (*MockProvider) Complete(_ domain.Context, req Request) (Response, error) {
	prompt := joinMessages(req.Messages)
	var content string
	switch req.Task {
	case domain.TaskParse:
		content = mockParsePayload(prompt)
	case domain.TaskOptimize:
		content = mockOptimizePayload(prompt)
	case domain.TaskATS:
		content = mockATSPayload(prompt)
	default:
		content = fmt.Sprintf("mock response %08x", seedOf(prompt))
	}
	return Response{
		Content: content,
		Model:   "mock-" + string(req.Task),
	}, nil
}

func joinMessages(messages []domain.AIMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString("|")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func seedOf(s string) uint32 {
	h := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint32(h[:4])
}

// seedFraction maps a prompt onto [0,1) deterministically.
func seedFraction(s string, salt string) float64 {
	return float64(seedOf(s+"|"+salt)%1000) / 1000.0
}

func mockParsePayload(prompt string) string {
	seed := seedOf(prompt)
	content := domain.CVContent{
		Personal: domain.PersonalInfo{
			Name:     "Alex Candidate",
			Title:    "Software Engineer",
			Email:    fmt.Sprintf("alex.%04d@example.com", seed%10000),
			Location: "Berlin, Germany",
		},
		Summary: "Engineer with production experience across backend services and cloud infrastructure.",
		Experience: []domain.ExperienceEntry{{
			Company:      "Examplecorp",
			Position:     "Senior Engineer",
			StartDate:    fmt.Sprintf("%d-03", 2016+int(seed%5)),
			Current:      true,
			Description:  "Built and operated distributed backend systems.",
			Achievements: []string{"Cut p99 latency by 40%", "Led migration to managed queues"},
			Technologies: []string{"Go", "PostgreSQL", "Redis"},
		}},
		Education: []domain.EducationEntry{{
			Institution: "Technical University",
			Degree:      "BSc",
			Field:       "Computer Science",
			EndDate:     fmt.Sprintf("%d", 2012+int(seed%4)),
		}},
		Skills: domain.SkillSet{
			Technical: []string{"Go", "SQL", "Kubernetes"},
			Soft:      []string{"Mentoring"},
			Tools:     []string{"Terraform"},
		},
	}
	b, _ := json.Marshal(content)
	return string(b)
}

// mockOptimizePayload echoes the CV found after the prompt marker with a
// rewritten summary, so diff-based callers observe a change. Prompts
// without a recognizable CV get the parse fixture instead.
func mockOptimizePayload(prompt string) string {
	const marker = "CURRENT CV (JSON):"
	idx := strings.Index(prompt, marker)
	if idx >= 0 {
		var content domain.CVContent
		candidate := strings.TrimSpace(prompt[idx+len(marker):])
		if repaired, err := Repair(candidate); err == nil {
			if err := json.Unmarshal([]byte(repaired), &content); err == nil {
				content.Summary = strings.TrimSpace(
					"Results-driven " + content.Personal.Title + " aligned with the target role. " + content.Summary)
				b, _ := json.Marshal(content)
				return string(b)
			}
		}
	}
	return mockParsePayload(prompt)
}

func mockATSPayload(prompt string) string {
	structure := 22 + math.Round(seedFraction(prompt, "structure")*18) // 22..40
	skills := 10 + math.Round(seedFraction(prompt, "skills")*15)      // 10..25
	experience := 10 + math.Round(seedFraction(prompt, "exp")*15)     // 10..25
	formatting := 4 + math.Round(seedFraction(prompt, "fmt")*6)       // 4..10
	overall := int(structure + skills + experience + formatting)

	result := domain.AtsResult{
		OverallScore:    overall,
		KeywordMatch:    math.Round(seedFraction(prompt, "kw") * 100),
		ExperienceMatch: math.Round(seedFraction(prompt, "em") * 100),
		SkillsMatch:     math.Round(seedFraction(prompt, "sm") * 100),
		Breakdown: domain.AtsBreakdown{
			Structure:  structure,
			Skills:     skills,
			Experience: experience,
			Formatting: formatting,
		},
		Strengths:       []string{"Clear section structure", "Quantified achievements"},
		Weaknesses:      []string{"Sparse keyword coverage for the target role"},
		Recommendations: []string{"Mirror terminology from the job description", "Add a skills summary block"},
		MissingKeywords: []string{"stakeholder management"},
		JobCompatibility: domain.JobCompatibility{
			Score:               math.Round(seedFraction(prompt, "jc") * 100),
			MatchingSkills:      []string{"Go", "PostgreSQL"},
			MissingRequirements: []string{"Team leadership"},
		},
	}
	b, _ := json.Marshal(result)
	return string(b)
}
