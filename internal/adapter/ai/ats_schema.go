package ai

import (
	"encoding/json"

	"github.com/cvforge/cvforge/internal/domain"
)

var (
	atsRequiredKeys = []string{
		"overallScore", "keywordMatch", "experienceMatch", "skillsMatch",
		"breakdown", "strengths", "weaknesses", "recommendations",
		"missingKeywords", "jobCompatibility",
	}
	atsBreakdownKeys     = []string{"structure", "skills", "experience", "formatting"}
	atsCompatibilityKeys = []string{"score", "matchingSkills", "missingRequirements"}
)

// DecodeATSResult parses a repaired analysis payload into the mandated
// shape. Missing required keys reject the payload; numeric fields outside
// their documented ranges are clamped rather than rejected so a single
// overshoot does not burn a retry.
func DecodeATSResult(raw string) (domain.AtsResult, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return domain.AtsResult{}, domain.E(domain.CodeAIInvalidResponse, "ats payload is not a JSON object").WithCause(err)
	}
	for _, k := range atsRequiredKeys {
		if _, ok := keys[k]; !ok {
			return domain.AtsResult{}, domain.E(domain.CodeAIInvalidResponse, "ats payload missing required key %q", k)
		}
	}
	if err := requireKeys(keys["breakdown"], "breakdown", atsBreakdownKeys); err != nil {
		return domain.AtsResult{}, err
	}
	if err := requireKeys(keys["jobCompatibility"], "jobCompatibility", atsCompatibilityKeys); err != nil {
		return domain.AtsResult{}, err
	}

	var res domain.AtsResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return domain.AtsResult{}, domain.E(domain.CodeAIInvalidResponse, "ats payload has wrong field types").WithCause(err)
	}
	res.Breakdown.Clamp()
	res.KeywordMatch = clampPercent(res.KeywordMatch)
	res.ExperienceMatch = clampPercent(res.ExperienceMatch)
	res.SkillsMatch = clampPercent(res.SkillsMatch)
	res.JobCompatibility.Score = clampPercent(res.JobCompatibility.Score)
	if res.OverallScore < 0 {
		res.OverallScore = 0
	}
	if res.OverallScore > 100 {
		res.OverallScore = 100
	}
	return res, nil
}

func requireKeys(raw json.RawMessage, parent string, required []string) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return domain.E(domain.CodeAIInvalidResponse, "ats payload %s is not a JSON object", parent).WithCause(err)
	}
	for _, k := range required {
		if _, ok := keys[k]; !ok {
			return domain.E(domain.CodeAIInvalidResponse, "ats payload missing required key %q", parent+"."+k)
		}
	}
	return nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
