package domain

import "time"

// AnalysisType selects the ATS pipeline depth. Step counts drive the
// progress denominator.
type AnalysisType string

const (
	AnalysisCompatibility   AnalysisType = "compatibility"
	AnalysisKeyword         AnalysisType = "keyword_analysis"
	AnalysisFormatCheck     AnalysisType = "format_check"
	AnalysisComprehensive   AnalysisType = "comprehensive"
)

// Steps returns the declared step count for the analysis type.
func (t AnalysisType) Steps() int {
	switch t {
	case AnalysisCompatibility:
		return 3
	case AnalysisKeyword:
		return 2
	case AnalysisFormatCheck:
		return 1
	case AnalysisComprehensive:
		return 5
	}
	return 0
}

// Valid reports whether t names a known analysis type.
func (t AnalysisType) Valid() bool { return t.Steps() > 0 }

// TargetJob is the posting the CV is scored against.
type TargetJob struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// Per-section score caps. OverallScore is the rounded sum and stays in
// [0,100] because the caps sum to 100.
const (
	ATSMaxStructure  = 40
	ATSMaxSkills     = 25
	ATSMaxExperience = 25
	ATSMaxFormatting = 10
)

// AtsBreakdown is the capped per-section scoring.
type AtsBreakdown struct {
	Structure  float64 `json:"structure"`
	Skills     float64 `json:"skills"`
	Experience float64 `json:"experience"`
	Formatting float64 `json:"formatting"`
}

// Clamp forces each component into its cap range.
func (b *AtsBreakdown) Clamp() {
	b.Structure = clampScore(b.Structure, ATSMaxStructure)
	b.Skills = clampScore(b.Skills, ATSMaxSkills)
	b.Experience = clampScore(b.Experience, ATSMaxExperience)
	b.Formatting = clampScore(b.Formatting, ATSMaxFormatting)
}

func clampScore(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// JobCompatibility relates the CV to the target job.
type JobCompatibility struct {
	Score               float64  `json:"score"`
	MatchingSkills      []string `json:"matchingSkills"`
	MissingRequirements []string `json:"missingRequirements"`
}

// AtsResult is the mandated analysis output shape.
type AtsResult struct {
	OverallScore     int              `json:"overallScore"`
	KeywordMatch     float64          `json:"keywordMatch"`
	ExperienceMatch  float64          `json:"experienceMatch"`
	SkillsMatch      float64          `json:"skillsMatch"`
	Breakdown        AtsBreakdown     `json:"breakdown"`
	Strengths        []string         `json:"strengths"`
	Weaknesses       []string         `json:"weaknesses"`
	Recommendations  []string         `json:"recommendations"`
	MissingKeywords  []string         `json:"missingKeywords"`
	JobCompatibility JobCompatibility `json:"jobCompatibility"`
}

type AtsStatus string

const (
	AtsPending    AtsStatus = "pending"
	AtsProcessing AtsStatus = "processing"
	AtsCompleted  AtsStatus = "completed"
	AtsFailed     AtsStatus = "failed"
)

// AtsAnalysis is the 1:1 companion of an ats job. InputContent is a
// snapshot taken at enqueue time.
type AtsAnalysis struct {
	ID           string
	JobID        string
	UserID       string
	CVID         string
	Type         AnalysisType
	Status       AtsStatus
	TargetJob    TargetJob
	InputContent CVContent
	Results      *AtsResult
	Error        string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
