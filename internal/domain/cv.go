package domain

import (
	"strings"
	"time"
)

type CVStatus string

const (
	CVDraft     CVStatus = "draft"
	CVArchived  CVStatus = "archived"
	CVPublished CVStatus = "published"
)

type ParsingStatus string

const (
	ParsingNone       ParsingStatus = "none"
	ParsingPending    ParsingStatus = "pending"
	ParsingProcessing ParsingStatus = "processing"
	ParsingParsed     ParsingStatus = "parsed"
	ParsingFailed     ParsingStatus = "failed"
)

// CVContent is the structured document exchanged with the LLM adapter,
// snapshotted into versions, and rendered by the generator. The JSON tags
// are the wire contract for all three.
type CVContent struct {
	Personal       PersonalInfo      `json:"personal"`
	Summary        string            `json:"summary,omitempty"`
	Experience     []ExperienceEntry `json:"experience,omitempty"`
	Education      []EducationEntry  `json:"education,omitempty"`
	Skills         SkillSet          `json:"skills"`
	Projects       []ProjectEntry    `json:"projects,omitempty"`
	Certifications []Certification   `json:"certifications,omitempty"`
	Languages      []LanguageSkill   `json:"languages,omitempty"`
}

type PersonalInfo struct {
	Name     string `json:"name"`
	Title    string `json:"title,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Location string `json:"location,omitempty"`
	Website  string `json:"website,omitempty"`
	LinkedIn string `json:"linkedin,omitempty"`
	GitHub   string `json:"github,omitempty"`
}

type ExperienceEntry struct {
	Company      string   `json:"company"`
	Position     string   `json:"position"`
	Location     string   `json:"location,omitempty"`
	StartDate    string   `json:"startDate,omitempty"`
	EndDate      string   `json:"endDate,omitempty"`
	Current      bool     `json:"current,omitempty"`
	Description  string   `json:"description,omitempty"`
	Achievements []string `json:"achievements,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
}

type EducationEntry struct {
	Institution string   `json:"institution"`
	Degree      string   `json:"degree,omitempty"`
	Field       string   `json:"field,omitempty"`
	Location    string   `json:"location,omitempty"`
	StartDate   string   `json:"startDate,omitempty"`
	EndDate     string   `json:"endDate,omitempty"`
	GPA         string   `json:"gpa,omitempty"`
	Honors      []string `json:"honors,omitempty"`
}

type SkillSet struct {
	Technical []string `json:"technical,omitempty"`
	Soft      []string `json:"soft,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

type ProjectEntry struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	URL          string   `json:"url,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	Highlights   []string `json:"highlights,omitempty"`
}

type Certification struct {
	Name    string `json:"name"`
	Issuer  string `json:"issuer,omitempty"`
	Date    string `json:"date,omitempty"`
	Expires string `json:"expires,omitempty"`
	URL     string `json:"url,omitempty"`
}

type LanguageSkill struct {
	Language    string `json:"language"`
	Proficiency string `json:"proficiency,omitempty"`
}

// Empty reports whether the skill set carries no entries.
func (s SkillSet) Empty() bool {
	return len(s.Technical) == 0 && len(s.Soft) == 0 && len(s.Tools) == 0
}

// coreSections are the sections counted for parse confidence.
const coreSections = 5

// SectionCount returns the number of populated top-level sections.
func (c *CVContent) SectionCount() int {
	n := 0
	if strings.TrimSpace(c.Personal.Name) != "" {
		n++
	}
	if strings.TrimSpace(c.Summary) != "" {
		n++
	}
	if len(c.Experience) > 0 {
		n++
	}
	if len(c.Education) > 0 {
		n++
	}
	if !c.Skills.Empty() {
		n++
	}
	if len(c.Projects) > 0 {
		n++
	}
	if len(c.Certifications) > 0 {
		n++
	}
	if len(c.Languages) > 0 {
		n++
	}
	return n
}

// Confidence estimates parse quality as the fraction of core sections
// (personal, summary, experience, education, skills) that are populated.
func (c *CVContent) Confidence() float64 {
	n := 0
	if strings.TrimSpace(c.Personal.Name) != "" {
		n++
	}
	if strings.TrimSpace(c.Summary) != "" {
		n++
	}
	if len(c.Experience) > 0 {
		n++
	}
	if len(c.Education) > 0 {
		n++
	}
	if !c.Skills.Empty() {
		n++
	}
	return float64(n) / float64(coreSections)
}

// IsEmpty reports whether the content is semantically empty; empty content
// hashes to nil and never produces a version.
func (c *CVContent) IsEmpty() bool {
	return c == nil || c.SectionCount() == 0
}

// WordCount approximates the prose volume of the document for version
// metadata and generation stats.
func (c *CVContent) WordCount() int {
	n := countWords(c.Summary)
	n += countWords(c.Personal.Name, c.Personal.Title)
	for _, e := range c.Experience {
		n += countWords(e.Company, e.Position, e.Description)
		n += countWordsList(e.Achievements)
	}
	for _, e := range c.Education {
		n += countWords(e.Institution, e.Degree, e.Field)
	}
	n += len(c.Skills.Technical) + len(c.Skills.Soft) + len(c.Skills.Tools)
	for _, p := range c.Projects {
		n += countWords(p.Name, p.Description)
		n += countWordsList(p.Highlights)
	}
	return n
}

func countWords(ss ...string) int {
	n := 0
	for _, s := range ss {
		n += len(strings.Fields(s))
	}
	return n
}

func countWordsList(ss []string) int {
	n := 0
	for _, s := range ss {
		n += len(strings.Fields(s))
	}
	return n
}

// CV is the root of user content. Content mirrors the active version's
// content whenever ActiveVersionID is set.
type CV struct {
	ID              string
	UserID          string
	Title           string
	Status          CVStatus
	ParsingStatus   ParsingStatus
	FileRef         string
	FileName        string
	FileSize        int64
	FileMIME        string
	Content         CVContent
	ActiveVersionID string
	DocVersion      int64
	LastParsedAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ChangeType string

const (
	ChangeManual       ChangeType = "manual"
	ChangeOptimization ChangeType = "optimization"
	ChangeParsing      ChangeType = "parsing"
	ChangeImport       ChangeType = "import"
	ChangeAutoSave     ChangeType = "auto_save"
)

// VersionMetadata annotates a snapshot with derived measurements.
type VersionMetadata struct {
	WordCount    int     `json:"wordCount"`
	SectionCount int     `json:"sectionCount"`
	AIConfidence float64 `json:"aiConfidence,omitempty"`
}

// CVVersion is an immutable snapshot of a CV's content. At most one
// version per CV is active; version numbers strictly increase; an active
// version cannot be modified or deleted.
type CVVersion struct {
	ID            string
	CVID          string
	UserID        string
	VersionNumber int
	Name          string
	Description   string
	ChangeType    ChangeType
	Content       CVContent
	ContentHash   *string
	Metadata      VersionMetadata
	IsActive      bool
	CreatedAt     time.Time
}
