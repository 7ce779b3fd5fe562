package domain

import "time"

// ExtractedText is the output of a text extraction strategy before
// normalization.
type ExtractedText struct {
	Text      string            `json:"text"`
	PageCount int               `json:"pageCount"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type ParsingJobStatus string

const (
	ParseJobPending    ParsingJobStatus = "pending"
	ParseJobProcessing ParsingJobStatus = "processing"
	ParseJobCompleted  ParsingJobStatus = "completed"
	ParseJobFailed     ParsingJobStatus = "failed"
)

// CvParsingJob is the 1:1 companion of a parsing job. ParsedContent and
// Confidence are written together with the terminal status.
type CvParsingJob struct {
	ID            string
	JobID         string
	UserID        string
	CVID          string
	Status        ParsingJobStatus
	FileRef       string
	FileMIME      string
	PageCount     int
	RawTextLen    int
	ParsedContent *CVContent
	Confidence    float64
	VersionID     string
	Error         string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
