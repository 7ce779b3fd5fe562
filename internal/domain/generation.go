package domain

import "time"

type OutputFormat string

const (
	OutputPDF  OutputFormat = "pdf"
	OutputDOCX OutputFormat = "docx"
)

// MIME returns the content type for the format.
func (f OutputFormat) MIME() string {
	switch f {
	case OutputPDF:
		return "application/pdf"
	case OutputDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	return "application/octet-stream"
}

// Ext returns the file extension without the dot.
func (f OutputFormat) Ext() string { return string(f) }

// TemplateIDs supported by the renderer.
const (
	TemplateModern       = "modern"
	TemplateProfessional = "professional"
	TemplateMinimal      = "minimal"
)

// KnownTemplate reports whether id names a shipped template.
func KnownTemplate(id string) bool {
	switch id {
	case TemplateModern, TemplateProfessional, TemplateMinimal:
		return true
	}
	return false
}

// Customization tunes the rendered document.
type Customization struct {
	PrimaryColor string   `json:"primaryColor,omitempty"`
	FontFamily   string   `json:"fontFamily,omitempty"`
	FontSize     string   `json:"fontSize,omitempty"`
	LineHeight   string   `json:"lineHeight,omitempty"`
	SectionOrder []string `json:"sectionOrder,omitempty"`
}

// GenerationInput is the snapshot the processor renders from. Content is
// always materialized here; the processor never follows a live pointer
// back to the CV.
type GenerationInput struct {
	CVID      string    `json:"cvId,omitempty"`
	VersionID string    `json:"versionId,omitempty"`
	Content   CVContent `json:"content"`
	Title     string    `json:"title,omitempty"`
}

// OutputFile describes the stored artifact.
type OutputFile struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// GenerationStats captures render measurements.
type GenerationStats struct {
	PageCount        int   `json:"pageCount"`
	WordCount        int   `json:"wordCount"`
	ProcessingTimeMs int64 `json:"processingTimeMs"`
}

type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

// Generation is the 1:1 companion of a generation job.
type Generation struct {
	ID            string
	JobID         string
	UserID        string
	Status        GenerationStatus
	TemplateID    string
	OutputFormat  OutputFormat
	Customization Customization
	Input         GenerationInput
	OutputFile    *OutputFile
	Stats         *GenerationStats
	Error         string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
