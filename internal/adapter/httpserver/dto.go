package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cvforge/cvforge/internal/domain"
)

// Response shapes. Domain entities carry no JSON tags on purpose; the
// wire contract is pinned here.

type jobResponse struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"`
	Status          string           `json:"status"`
	Priority        int              `json:"priority"`
	Progress        int              `json:"progress"`
	CurrentStep     string           `json:"currentStep,omitempty"`
	TotalSteps      int              `json:"totalSteps,omitempty"`
	Result          json.RawMessage  `json:"result,omitempty"`
	Error           *domain.JobError `json:"error,omitempty"`
	QueuedAt        time.Time        `json:"queuedAt"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	MaxRetries      int              `json:"maxRetries"`
	RetryCount      int              `json:"retryCount,omitempty"`
	RetryOf         string           `json:"retryOf,omitempty"`
	CancelRequested bool             `json:"cancelRequested,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		Type:            string(j.Type),
		Status:          string(j.Status),
		Priority:        j.Priority,
		Progress:        j.Progress,
		CurrentStep:     j.CurrentStep,
		TotalSteps:      j.TotalSteps,
		Result:          j.Result,
		Error:           j.Error,
		QueuedAt:        j.QueuedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		MaxRetries:      j.MaxRetries,
		RetryCount:      j.RetryCount,
		RetryOf:         j.RetryOf,
		CancelRequested: j.CancelRequested,
	}
}

type cvResponse struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Status          string           `json:"status"`
	ParsingStatus   string           `json:"parsingStatus"`
	FileName        string           `json:"fileName,omitempty"`
	FileSize        int64            `json:"fileSize,omitempty"`
	FileMime        string           `json:"fileMime,omitempty"`
	Content         domain.CVContent `json:"content"`
	ActiveVersionID string           `json:"activeVersionId,omitempty"`
	DocVersion      int64            `json:"docVersion"`
	LastParsedAt    *time.Time       `json:"lastParsedAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func toCVResponse(cv domain.CV) cvResponse {
	return cvResponse{
		ID:              cv.ID,
		Title:           cv.Title,
		Status:          string(cv.Status),
		ParsingStatus:   string(cv.ParsingStatus),
		FileName:        cv.FileName,
		FileSize:        cv.FileSize,
		FileMime:        cv.FileMIME,
		Content:         cv.Content,
		ActiveVersionID: cv.ActiveVersionID,
		DocVersion:      cv.DocVersion,
		LastParsedAt:    cv.LastParsedAt,
		CreatedAt:       cv.CreatedAt,
		UpdatedAt:       cv.UpdatedAt,
	}
}

type versionResponse struct {
	ID            string                 `json:"id"`
	CVID          string                 `json:"cvId"`
	VersionNumber int                    `json:"versionNumber"`
	Name          string                 `json:"name,omitempty"`
	Description   string                 `json:"description,omitempty"`
	ChangeType    string                 `json:"changeType"`
	Content       domain.CVContent       `json:"content"`
	ContentHash   *string                `json:"contentHash,omitempty"`
	Metadata      domain.VersionMetadata `json:"metadata"`
	IsActive      bool                   `json:"isActive"`
	CreatedAt     time.Time              `json:"createdAt"`
}

func toVersionResponse(v domain.CVVersion) versionResponse {
	return versionResponse{
		ID:            v.ID,
		CVID:          v.CVID,
		VersionNumber: v.VersionNumber,
		Name:          v.Name,
		Description:   v.Description,
		ChangeType:    string(v.ChangeType),
		Content:       v.Content,
		ContentHash:   v.ContentHash,
		Metadata:      v.Metadata,
		IsActive:      v.IsActive,
		CreatedAt:     v.CreatedAt,
	}
}

type webhookResponse struct {
	ID          string                    `json:"id"`
	URL         string                    `json:"url"`
	Events      []domain.EventType        `json:"events"`
	Status      string                    `json:"status"`
	Secret      string                    `json:"secret,omitempty"`
	RetryPolicy domain.WebhookRetryPolicy `json:"retryPolicy"`
	TimeoutMs   int                       `json:"timeoutMs"`
	Filters     domain.WebhookFilters     `json:"filters"`
	Headers     map[string]string         `json:"headers,omitempty"`
	Stats       domain.DeliveryStats      `json:"stats"`
	CreatedAt   time.Time                 `json:"createdAt"`
	UpdatedAt   time.Time                 `json:"updatedAt"`
}

func toWebhookResponse(w domain.Webhook) webhookResponse {
	return webhookResponse{
		ID:          w.ID,
		URL:         w.URL,
		Events:      w.Events,
		Status:      string(w.Status),
		Secret:      w.Secret,
		RetryPolicy: w.RetryPolicy,
		TimeoutMs:   w.TimeoutMs,
		Filters:     w.Filters,
		Headers:     w.Headers,
		Stats:       w.Stats,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

type deliveryResponse struct {
	ID          string                   `json:"id"`
	WebhookID   string                   `json:"webhookId"`
	EventType   string                   `json:"eventType"`
	Status      string                   `json:"status"`
	Payload     json.RawMessage          `json:"payload,omitempty"`
	Attempts    []domain.DeliveryAttempt `json:"attempts,omitempty"`
	NextRetryAt *time.Time               `json:"nextRetryAt,omitempty"`
	DeliveredAt *time.Time               `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
}

func toDeliveryResponse(d domain.WebhookDelivery) deliveryResponse {
	return deliveryResponse{
		ID:          d.ID,
		WebhookID:   d.WebhookID,
		EventType:   string(d.EventType),
		Status:      string(d.Status),
		Payload:     json.RawMessage(d.Payload),
		Attempts:    d.Attempts,
		NextRetryAt: d.NextRetryAt,
		DeliveredAt: d.DeliveredAt,
		CreatedAt:   d.CreatedAt,
	}
}

type parsingResultResponse struct {
	JobID       string            `json:"jobId"`
	CVID        string            `json:"cvId"`
	Status      string            `json:"status"`
	PageCount   int               `json:"pageCount,omitempty"`
	RawTextLen  int               `json:"rawTextLen,omitempty"`
	Content     *domain.CVContent `json:"content,omitempty"`
	Confidence  float64           `json:"confidence,omitempty"`
	VersionID   string            `json:"versionId,omitempty"`
	Error       string            `json:"error,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

func toParsingResultResponse(p domain.CvParsingJob) parsingResultResponse {
	return parsingResultResponse{
		JobID:       p.JobID,
		CVID:        p.CVID,
		Status:      string(p.Status),
		PageCount:   p.PageCount,
		RawTextLen:  p.RawTextLen,
		Content:     p.ParsedContent,
		Confidence:  p.Confidence,
		VersionID:   p.VersionID,
		Error:       p.Error,
		CompletedAt: p.CompletedAt,
	}
}

type atsResponse struct {
	JobID       string            `json:"jobId"`
	CVID        string            `json:"cvId"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	TargetJob   domain.TargetJob  `json:"targetJob"`
	Results     *domain.AtsResult `json:"results,omitempty"`
	Error       string            `json:"error,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

func toAtsResponse(a domain.AtsAnalysis) atsResponse {
	return atsResponse{
		JobID:       a.JobID,
		CVID:        a.CVID,
		Type:        string(a.Type),
		Status:      string(a.Status),
		TargetJob:   a.TargetJob,
		Results:     a.Results,
		Error:       a.Error,
		CompletedAt: a.CompletedAt,
	}
}

type generationResponse struct {
	JobID       string                  `json:"jobId"`
	Status      string                  `json:"status"`
	TemplateID  string                  `json:"templateId"`
	Format      string                  `json:"outputFormat"`
	OutputFile  *domain.OutputFile      `json:"outputFile,omitempty"`
	Stats       *domain.GenerationStats `json:"stats,omitempty"`
	Error       string                  `json:"error,omitempty"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
}

func toGenerationResponse(g domain.Generation) generationResponse {
	return generationResponse{
		JobID:       g.JobID,
		Status:      string(g.Status),
		TemplateID:  g.TemplateID,
		Format:      string(g.OutputFormat),
		OutputFile:  g.OutputFile,
		Stats:       g.Stats,
		Error:       g.Error,
		CompletedAt: g.CompletedAt,
	}
}

type queueStatsResponse struct {
	Queue   string `json:"queue"`
	Waiting int64  `json:"waiting"`
	Delayed int64  `json:"delayed"`
	Leased  int64  `json:"leased"`
	Paused  bool   `json:"paused"`
}

func toQueueStatsResponse(s domain.QueueStats) queueStatsResponse {
	return queueStatsResponse{
		Queue:   s.Queue,
		Waiting: s.Waiting,
		Delayed: s.Delayed,
		Leased:  s.Leased,
		Paused:  s.Paused,
	}
}

// listEnvelope is the common paginated collection shape.
type listEnvelope struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

type pagination struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func newList(data any, total int64, page domain.Page) listEnvelope {
	return listEnvelope{Data: data, Pagination: pagination{Total: total, Limit: page.Limit, Offset: page.Offset}}
}

// pageParams reads limit/offset from the query string, clamped to the
// same bounds the services apply so the echoed pagination is truthful.
func pageParams(r *http.Request) domain.Page {
	p := domain.Page{Limit: 20}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Limit = n
		}
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Offset = n
		}
	}
	return p
}
