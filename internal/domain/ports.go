package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context is an alias so ports stay free of direct std imports at call
// sites; adapters and usecases pass context.Context through.
type Context = context.Context

//go:generate mockery --name=UserRepository --with-expecter --filename=user_repository_mock.go
//go:generate mockery --name=CVRepository --with-expecter --filename=cv_repository_mock.go
//go:generate mockery --name=VersionRepository --with-expecter --filename=version_repository_mock.go
//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=Broker --with-expecter --filename=broker_mock.go
//go:generate mockery --name=ObjectStore --with-expecter --filename=object_store_mock.go
//go:generate mockery --name=AIClient --with-expecter --filename=aiclient_mock.go
//go:generate mockery --name=EventSink --with-expecter --filename=event_sink_mock.go

// UserRepository reads identity/quota state and moves usage counters.
type UserRepository interface {
	Get(ctx Context, id string) (User, error)
	// ConsumeUsage atomically resets counters that predate monthStart and
	// increments the selected counter by one, failing with
	// USAGE_LIMIT_EXCEEDED when the increment would pass limit (limit <= 0
	// means unlimited).
	ConsumeUsage(ctx Context, userID string, kind UsageKind, monthStart time.Time) error
}

// CVRepository persists the CV root documents.
type CVRepository interface {
	Create(ctx Context, cv CV) (CV, error)
	Get(ctx Context, id string) (CV, error)
	// GetOwned returns ErrNotFound when the CV exists but belongs to a
	// different user, so callers cannot probe for foreign resources.
	GetOwned(ctx Context, id, userID string) (CV, error)
	List(ctx Context, userID string, page Page) ([]CV, int64, error)
	// Update rewrites mutable fields guarded by the DocVersion stamp and
	// returns ErrConflict on a stale stamp.
	Update(ctx Context, cv CV) (CV, error)
	SetParsingStatus(ctx Context, id string, status ParsingStatus) error
	SetFile(ctx Context, id, fileRef, fileName, mime string, size int64) error
	Delete(ctx Context, id, userID string) error
}

// VersionRepository persists immutable content snapshots. Creation and
// activation run inside store-level transactions.
type VersionRepository interface {
	// Create inserts the next version (versionNumber = max+1) and, when
	// activate is set, atomically deactivates the previous active version
	// and mirrors the content onto the CV row.
	Create(ctx Context, v CVVersion, activate bool) (CVVersion, error)
	Get(ctx Context, id string) (CVVersion, error)
	GetOwned(ctx Context, id, userID string) (CVVersion, error)
	GetActive(ctx Context, cvID string) (CVVersion, error)
	ListByCV(ctx Context, cvID, userID string, page Page) ([]CVVersion, int64, error)
	// Activate performs the three-write transaction: previous active off,
	// target on, CV content + activeVersionId replaced.
	Activate(ctx Context, userID, cvID, versionID string) error
	// Delete removes an inactive version; deleting the active version
	// fails with VERSION_ACTIVE_IMMUTABLE.
	Delete(ctx Context, userID, cvID, versionID string) error
}

// JobRepository persists the generic job records.
type JobRepository interface {
	Create(ctx Context, j Job) (Job, error)
	Get(ctx Context, id string) (Job, error)
	GetOwned(ctx Context, id, userID string) (Job, error)
	List(ctx Context, userID string, f JobFilter, page Page) ([]Job, int64, error)
	// MarkProcessing performs the pending -> processing transition and
	// appends the attempt; it returns the refreshed job. Re-leasing an
	// already processing job (lease expiry redelivery) resets progress.
	MarkProcessing(ctx Context, id, workerID string, at time.Time) (Job, error)
	ReportProgress(ctx Context, id string, progress int, currentStep string) (cancelRequested bool, err error)
	SetTotalSteps(ctx Context, id string, totalSteps int) error
	// Complete records the terminal success. The matching companion row
	// must already be terminal; implementations enforce both writes in
	// one transaction.
	Complete(ctx Context, id string, result json.RawMessage, at time.Time) error
	// Fail records the terminal failure and atomically marks the
	// companion row failed.
	Fail(ctx Context, id string, jerr JobError, status JobStatus, at time.Time) error
	// Reschedule moves a processing job back to pending for a later
	// retry attempt, bumping RetryCount and recording the attempt error.
	Reschedule(ctx Context, id string, attemptErr JobError, at time.Time) error
	RequestCancel(ctx Context, id string) error
	Cancel(ctx Context, id string, at time.Time) error
	CountByStatus(ctx Context) (map[JobStatus]int64, error)
	// ListStuck returns processing jobs whose attempt started before the
	// cutoff, for the timeout reaper.
	ListStuck(ctx Context, queue string, cutoff time.Time, limit int) ([]Job, error)
	// DeleteTerminalBefore trims retained terminal jobs and returns the
	// number removed.
	DeleteTerminalBefore(ctx Context, statuses []JobStatus, types []JobType, cutoff time.Time) (int64, error)
}

// GenerationRepository persists generation companions.
type GenerationRepository interface {
	Create(ctx Context, g Generation) (Generation, error)
	GetByJobID(ctx Context, jobID string) (Generation, error)
	GetOwnedByJobID(ctx Context, jobID, userID string) (Generation, error)
	MarkProcessing(ctx Context, jobID string, at time.Time) error
	Complete(ctx Context, jobID string, out OutputFile, stats GenerationStats, at time.Time) error
	Fail(ctx Context, jobID, errMsg string, at time.Time) error
}

// AtsRepository persists ATS analysis companions.
type AtsRepository interface {
	Create(ctx Context, a AtsAnalysis) (AtsAnalysis, error)
	GetByJobID(ctx Context, jobID string) (AtsAnalysis, error)
	GetOwnedByJobID(ctx Context, jobID, userID string) (AtsAnalysis, error)
	MarkProcessing(ctx Context, jobID string, at time.Time) error
	Complete(ctx Context, jobID string, res AtsResult, at time.Time) error
	Fail(ctx Context, jobID, errMsg string, at time.Time) error
}

// ParsingJobRepository persists CV parsing companions.
type ParsingJobRepository interface {
	Create(ctx Context, p CvParsingJob) (CvParsingJob, error)
	GetByJobID(ctx Context, jobID string) (CvParsingJob, error)
	GetOwnedByJobID(ctx Context, jobID, userID string) (CvParsingJob, error)
	MarkProcessing(ctx Context, jobID string, at time.Time) error
	RecordExtraction(ctx Context, jobID string, pageCount, rawTextLen int) error
	Complete(ctx Context, jobID string, content CVContent, confidence float64, versionID string, at time.Time) error
	Fail(ctx Context, jobID, errMsg string, at time.Time) error
}

// WebhookRepository persists subscriber endpoints.
type WebhookRepository interface {
	Create(ctx Context, w Webhook) (Webhook, error)
	Get(ctx Context, id string) (Webhook, error)
	GetOwned(ctx Context, id, userID string) (Webhook, error)
	ListByUser(ctx Context, userID string, page Page) ([]Webhook, int64, error)
	// ListActiveByEvent returns active webhooks subscribed to the event
	// type for a user; suspended and inactive endpoints are excluded.
	ListActiveByEvent(ctx Context, userID string, event EventType) ([]Webhook, error)
	Update(ctx Context, w Webhook) (Webhook, error)
	// ApplyDelivery persists the stats/status fields mutated by
	// Webhook.ApplySuccess/ApplyFailure in one atomic write.
	ApplyDelivery(ctx Context, w Webhook) error
	SetStatus(ctx Context, id string, status WebhookStatus) error
	RotateSecret(ctx Context, id, userID, secret string) error
	Delete(ctx Context, id, userID string) error
}

// DeliveryRepository persists webhook delivery attempt chains.
type DeliveryRepository interface {
	Create(ctx Context, d WebhookDelivery) (WebhookDelivery, error)
	Get(ctx Context, id string) (WebhookDelivery, error)
	GetOwned(ctx Context, id, userID string) (WebhookDelivery, error)
	ListByWebhook(ctx Context, webhookID, userID string, page Page) ([]WebhookDelivery, int64, error)
	// RecordAttempt appends the attempt and updates status, nextRetryAt
	// and deliveredAt in one write.
	RecordAttempt(ctx Context, id string, attempt DeliveryAttempt, status DeliveryStatus, nextRetryAt, deliveredAt *time.Time) error
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

// Lease is a claimed queue entry. JobID points at the persistent job row.
type Lease struct {
	JobID    string
	Queue    string
	Token    string
	Deadline time.Time
}

// Broker is the durable Redis-backed work queue under the job engine.
type Broker interface {
	// Enqueue places jobID on the queue; delay schedules it for later;
	// dedupKey suppresses duplicates while a previous enqueue is live.
	Enqueue(ctx Context, queue, jobID string, priority int, delay time.Duration, dedupKey string) error
	// Lease pops the highest-priority ready entry and holds it for ttl.
	// ok is false when the queue is empty or paused.
	Lease(ctx Context, queue string, ttl time.Duration) (lease Lease, ok bool, err error)
	// ExtendLease pushes the lease deadline out for long-running jobs.
	ExtendLease(ctx Context, lease Lease, ttl time.Duration) error
	// Ack removes a leased entry permanently.
	Ack(ctx Context, lease Lease) error
	// Release returns a leased entry to the queue, optionally delayed.
	Release(ctx Context, lease Lease, delay time.Duration, priority int) error
	// Remove deletes a waiting or delayed entry (cancel path).
	Remove(ctx Context, queue, jobID string) error
	// ReapExpired moves lease-expired entries back to waiting and
	// returns the recovered job ids.
	ReapExpired(ctx Context, queue string, limit int) ([]string, error)
	Pause(ctx Context, queue string) error
	Resume(ctx Context, queue string) error
	Stats(ctx Context, queue string) (QueueStats, error)
}

// StoredObject is the result of an object-store upload.
type StoredObject struct {
	Provider string
	Key      string
	URL      *string
	Size     int64
}

// ObjectMetadata describes a stored blob.
type ObjectMetadata struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// ObjectListing is one page of keys.
type ObjectListing struct {
	Objects   []ObjectMetadata
	NextToken string
}

// UploadOptions tune an object-store write.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
	Public      bool
}

// ListOptions tune an object-store listing.
type ListOptions struct {
	Limit int
	Token string
}

// ObjectStore is the content-addressed blob interface shared by the
// local and s3 backends.
type ObjectStore interface {
	Upload(ctx Context, data []byte, key string, opts UploadOptions) (StoredObject, error)
	Download(ctx Context, key string) ([]byte, error)
	Delete(ctx Context, key string) (bool, error)
	Exists(ctx Context, key string) (bool, error)
	Metadata(ctx Context, key string) (ObjectMetadata, error)
	SignedURL(ctx Context, key string, ttl time.Duration) (string, error)
	List(ctx Context, prefix string, opts ListOptions) (ObjectListing, error)
	Copy(ctx Context, src, dst string) error
	Move(ctx Context, src, dst string) error
}

// AITask routes an LLM call to its host/model tuple.
type AITask string

const (
	TaskParse    AITask = "parse"
	TaskOptimize AITask = "optimize"
	TaskATS      AITask = "ats"
)

// AIMessage is one turn of the prompt.
type AIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AIFormat selects the expected response shape.
type AIFormat string

const (
	FormatText AIFormat = "text"
	FormatJSON AIFormat = "json"
)

// AICallOptions override the task defaults for one call.
type AICallOptions struct {
	Format      AIFormat
	Temperature *float64
	Model       string
	MaxTokens   int
}

// AIClient is the task-routed LLM port. For FormatJSON the returned
// string is already repaired and parseable.
type AIClient interface {
	Call(ctx Context, task AITask, messages []AIMessage, opts AICallOptions) (string, error)
}

// TextExtractor turns an uploaded blob into text.
type TextExtractor interface {
	Extract(ctx Context, data []byte, mime string) (ExtractedText, error)
}

// PDFOptions tune browser rasterization.
type PDFOptions struct {
	Landscape    bool
	Scale        float64
	MarginInches float64
}

// BrowserRenderer rasterizes HTML to PDF bytes via a headless browser.
type BrowserRenderer interface {
	RenderPDF(ctx Context, html string, opts PDFOptions) ([]byte, error)
	Healthy(ctx Context) error
}

// RenderedDoc is an eagerly materialized generation artifact.
type RenderedDoc struct {
	Data      []byte
	PageCount int
}

// DocRenderer turns CV content into a deliverable document. HTML output
// feeds the browser rasterizer for PDF; DOCX is written directly.
type DocRenderer interface {
	RenderHTML(input GenerationInput, templateID string, c Customization) (string, error)
	RenderDOCX(input GenerationInput, templateID string, c Customization) (RenderedDoc, error)
}

// EventSink accepts domain events for webhook fan-out.
type EventSink interface {
	Emit(ctx Context, e Event) error
}
