package domain

import (
	"encoding/json"
	"time"
)

// JobType identifies the processing pipeline a job belongs to. Each type
// maps 1:1 onto a queue of the same name.
type JobType string

const (
	JobTypeParsing         JobType = "parsing"
	JobTypeOptimization    JobType = "optimization"
	JobTypeGeneration      JobType = "generation"
	JobTypeATS             JobType = "ats"
	JobTypeWebhookDelivery JobType = "webhook_delivery"
)

// JobTypes lists every known type in queue declaration order.
var JobTypes = []JobType{
	JobTypeParsing,
	JobTypeOptimization,
	JobTypeGeneration,
	JobTypeATS,
	JobTypeWebhookDelivery,
}

// Queue returns the queue name for the job type.
func (t JobType) Queue() string { return string(t) }

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeParsing, JobTypeOptimization, JobTypeGeneration, JobTypeATS, JobTypeWebhookDelivery:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobTimeout    JobStatus = "timeout"
)

// Terminal reports whether the status ends the job's state machine.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimeout:
		return true
	}
	return false
}

// Priority bounds for job creation. Higher values pop first.
const (
	MinPriority = 0
	MaxPriority = 10
)

// JobAttempt records one delivery of the job to a processor.
type JobAttempt struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"errorCode,omitempty"`
	Retryable  bool      `json:"retryable,omitempty"`
	WorkerID   string    `json:"workerId,omitempty"`
}

// JobError is the single user-visible failure recorded on a terminal job.
// Details preserves the last underlying error for operators.
type JobError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Job is the durable record of a unit of background work.
// Transitions: pending -> processing -> {completed|failed|cancelled|timeout}.
// Terminal states are final; Retry creates a new job linked via RetryOf.
type Job struct {
	ID              string
	Type            JobType
	UserID          string
	Status          JobStatus
	Priority        int
	Progress        int
	CurrentStep     string
	TotalSteps      int
	Attempts        []JobAttempt
	Data            json.RawMessage
	Result          json.RawMessage
	Error           *JobError
	QueuedAt        time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	MaxRetries      int
	RetryCount      int
	RetryOf         string
	CancelRequested bool
	DedupKey        string
}

// CanTransitionTo validates a status edge against the job state machine.
func (j *Job) CanTransitionTo(next JobStatus) bool {
	switch j.Status {
	case JobPending:
		return next == JobProcessing || next == JobCancelled || next == JobFailed
	case JobProcessing:
		return next.Terminal()
	default:
		return false
	}
}

// JobFilter narrows job listings.
type JobFilter struct {
	Types    []JobType
	Statuses []JobStatus
	Since    *time.Time
	Until    *time.Time
}

// Page is the common offset pagination request.
type Page struct {
	Limit  int
	Offset int
}

// QueueStats is a point-in-time snapshot of one queue's depth.
type QueueStats struct {
	Queue   string
	Waiting int64
	Delayed int64
	Leased  int64
	Paused  bool
}
