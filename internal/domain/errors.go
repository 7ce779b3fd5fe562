package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels). Every AppError unwraps to exactly one of
// these so callers can classify with errors.Is regardless of code.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrUsageLimit        = errors.New("usage limit exceeded")
	ErrInternal          = errors.New("internal error")
)

// ErrorCode identifies a failure class. Codes are grouped by domain:
// generic 1xxx, jobs 2xxx, files 3xxx, CV 4xxx, generation 41xx, DB 5xxx,
// external services 6xxx, auth 7xxx, user 8xxx, webhook 9xxx, ATS 10xxx,
// optimization 11xxx, parsing 12xxx, version 13xxx.
type ErrorCode string

const (
	CodeUnknownError    ErrorCode = "UNKNOWN_ERROR"
	CodeInternalError   ErrorCode = "INTERNAL_ERROR"
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeConflict        ErrorCode = "CONFLICT"
	CodeRateLimited     ErrorCode = "RATE_LIMITED"

	CodeJobNotFound          ErrorCode = "JOB_NOT_FOUND"
	CodeJobQueueError        ErrorCode = "JOB_QUEUE_ERROR"
	CodeJobInvalidState      ErrorCode = "JOB_INVALID_STATE"
	CodeJobMaxRetries        ErrorCode = "JOB_MAX_RETRIES_EXCEEDED"
	CodeJobCancelled         ErrorCode = "JOB_CANCELLED"
	CodeJobTimeout           ErrorCode = "JOB_TIMEOUT"
	CodeJobPriorityInvalid   ErrorCode = "JOB_PRIORITY_INVALID"
	CodeJobProcessorMissing  ErrorCode = "JOB_PROCESSOR_MISSING"
	CodeJobAlreadyTerminal   ErrorCode = "JOB_ALREADY_TERMINAL"
	CodeJobNotRetryable      ErrorCode = "JOB_NOT_RETRYABLE"
	CodeJobOwnershipMismatch ErrorCode = "JOB_OWNERSHIP_MISMATCH"

	CodeFileNotFound   ErrorCode = "FILE_NOT_FOUND"
	CodeFileInvalid    ErrorCode = "FILE_INVALID"
	CodeProviderError  ErrorCode = "PROVIDER_ERROR"
	CodeFileTooLarge   ErrorCode = "FILE_TOO_LARGE"
	CodeFileKeyInvalid ErrorCode = "FILE_KEY_INVALID"

	CodeCVNotFound      ErrorCode = "CV_NOT_FOUND"
	CodeCVNoFileToParse ErrorCode = "CV_NO_FILE_TO_PARSE"
	CodeCVArchived      ErrorCode = "CV_ARCHIVED"
	CodeCVInvalid       ErrorCode = "CV_CONTENT_INVALID"

	CodeGenerationNotFound    ErrorCode = "GENERATION_NOT_FOUND"
	CodeGenerationFailed      ErrorCode = "GENERATION_FAILED"
	CodeGenerationBadTemplate ErrorCode = "GENERATION_TEMPLATE_UNKNOWN"
	CodeGenerationEmptyOutput ErrorCode = "GENERATION_EMPTY_OUTPUT"
	CodeGenerationNotReady    ErrorCode = "GENERATION_NOT_READY"

	CodeDBError     ErrorCode = "DB_ERROR"
	CodeDBDuplicate ErrorCode = "DB_DUPLICATE_KEY"
	CodeDBTxFailed  ErrorCode = "DB_TX_FAILED"

	CodeAIError           ErrorCode = "AI_ERROR"
	CodeAIQuotaExceeded   ErrorCode = "AI_QUOTA_EXCEEDED"
	CodeAITimeout         ErrorCode = "AI_TIMEOUT"
	CodeAIInvalidResponse ErrorCode = "AI_INVALID_RESPONSE"
	CodeAIUnavailable     ErrorCode = "AI_PROVIDER_UNAVAILABLE"
	CodeBrowserError      ErrorCode = "BROWSER_ERROR"

	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeForbidden    ErrorCode = "FORBIDDEN"

	CodeUserNotFound  ErrorCode = "USER_NOT_FOUND"
	CodeUserInactive  ErrorCode = "USER_INACTIVE"
	CodeUserLocked    ErrorCode = "USER_LOCKED"
	CodeUsageExceeded ErrorCode = "USAGE_LIMIT_EXCEEDED"

	CodeWebhookNotFound         ErrorCode = "WEBHOOK_NOT_FOUND"
	CodeWebhookSuspended        ErrorCode = "WEBHOOK_SUSPENDED"
	CodeWebhookURLInvalid       ErrorCode = "WEBHOOK_URL_INVALID"
	CodeWebhookDeliveryNotFound ErrorCode = "WEBHOOK_DELIVERY_NOT_FOUND"
	CodeWebhookDeliveryFailed   ErrorCode = "WEBHOOK_DELIVERY_FAILED"

	CodeATSNotFound    ErrorCode = "ATS_ANALYSIS_NOT_FOUND"
	CodeATSInvalidType ErrorCode = "ATS_INVALID_TYPE"
	CodeATSScoreRange  ErrorCode = "ATS_SCORE_OUT_OF_RANGE"
	CodeATSJobNotFound ErrorCode = "ATS_JOB_NOT_FOUND"

	CodeOptimizationFailed   ErrorCode = "OPTIMIZATION_FAILED"
	CodeOptimizationNoSource ErrorCode = "OPTIMIZATION_NO_ACTIVE_VERSION"

	CodeParsingFailed      ErrorCode = "CV_PARSING_FAILED"
	CodeParsingExtract     ErrorCode = "PARSING_EXTRACT_FAILED"
	CodeParsingUnsupported ErrorCode = "PARSING_UNSUPPORTED_FORMAT"

	CodeVersionNotFound      ErrorCode = "VERSION_NOT_FOUND"
	CodeVersionConflict      ErrorCode = "VERSION_CONFLICT"
	CodeVersionActiveLocked  ErrorCode = "VERSION_ACTIVE_IMMUTABLE"
	CodeVersionAlreadyActive ErrorCode = "VERSION_ALREADY_ACTIVE"
)

var errorCodeNumbers = map[ErrorCode]int{
	CodeUnknownError:    1000,
	CodeInternalError:   1001,
	CodeValidationError: 1002,
	CodeNotFound:        1003,
	CodeConflict:        1004,
	CodeRateLimited:     1005,

	CodeJobNotFound:          2000,
	CodeJobQueueError:        2001,
	CodeJobInvalidState:      2002,
	CodeJobMaxRetries:        2003,
	CodeJobCancelled:         2004,
	CodeJobTimeout:           2005,
	CodeJobPriorityInvalid:   2006,
	CodeJobProcessorMissing:  2007,
	CodeJobAlreadyTerminal:   2008,
	CodeJobNotRetryable:      2009,
	CodeJobOwnershipMismatch: 2010,

	CodeFileNotFound:   3000,
	CodeFileInvalid:    3001,
	CodeProviderError:  3002,
	CodeFileTooLarge:   3003,
	CodeFileKeyInvalid: 3004,

	CodeCVNotFound:      4000,
	CodeCVNoFileToParse: 4001,
	CodeCVArchived:      4002,
	CodeCVInvalid:       4003,

	CodeGenerationNotFound:    4100,
	CodeGenerationFailed:      4101,
	CodeGenerationBadTemplate: 4102,
	CodeGenerationEmptyOutput: 4103,
	CodeGenerationNotReady:    4104,

	CodeDBError:     5000,
	CodeDBDuplicate: 5001,
	CodeDBTxFailed:  5002,

	CodeAIError:           6000,
	CodeAIQuotaExceeded:   6001,
	CodeAITimeout:         6002,
	CodeAIInvalidResponse: 6003,
	CodeAIUnavailable:     6004,
	CodeBrowserError:      6005,

	CodeUnauthorized: 7000,
	CodeForbidden:    7001,

	CodeUserNotFound:  8000,
	CodeUserInactive:  8001,
	CodeUserLocked:    8002,
	CodeUsageExceeded: 8003,

	CodeWebhookNotFound:         9000,
	CodeWebhookSuspended:        9001,
	CodeWebhookURLInvalid:       9002,
	CodeWebhookDeliveryNotFound: 9003,
	CodeWebhookDeliveryFailed:   9004,

	CodeATSNotFound:    10000,
	CodeATSInvalidType: 10001,
	CodeATSScoreRange:  10002,
	CodeATSJobNotFound: 10003,

	CodeOptimizationFailed:   11000,
	CodeOptimizationNoSource: 11001,

	CodeParsingFailed:      12000,
	CodeParsingExtract:     12001,
	CodeParsingUnsupported: 12002,

	CodeVersionNotFound:      13000,
	CodeVersionConflict:      13001,
	CodeVersionActiveLocked:  13002,
	CodeVersionAlreadyActive: 13003,
}

// Number returns the numeric identifier for the code, or 1000 when the
// code is unregistered.
func (c ErrorCode) Number() int {
	if n, ok := errorCodeNumbers[c]; ok {
		return n
	}
	return 1000
}

// AppError is the tagged error value carried by jobs, webhook deliveries
// and API responses. It wraps one of the sentinel classes above so call
// sites can keep using errors.Is.
type AppError struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Retryable  bool
	RetryAfter time.Duration
	Context    map[string]any
	class      error
	cause      error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel class (and, transitively via errors.Join,
// the original cause) to errors.Is/As.
func (e *AppError) Unwrap() error {
	if e.cause != nil {
		return errors.Join(e.class, e.cause)
	}
	return e.class
}

// WithContext attaches a key/value pair for operators; it returns the
// receiver for chaining at call sites.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]any, 2)
	}
	e.Context[key] = value
	return e
}

// WithCause records the underlying error.
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// E constructs an AppError for code with a formatted message. The sentinel
// class, HTTP status and retryability derive from the code group.
func E(code ErrorCode, format string, args ...any) *AppError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	cls, status, retryable := classify(code)
	return &AppError{
		Code:       code,
		Message:    msg,
		StatusCode: status,
		Retryable:  retryable,
		class:      cls,
	}
}

func classify(code ErrorCode) (class error, status int, retryable bool) {
	switch code {
	case CodeValidationError, CodeJobPriorityInvalid, CodeFileInvalid,
		CodeFileTooLarge, CodeFileKeyInvalid, CodeCVInvalid,
		CodeGenerationBadTemplate, CodeATSInvalidType, CodeWebhookURLInvalid,
		CodeParsingUnsupported:
		return ErrInvalidArgument, 400, false
	case CodeNotFound, CodeJobNotFound, CodeFileNotFound, CodeCVNotFound,
		CodeGenerationNotFound, CodeUserNotFound, CodeWebhookNotFound,
		CodeWebhookDeliveryNotFound, CodeATSNotFound, CodeATSJobNotFound,
		CodeVersionNotFound:
		return ErrNotFound, 404, false
	case CodeForbidden, CodeJobOwnershipMismatch:
		return ErrForbidden, 403, false
	case CodeUnauthorized:
		return ErrForbidden, 401, false
	case CodeConflict, CodeDBDuplicate, CodeVersionConflict,
		CodeVersionAlreadyActive, CodeVersionActiveLocked,
		CodeJobAlreadyTerminal, CodeJobInvalidState, CodeCVArchived,
		CodeGenerationNotReady:
		return ErrConflict, 409, false
	case CodeRateLimited:
		return ErrRateLimited, 429, true
	case CodeAIQuotaExceeded:
		return ErrUpstreamRateLimit, 429, true
	case CodeAITimeout, CodeJobTimeout:
		return ErrUpstreamTimeout, 504, true
	case CodeAIInvalidResponse, CodeParsingFailed:
		return ErrSchemaInvalid, 422, false
	case CodeUserInactive, CodeUserLocked:
		return ErrForbidden, 403, false
	case CodeUsageExceeded:
		return ErrUsageLimit, 429, false
	case CodeProviderError, CodeAIUnavailable, CodeBrowserError,
		CodeParsingExtract, CodeWebhookDeliveryFailed:
		return ErrInternal, 502, true
	case CodeJobQueueError, CodeDBError, CodeDBTxFailed:
		return ErrInternal, 500, true
	case CodeUnknownError:
		return ErrInternal, 500, true
	default:
		return ErrInternal, 500, false
	}
}

// AsAppError extracts the innermost AppError, or wraps err in an
// UNKNOWN_ERROR tagged value when there is none.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return E(CodeUnknownError, "unexpected error").WithCause(err)
}

// IsRetryable reports whether err should be retried by the job engine.
// AppErrors answer for themselves; bare errors fall back to the sentinel
// classes that mark transient upstream conditions.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamRateLimit) ||
		errors.Is(err, ErrRateLimited)
}
