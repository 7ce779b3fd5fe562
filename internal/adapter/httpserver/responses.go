// Package httpserver is the thin REST layer over the application
// services: routing, API-key auth, request validation and the error
// envelope. Handlers translate HTTP to service calls and back; no
// business rules live here.
package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/cvforge/cvforge/internal/domain"
)

// maxBodyBytes caps JSON request bodies. File uploads have their own
// configurable limit.
const maxBodyBytes = 1 << 20

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps any error onto the envelope via the domain taxonomy.
// Retryable errors with a known delay advertise it as Retry-After.
func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	ae := domain.AsAppError(err)
	if ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(ae.RetryAfter.Seconds()))))
	}
	var details any
	if len(ae.Context) > 0 {
		details = ae.Context
	}
	writeJSON(w, ae.StatusCode, errorEnvelope{Error: apiError{
		Code:    string(ae.Code),
		Message: ae.Message,
		Details: details,
	}})
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeJSON reads and validates a JSON request body. Validation
// failures carry the offending fields in the error details.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return domain.E(domain.CodeValidationError, "request body is not valid json").WithCause(err)
	}
	if err := getValidator().Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[fe.Field()] = fe.Tag()
			}
			return domain.E(domain.CodeValidationError, "request validation failed").
				WithContext("fields", fields)
		}
		return domain.E(domain.CodeValidationError, "request validation failed").WithCause(err)
	}
	return nil
}
