package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/dagrunner/internal/dag"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/executor"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/logstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/registry"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/runstore"
	"github.com/flexinfer/mentatlab/services/dagrunner/internal/xcom"
)

// Error codes carried in the "error" field of every error response.
const (
	ErrCodeAuthRequired   = "auth_required"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeInvalidDAG     = "invalid_dag"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

type requestIDContextKey struct{}

// RequestIDKey is the context key LoggingMiddleware stores the request ID under.
var RequestIDKey = requestIDContextKey{}

// GetRequestID returns the request ID from ctx, falling back to the
// X-Request-ID header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

var statusCodes = map[int]string{
	http.StatusBadRequest:          ErrCodeBadRequest,
	http.StatusUnauthorized:        ErrCodeAuthRequired,
	http.StatusForbidden:           ErrCodeForbidden,
	http.StatusNotFound:            ErrCodeNotFound,
	http.StatusConflict:            ErrCodeConflict,
	http.StatusTooManyRequests:     ErrCodeRateLimited,
	http.StatusServiceUnavailable:  ErrCodeServiceUnavail,
	http.StatusInternalServerError: ErrCodeInternalError,
}

// HTTPStatusToErrorCode maps a status to its error code; unknown statuses
// map to internal_error.
func HTTPStatusToErrorCode(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternalError
}

// domainErrors maps sentinel errors of the engine packages to statuses.
// The first match wins.
var domainErrors = []struct {
	err    error
	status int
}{
	{registry.ErrDAGNotFound, http.StatusNotFound},
	{registry.ErrVersionNotFound, http.StatusNotFound},
	{runstore.ErrRunNotFound, http.StatusNotFound},
	{runstore.ErrTaskNotFound, http.StatusNotFound},
	{executor.ErrTaskNotFound, http.StatusNotFound},
	{xcom.ErrNotFound, http.StatusNotFound},
	{logstore.ErrNotFound, http.StatusNotFound},
	{dag.ErrInvalidDAG, http.StatusBadRequest},
	{runstore.ErrRunExists, http.StatusConflict},
	{runstore.ErrStateConflict, http.StatusConflict},
	{runstore.ErrInvalidTransition, http.StatusConflict},
	{executor.ErrRunFinished, http.StatusConflict},
	{executor.ErrRunCancelling, http.StatusConflict},
	{executor.ErrRunNotActive, http.StatusConflict},
	{executor.ErrShuttingDown, http.StatusServiceUnavailable},
}

func statusForError(err error) int {
	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			return d.status
		}
	}
	return http.StatusInternalServerError
}

// writeErrorResponse writes an ErrorResponse tagged with the request ID.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	})
}
