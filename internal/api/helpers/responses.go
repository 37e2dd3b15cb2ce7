package helpers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Stable machine-readable error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidCode        = "INVALID_CODE"
	CodeSignupFailed       = "SIGNUP_FAILED"
	CodeRefreshFailed      = "REFRESH_FAILED"
	CodeScopeInsufficient  = "SCOPE_INSUFFICIENT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeServiceKeyMissing  = "SERVICE_KEY_MISSING"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the uniform error envelope. The OAuth endpoints are the
// only surface exempt from it; they speak RFC 6749.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

// RespondError writes the error envelope.
func RespondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	RespondJSON(w, status, ErrorBody{
		Error:     message,
		Code:      code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// RespondScopeError writes the envelope plus the required and provided
// scopes, so callers can see what grant they are missing.
func RespondScopeError(w http.ResponseWriter, r *http.Request, required, provided []string) {
	RespondJSON(w, http.StatusForbidden, struct {
		ErrorBody
		Required []string `json:"required"`
		Provided []string `json:"provided"`
	}{
		ErrorBody: ErrorBody{
			Error:     "Insufficient scope",
			Code:      CodeScopeInsufficient,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			RequestID: middleware.GetReqID(r.Context()),
		},
		Required: required,
		Provided: provided,
	})
}
