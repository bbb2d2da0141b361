package response

import (
	"encoding/json"
	"net/http"

	"github.com/diagnosis/salon-bookings/pkg/logger"
)

// ErrorResponse represents a structured JSON error response
type ErrorResponse struct {
	Success   bool              `json:"success"`
	Error     string            `json:"error"`
	Code      string            `json:"code,omitempty"`
	Details   string            `json:"details,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// JSON writes data with the given status code
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// Write writes a fully populated error response
func Write(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	JSON(w, statusCode, resp)
}

// WriteError writes a structured JSON error response
func WriteError(w http.ResponseWriter, statusCode int, message string, code string) {
	Write(w, statusCode, ErrorResponse{Error: message, Code: code})
}

// WriteErrorWithDetails writes a structured JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, message, code, details string) {
	Write(w, statusCode, ErrorResponse{Error: message, Code: code, Details: details})
}

// WriteValidation reports every offending field of a rejected request
func WriteValidation(w http.ResponseWriter, message string, fields map[string]string) {
	Write(w, http.StatusBadRequest, ErrorResponse{Error: message, Code: CodeInvalidInput, Fields: fields})
}

// Common error codes
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeNotFound          = "NOT_FOUND"
	CodeStateConflict     = "STATE_CONFLICT"
	CodeChallengeMismatch = "CHALLENGE_MISMATCH"
	CodeChallengeExpired  = "CHALLENGE_EXPIRED"
	CodeChallengeLocked   = "CHALLENGE_LOCKED"
	CodeRateLimit         = "RATE_LIMIT_EXCEEDED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Convenience functions for common errors
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message, CodeInvalidInput)
}

func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, message, CodeUnauthorized)
}

func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, message, CodeForbidden)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message, CodeNotFound)
}

func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message, CodeInternalError)
}

func RateLimit(w http.ResponseWriter, message string) {
	Write(w, http.StatusTooManyRequests, ErrorResponse{Error: message, Code: CodeRateLimit, Retryable: true})
}

func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, message, CodeStateConflict)
}

// Deny adapts the writers to the middleware.RequireStaff callback
func Deny(w http.ResponseWriter, status int, message string) {
	if status == http.StatusForbidden {
		Forbidden(w, message)
		return
	}
	Unauthorized(w, message)
}
