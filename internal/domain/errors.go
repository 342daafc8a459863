package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePermission indicates a session-ownership violation.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeNotFound indicates a missing or expired session.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict indicates the resource already exists.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeRateLimit indicates a rate window or per-user cost ceiling.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeState indicates the session is not in a state that
	// permits the operation (e.g. insufficient completeness).
	ErrorTypeState ErrorType = "invalid_state"

	// ErrorTypeOverloaded indicates the upstream provider or the global
	// cost ceiling is exhausted.
	ErrorTypeOverloaded ErrorType = "overloaded"

	// ErrorTypeServer indicates an internal failure.
	ErrorTypeServer ErrorType = "server"
)

// APIError is the canonical service error. Message is always safe to show
// to the end user; technical detail travels in the wrapped cause and only
// ever reaches logs.
type APIError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`

	// RetryAfter is surfaced for rate-limit rejections when the wait is known.
	RetryAfter time.Duration `json:"-"`

	// StatusCode overrides the default mapping when set.
	StatusCode int `json:"-"`

	cause error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// HTTPStatusCode returns the HTTP status for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeState:
		return http.StatusUnprocessableEntity
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithCause attaches the technical cause, preserved for logs via Unwrap.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// WithRetryAfter records the wait until the rejecting window resets.
func (e *APIError) WithRetryAfter(d time.Duration) *APIError {
	e.RetryAfter = d
	return e
}

// WithStatusCode pins the HTTP status, overriding the type-derived mapping.
func (e *APIError) WithStatusCode(status int) *APIError {
	e.StatusCode = status
	return e
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message)
}

// ErrPermission creates a session-ownership error.
func ErrPermission(message string) *APIError {
	return NewAPIError(ErrorTypePermission, message)
}

// ErrRateLimit creates a rate-limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message)
}

// ErrOverloaded creates an overloaded error.
func ErrOverloaded(message string) *APIError {
	return NewAPIError(ErrorTypeOverloaded, message)
}

// ErrServer creates an internal server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// Sentinel errors for domain state conditions. Stores and the orchestrator
// return these; the HTTP layer maps them to a status and a safe message.
var (
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInsufficientInfo = errors.New("insufficient information for generation")
	ErrUserCostCeiling  = errors.New("user daily cost ceiling reached")
	ErrGlobalCostCeiling = errors.New("global daily cost ceiling reached")
	ErrUnknownModel     = errors.New("unknown model")
)
