package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/grantflow/intake/internal/domain"
)

// errorBody is the JSON error envelope. Messages are always the safe,
// user-facing text; technical detail stays in the logs.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type              domain.ErrorType `json:"type"`
	Message           string           `json:"message"`
	RetryAfterSeconds int              `json:"retryAfterSeconds,omitempty"`
}

// writeError maps any error onto an HTTP status and a sanitized JSON body.
// The full error text is attached to the request log fields, never the body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := asAPIError(err)

	AddLogField(r.Context(), "error", err.Error())

	detail := errorDetail{Type: apiErr.Type, Message: apiErr.Message}
	if apiErr.RetryAfter > 0 {
		secs := int(apiErr.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		detail.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// asAPIError translates sentinels and stray errors into user-safe API
// errors. Provider wire errors carry their upstream status code; those are
// our problem, not the caller's, so they collapse into a generic 500.
func asAPIError(err error) *domain.APIError {
	switch {
	case errors.Is(err, domain.ErrSessionExists):
		return domain.NewAPIError(domain.ErrorTypeConflict, "A session with this id already exists.")
	case errors.Is(err, domain.ErrSessionNotFound):
		return domain.NewAPIError(domain.ErrorTypeNotFound, "Session not found or expired.")
	case errors.Is(err, domain.ErrInsufficientInfo):
		return domain.NewAPIError(domain.ErrorTypeState, "Not enough information has been collected to generate the application yet.")
	case errors.Is(err, domain.ErrUserCostCeiling):
		return domain.ErrRateLimit("Your daily usage limit has been reached. Please try again tomorrow.")
	case errors.Is(err, domain.ErrGlobalCostCeiling):
		return domain.ErrOverloaded("The service is currently at capacity. Please try again later.")
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrOverloaded("The request timed out. Please try again.")
	}

	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode != 0 {
			return domain.ErrServer("An unexpected error occurred.").WithCause(apiErr)
		}
		return apiErr
	}
	return domain.ErrServer("An unexpected error occurred.").WithCause(err)
}
