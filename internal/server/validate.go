package server

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/grantflow/intake/internal/domain"
)

const maxMessageLength = 5000

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// injectionMarkers are cheap tells of markup or script smuggling in user
// text. The text is forwarded into prompts and later rendered in the UI,
// so anything that trips these is rejected outright with a generic message.
var injectionMarkers = []string{
	"<script",
	"</script",
	"javascript:",
	"onerror=",
	"onload=",
	"<iframe",
	"data:text/html",
}

// validateSessionID checks the caller-supplied session id format before it
// reaches the store or appears in logs.
func validateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return domain.ErrInvalidRequest("Invalid session id.")
	}
	return nil
}

// validateMessage checks one user message for size and injection markers.
func validateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return domain.ErrInvalidRequest("Message must not be empty.")
	}
	if !utf8.ValidString(text) {
		return domain.ErrInvalidRequest("Message must be valid UTF-8.")
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return domain.ErrInvalidRequest("Message is too long.")
	}

	lowered := strings.ToLower(text)
	for _, marker := range injectionMarkers {
		if strings.Contains(lowered, marker) {
			return domain.ErrInvalidRequest("Message contains disallowed content.")
		}
	}
	return nil
}

// validateUserContext bounds the optional pre-fill payload.
func validateUserContext(uc *domain.UserContext) error {
	if uc == nil {
		return nil
	}
	if utf8.RuneCountInString(uc.CompanyName) > 200 {
		return domain.ErrInvalidRequest("Company name is too long.")
	}
	if len(uc.PreFill) > 32 {
		return domain.ErrInvalidRequest("Too many pre-filled fields.")
	}
	for k, v := range uc.PreFill {
		if utf8.RuneCountInString(k) > 100 || utf8.RuneCountInString(v) > 2000 {
			return domain.ErrInvalidRequest("Pre-filled field is too long.")
		}
	}
	return nil
}
