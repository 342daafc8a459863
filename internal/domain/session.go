// Package domain holds the core types shared across the intake service.
package domain

import "time"

// Phase is the coarse-grained stage of the interview.
type Phase string

const (
	PhaseDiscovery     Phase = "discovery"
	PhaseClarification Phase = "clarification"
	PhaseGeneration    Phase = "generation"
	PhaseComplete      Phase = "complete"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SessionTTL is the fixed lifetime of a session from creation.
// Activity never extends it.
const SessionTTL = 24 * time.Hour

// Message is a single conversation turn. Messages are append-only:
// they are never edited, reordered, or deleted individually.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// UserContext is caller-supplied context captured at session creation.
// It is immutable for the lifetime of the session.
type UserContext struct {
	Subject     string            `json:"subject"`
	Email       string            `json:"email,omitempty"`
	Locale      string            `json:"locale,omitempty"`
	IsPreFilled bool              `json:"isPreFilled,omitempty"`
	CompanyName string            `json:"companyName,omitempty"`
	Sector      string            `json:"sector,omitempty"`
	PreFill     map[string]string `json:"preFill,omitempty"`
}

// Session is one end-to-end interview conversation and its derived state.
type Session struct {
	ID            string            `json:"id"`
	Phase         Phase             `json:"phase"`
	Messages      []Message         `json:"messages"`
	ExtractedInfo map[string]string `json:"extractedInfo"`
	TokenCount    int               `json:"tokenCount"`
	Cost          float64           `json:"cost"`
	Completeness  int               `json:"completeness"`
	UserContext   UserContext       `json:"userContext"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
}

// Expired reports whether the session has passed its fixed TTL.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// UserMessageCount returns the number of user turns, which bounds the
// session-level exchange cap.
func (s *Session) UserMessageCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// MergeExtracted applies the union-merge rule: keys present in update
// overwrite the existing value, absent keys are left untouched. The
// inputs are not modified.
func MergeExtracted(existing, update map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(update))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}
