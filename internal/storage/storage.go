// Package storage defines the durable stores backing the intake service.
package storage

import (
	"context"

	"github.com/grantflow/intake/internal/domain"
)

// SessionUpdate carries a partial session mutation. Nil fields are left
// untouched. Extracted-info changes go through MergeExtracted instead, so
// no caller can overwrite the stored map with a stale copy.
type SessionUpdate struct {
	Phase        *domain.Phase
	Completeness *int
}

// DeriveFunc recomputes completeness and phase from a freshly merged
// extracted-info map. It receives the latest stored phase so terminal
// phases can be kept sticky.
type DeriveFunc func(merged map[string]string, current domain.Phase) (completeness int, phase domain.Phase)

// SessionStore is a durable, keyed-by-id store for conversation state.
//
// Get treats expired sessions as absent and deletes them, so callers never
// observe a session past its TTL. UpdatedAt is refreshed on every mutation;
// ExpiresAt is fixed at creation and never extended.
type SessionStore interface {
	// Create stores a new session. Returns domain.ErrSessionExists if an
	// unexpired session with the same id is present.
	Create(ctx context.Context, s *domain.Session) error

	// Get loads a session with its messages.
	// Returns domain.ErrSessionNotFound for missing or expired sessions.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// Update applies a partial mutation to the latest stored value.
	Update(ctx context.Context, id string, upd SessionUpdate) error

	// MergeExtracted atomically folds updates into the latest stored
	// extracted-info map under the union-merge rule, persists the
	// completeness and phase that derive reports for the merged result,
	// and returns the merged map. Concurrent merges must all survive.
	MergeExtracted(ctx context.Context, id string, updates map[string]string, derive DeriveFunc) (map[string]string, error)

	// AppendMessage atomically appends one message. Concurrent appends
	// must both survive.
	AppendMessage(ctx context.Context, id string, msg domain.Message) error

	// AddUsage atomically adds provider-reported usage to the session's
	// running totals.
	AddUsage(ctx context.Context, id string, tokenCount int, cost float64) error

	// Delete removes a session and its messages.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes all sessions past their TTL and reports how
	// many were swept.
	DeleteExpired(ctx context.Context) (int, error)

	Close() error
}

// GlobalLedgerSubject keys the service-wide daily ledger row.
const GlobalLedgerSubject = "__global__"

// CostLedger tracks per-(subject, day) spend. Reserve is the one place a
// transactional read-check-write is required: without it, concurrent
// requests can all pass a ceiling check against a stale total.
type CostLedger interface {
	// Reserve atomically verifies that both the subject's and the global
	// daily totals can absorb estimate without crossing their ceilings,
	// and increments both in the same transaction. Returns
	// domain.ErrUserCostCeiling or domain.ErrGlobalCostCeiling.
	Reserve(ctx context.Context, subject, day string, estimate, userCeiling, globalCeiling float64) error

	// Reconcile replaces a prior reservation with the actual cost by
	// applying the delta to the subject and global rows.
	Reconcile(ctx context.Context, subject, day string, estimate, actual float64) error

	// Total returns the current daily total for a subject (or the global
	// row when subject is GlobalLedgerSubject). Missing rows read as 0.
	Total(ctx context.Context, subject, day string) (float64, error)
}
