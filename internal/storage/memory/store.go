// Package memory provides in-memory implementations of the session store
// and cost ledger, used for tests and single-process development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/grantflow/intake/internal/domain"
	"github.com/grantflow/intake/internal/storage"
)

// Store is an in-memory SessionStore and CostLedger guarded by a mutex.
// The ledger mutations are atomic with respect to each other, matching
// the transactional guarantee of the SQLite implementation within a
// single process.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	ledger   map[string]float64 // subject + "|" + day
}

var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.CostLedger   = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*domain.Session),
		ledger:   make(map[string]float64),
	}
}

func (s *Store) Create(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.sessions[sess.ID]; ok {
		if !existing.Expired(now) {
			return domain.ErrSessionExists
		}
		delete(s.sessions, sess.ID)
	}

	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(domain.SessionTTL)
	}

	s.sessions[sess.ID] = copySession(sess)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if sess.Expired(time.Now().UTC()) {
		delete(s.sessions, id)
		return nil, domain.ErrSessionNotFound
	}

	return copySession(sess), nil
}

func (s *Store) Update(_ context.Context, id string, upd storage.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}

	if upd.Phase != nil {
		sess.Phase = *upd.Phase
	}
	if upd.Completeness != nil {
		sess.Completeness = *upd.Completeness
	}
	sess.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *Store) MergeExtracted(_ context.Context, id string, updates map[string]string, derive storage.DeriveFunc) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}

	merged := domain.MergeExtracted(sess.ExtractedInfo, updates)
	sess.Completeness, sess.Phase = derive(merged, sess.Phase)
	sess.ExtractedInfo = copyMap(merged)
	sess.UpdatedAt = time.Now().UTC()

	return merged, nil
}

func (s *Store) AppendMessage(_ context.Context, id string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *Store) AddUsage(_ context.Context, id string, tokenCount int, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}

	sess.TokenCount += tokenCount
	sess.Cost += cost
	sess.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *Store) DeleteExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	n := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = nil
	s.ledger = nil
	return nil
}

func (s *Store) Reserve(_ context.Context, subject, day string, estimate, userCeiling, globalCeiling float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	userKey := subject + "|" + day
	globalKey := storage.GlobalLedgerSubject + "|" + day

	if s.ledger[userKey]+estimate > userCeiling {
		return domain.ErrUserCostCeiling
	}
	if s.ledger[globalKey]+estimate > globalCeiling {
		return domain.ErrGlobalCostCeiling
	}

	s.ledger[userKey] += estimate
	s.ledger[globalKey] += estimate
	return nil
}

func (s *Store) Reconcile(_ context.Context, subject, day string, estimate, actual float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := actual - estimate
	for _, key := range []string{subject + "|" + day, storage.GlobalLedgerSubject + "|" + day} {
		s.ledger[key] += delta
		if s.ledger[key] < 0 {
			s.ledger[key] = 0
		}
	}
	return nil
}

func (s *Store) Total(_ context.Context, subject, day string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ledger[subject+"|"+day], nil
}

func copySession(sess *domain.Session) *domain.Session {
	cp := *sess
	cp.Messages = append([]domain.Message(nil), sess.Messages...)
	cp.ExtractedInfo = copyMap(sess.ExtractedInfo)
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
