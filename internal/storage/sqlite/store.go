// Package sqlite provides the SQLite-backed session store and cost ledger.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/grantflow/intake/internal/domain"
	"github.com/grantflow/intake/internal/storage"
)

// Store is a SQLite implementation of SessionStore and CostLedger.
type Store struct {
	db *sql.DB
}

var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.CostLedger   = (*Store)(nil)
)

// New creates a new SQLite store.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			extracted_info TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			completeness INTEGER NOT NULL DEFAULT 0,
			user_context TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS cost_ledger (
			subject TEXT NOT NULL,
			day TEXT NOT NULL,
			total_cost REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (subject, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Create(ctx context.Context, sess *domain.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = now.Add(domain.SessionTTL)
	}

	info, err := json.Marshal(sess.ExtractedInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal extracted info: %w", err)
	}
	userCtx, err := json.Marshal(sess.UserContext)
	if err != nil {
		return fmt.Errorf("failed to marshal user context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// An expired record under the same id does not count as existing.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND expires_at <= ?`, sess.ID, now); err != nil {
		return fmt.Errorf("failed to clear expired session: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check session existence: %w", err)
	}
	if exists > 0 {
		return domain.ErrSessionExists
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, phase, extracted_info, token_count, cost, completeness, user_context, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Phase), string(info), sess.TokenCount, sess.Cost,
		sess.Completeness, string(userCtx), sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Session, error) {
	var (
		sess     domain.Session
		phase    string
		infoJSON string
		ctxJSON  string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, phase, extracted_info, token_count, cost, completeness, user_context, created_at, updated_at, expires_at
		 FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &phase, &infoJSON, &sess.TokenCount, &sess.Cost,
		&sess.Completeness, &ctxJSON, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	// Lazy expiry: an expired record reads as absent and is removed.
	if sess.Expired(time.Now().UTC()) {
		if err := s.Delete(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to delete expired session: %w", err)
		}
		return nil, domain.ErrSessionNotFound
	}

	sess.Phase = domain.Phase(phase)
	if err := json.Unmarshal([]byte(infoJSON), &sess.ExtractedInfo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extracted info: %w", err)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &sess.UserContext); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user context: %w", err)
	}

	messages, err := s.getMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Messages = messages

	return &sess, nil
}

func (s *Store) getMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *Store) Update(ctx context.Context, id string, upd storage.SessionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.Phase != nil {
		sets = append(sets, "phase = ?")
		args = append(args, string(*upd.Phase))
	}
	if upd.Completeness != nil {
		sets = append(sets, "completeness = ?")
		args = append(args, *upd.Completeness)
	}

	args = append(args, id)
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE sessions SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrSessionNotFound
	}

	return nil
}

// MergeExtracted performs the union-merge inside one write transaction so
// the read and the write see the same stored value even under concurrent
// turns for the same session.
func (s *Store) MergeExtracted(ctx context.Context, id string, updates map[string]string, derive storage.DeriveFunc) (map[string]string, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Touching the row first takes the write lock, serializing merges.
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, domain.ErrSessionNotFound
	}

	var infoJSON, phase string
	err = tx.QueryRowContext(ctx,
		`SELECT extracted_info, phase FROM sessions WHERE id = ?`, id).Scan(&infoJSON, &phase)
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted info: %w", err)
	}
	var existing map[string]string
	if err := json.Unmarshal([]byte(infoJSON), &existing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extracted info: %w", err)
	}

	merged := domain.MergeExtracted(existing, updates)
	completeness, newPhase := derive(merged, domain.Phase(phase))

	info, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extracted info: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET extracted_info = ?, completeness = ?, phase = ? WHERE id = ?`,
		string(info), completeness, string(newPhase), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *Store) AppendMessage(ctx context.Context, id string, msg domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrSessionNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.ID, id, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return tx.Commit()
}

func (s *Store) AddUsage(ctx context.Context, id string, tokenCount int, cost float64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET token_count = token_count + ?, cost = cost + ?, updated_at = ? WHERE id = ?`,
		tokenCount, cost, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrSessionNotFound
	}

	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return tx.Commit()
}

func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM sessions WHERE expires_at <= ?)`, now); err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(rows), nil
}
