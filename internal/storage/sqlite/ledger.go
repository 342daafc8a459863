package sqlite

import (
	"context"
	"fmt"

	"github.com/grantflow/intake/internal/domain"
	"github.com/grantflow/intake/internal/storage"
)

// Reserve performs the atomic read-check-write at the heart of cost
// admission. The increments run first so the transaction holds the write
// lock before the ceilings are checked; a failed check rolls the whole
// reservation back. Reservations made by other instances through the same
// database are therefore always visible to the check.
func (s *Store) Reserve(ctx context.Context, subject, day string, estimate, userCeiling, globalCeiling float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userTotal float64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO cost_ledger (subject, day, total_cost) VALUES (?, ?, ?)
		 ON CONFLICT(subject, day) DO UPDATE SET total_cost = total_cost + excluded.total_cost
		 RETURNING total_cost`,
		subject, day, estimate).Scan(&userTotal)
	if err != nil {
		return fmt.Errorf("failed to reserve user cost: %w", err)
	}
	if userTotal > userCeiling {
		return domain.ErrUserCostCeiling
	}

	var globalTotal float64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO cost_ledger (subject, day, total_cost) VALUES (?, ?, ?)
		 ON CONFLICT(subject, day) DO UPDATE SET total_cost = total_cost + excluded.total_cost
		 RETURNING total_cost`,
		storage.GlobalLedgerSubject, day, estimate).Scan(&globalTotal)
	if err != nil {
		return fmt.Errorf("failed to reserve global cost: %w", err)
	}
	if globalTotal > globalCeiling {
		return domain.ErrGlobalCostCeiling
	}

	return tx.Commit()
}

// Reconcile overwrites a reservation with the actual cost by applying the
// delta to both ledger rows. Deltas may be negative; totals are clamped at
// zero so reconciliation can never produce a negative ledger.
func (s *Store) Reconcile(ctx context.Context, subject, day string, estimate, actual float64) error {
	delta := actual - estimate
	if delta == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, sub := range []string{subject, storage.GlobalLedgerSubject} {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cost_ledger (subject, day, total_cost) VALUES (?, ?, MAX(0, ?))
			 ON CONFLICT(subject, day) DO UPDATE SET total_cost = MAX(0, total_cost + ?)`,
			sub, day, delta, delta)
		if err != nil {
			return fmt.Errorf("failed to reconcile cost for %s: %w", sub, err)
		}
	}

	return tx.Commit()
}

// Total returns the daily total for a subject. Missing rows read as zero.
func (s *Store) Total(ctx context.Context, subject, day string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_cost), 0) FROM cost_ledger WHERE subject = ? AND day = ?`,
		subject, day).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to read ledger total: %w", err)
	}
	return total, nil
}
