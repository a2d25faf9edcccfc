package ledger

import (
	"context"
	"fmt"

	"creatorfund/ledger/pkg/models"
)

// Payout statuses that hold a debit against available earnings while still
// in flight. A payout in any other status (blocked, failed, cancelled)
// releases its amount, which makes permanent-failure restoration atomic with
// the status write: the available figure is derived, never patched.
// 'completed' is accounted separately so that sweeping consumed earnings
// rows to paid_out does not deduct the same payout twice.
const inflightPayoutStatuses = `('requested', 'validated', 'pending_approval', 'pending', 'processing', 'retry_scheduled')`

// AvailableEarningsCents derives the recipient's payout-eligible amount:
// released earnings minus every payout that currently holds a debit.
// Completed payout volume already swept into paid_out earnings rows has
// left the available sum, so only the unswept remainder is subtracted.
func (s *Store) AvailableEarningsCents(ctx context.Context, userID string) (int64, error) {
	var available, swept int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(funded_cents) FILTER (WHERE status = 'available'), 0),
			COALESCE(SUM(funded_cents) FILTER (WHERE status = 'paid_out'), 0)
		FROM ledger.earnings
		WHERE recipient_id = $1
	`, userID).Scan(&available, &swept)
	if err != nil {
		return 0, fmt.Errorf("failed to sum available earnings: %w", err)
	}

	var inflight, completed int64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount_cents) FILTER (WHERE status IN `+inflightPayoutStatuses+`), 0),
			COALESCE(SUM(amount_cents) FILTER (WHERE status = 'completed'), 0)
		FROM ledger.payout_requests
		WHERE user_id = $1
	`, userID).Scan(&inflight, &completed)
	if err != nil {
		return 0, fmt.Errorf("failed to sum held payouts: %w", err)
	}

	return available - inflight - (completed - swept), nil
}

// LifetimeEarningsCents is the recipient's total funded earnings across all
// months and statuses, used by the payout heuristics.
func (s *Store) LifetimeEarningsCents(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(funded_cents), 0)
		FROM ledger.earnings
		WHERE recipient_id = $1
	`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum lifetime earnings: %w", err)
	}
	return total, nil
}

// ListEarnings returns the recipient's earnings records, newest month first.
func (s *Store) ListEarnings(ctx context.Context, userID string) ([]models.EarningsRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient_id, month, funded_cents, status, created_at, updated_at
		FROM ledger.earnings
		WHERE recipient_id = $1
		ORDER BY month DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list earnings: %w", err)
	}
	defer rows.Close()

	var records []models.EarningsRecord
	for rows.Next() {
		var r models.EarningsRecord
		if err := rows.Scan(&r.RecipientID, &r.Month, &r.FundedCents, &r.Status,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan earnings record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SweepPaidOut advances fully-consumed earnings records to paid_out. A row
// flips once the recipient's cumulative completed payouts cover all released
// earnings through that row, oldest month first. Re-running is a no-op; a
// row never leaves paid_out.
func (s *Store) SweepPaidOut(ctx context.Context, userID string) error {
	var paid int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM ledger.payout_requests
		WHERE user_id = $1 AND status = 'completed'
	`, userID).Scan(&paid)
	if err != nil {
		return fmt.Errorf("failed to sum completed payouts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT month, funded_cents, status
		FROM ledger.earnings
		WHERE recipient_id = $1 AND status IN ('available', 'paid_out')
		ORDER BY month ASC
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to list releasable earnings: %w", err)
	}
	defer rows.Close()

	var toMark []string
	var running int64
	for rows.Next() {
		var month, status string
		var funded int64
		if err := rows.Scan(&month, &funded, &status); err != nil {
			return fmt.Errorf("failed to scan earnings row: %w", err)
		}
		running += funded
		if running <= paid && status == models.EarningsAvailable {
			toMark = append(toMark, month)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, month := range toMark {
		_, err := s.db.ExecContext(ctx, `
			UPDATE ledger.earnings
			SET status = 'paid_out', updated_at = NOW()
			WHERE recipient_id = $1 AND month = $2 AND status = 'available'
		`, userID, month)
		if err != nil {
			return fmt.Errorf("failed to mark earnings paid out: %w", err)
		}
	}
	return nil
}

// PendingObligationCents sums every earnings amount the platform still owes:
// pending and available records, minus the completed payout volume not yet
// swept into paid_out rows, floored at zero. Used by the balance monitor's
// reserve calculation.
func (s *Store) PendingObligationCents(ctx context.Context) (int64, error) {
	var owed, swept int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(funded_cents) FILTER (WHERE status IN ('pending', 'available')), 0),
			COALESCE(SUM(funded_cents) FILTER (WHERE status = 'paid_out'), 0)
		FROM ledger.earnings
	`).Scan(&owed, &swept)
	if err != nil {
		return 0, fmt.Errorf("failed to sum owed earnings: %w", err)
	}

	var paid int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM ledger.payout_requests
		WHERE status = 'completed'
	`).Scan(&paid)
	if err != nil {
		return 0, fmt.Errorf("failed to sum completed payouts: %w", err)
	}

	obligation := owed - (paid - swept)
	if obligation < 0 {
		obligation = 0
	}
	return obligation, nil
}
