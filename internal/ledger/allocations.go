package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/models"
)

// UpsertAllocation writes an allocation at its deterministic composite key.
// Concurrent writers for the same (payer, recipient, month) target the same
// row, so no prior read is needed and last-write-wins applies to the amount.
func (s *Store) UpsertAllocation(ctx context.Context, a models.Allocation) (*models.Allocation, error) {
	var out models.Allocation
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO ledger.allocations
			(payer_id, recipient_type, recipient_id, month, amount_cents, status, charge_id, frozen_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, 0, NOW(), NOW())
		ON CONFLICT (payer_id, recipient_type, recipient_id, month)
		DO UPDATE SET amount_cents = EXCLUDED.amount_cents, status = 'active', updated_at = NOW()
		RETURNING payer_id, recipient_type, recipient_id, month, amount_cents, status, charge_id, frozen_cents, created_at, updated_at
	`, a.PayerID, a.RecipientType, a.RecipientID, a.Month, a.AmountCents, a.ChargeID).Scan(
		&out.PayerID, &out.RecipientType, &out.RecipientID, &out.Month,
		&out.AmountCents, &out.Status, &out.ChargeID, &out.FrozenCents,
		&out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert allocation: %w", err)
	}
	return &out, nil
}

// ListActiveAllocations returns the payer's active allocations for a month.
func (s *Store) ListActiveAllocations(ctx context.Context, payerID, month string) ([]models.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payer_id, recipient_type, recipient_id, month, amount_cents, status, charge_id, frozen_cents, created_at, updated_at
		FROM ledger.allocations
		WHERE payer_id = $1 AND month = $2 AND status = 'active'
		ORDER BY recipient_type, recipient_id
	`, payerID, month)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var allocs []models.Allocation
	for rows.Next() {
		var a models.Allocation
		if err := rows.Scan(&a.PayerID, &a.RecipientType, &a.RecipientID, &a.Month,
			&a.AmountCents, &a.Status, &a.ChargeID, &a.FrozenCents,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

// BackfillMonth copies the payer's latest prior month's active allocation
// set into the given month, once, when the payer has no rows there yet.
// The copy is logged as an explicit backfill event. Returns the number of
// rows copied (0 when nothing to do).
func (s *Store) BackfillMonth(ctx context.Context, payerID, month string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin backfill: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger.allocations WHERE payer_id = $1 AND month = $2`,
		payerID, month).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to check current month: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	var fromMonth sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(month) FROM ledger.allocations WHERE payer_id = $1 AND month < $2`,
		payerID, month).Scan(&fromMonth)
	if err != nil {
		return 0, fmt.Errorf("failed to find prior month: %w", err)
	}
	if !fromMonth.Valid {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.allocations
			(payer_id, recipient_type, recipient_id, month, amount_cents, status, charge_id, frozen_cents, created_at, updated_at)
		SELECT payer_id, recipient_type, recipient_id, $1, amount_cents, 'active', charge_id, 0, NOW(), NOW()
		FROM ledger.allocations
		WHERE payer_id = $2 AND month = $3 AND status = 'active'
		ON CONFLICT (payer_id, recipient_type, recipient_id, month) DO NOTHING
	`, month, payerID, fromMonth.String)
	if err != nil {
		return 0, fmt.Errorf("failed to copy allocations: %w", err)
	}
	copied, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger.backfill_events (payer_id, from_month, to_month, copied, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, payerID, fromMonth.String, month, copied)
	if err != nil {
		return 0, fmt.Errorf("failed to record backfill event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit backfill: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"payer_id":   payerID,
		"from_month": fromMonth.String,
		"to_month":   month,
		"copied":     copied,
	}).Info("Backfilled allocation set into new month")
	return int(copied), nil
}
