package ledger

import (
	"context"
	"fmt"

	"creatorfund/ledger/pkg/logging"
)

// ApplyRefund reduces every active allocation funded by the charge by the
// refund ratio, in one atomic batch. A full refund marks the allocations
// refunded with amount zero; a partial refund marks them at_risk with the
// proportionally reduced amount. Balance figures need no patching because
// they are derived from these rows.
func (s *Store) ApplyRefund(ctx context.Context, chargeID string, refundedCents, originalCents int64) error {
	if originalCents <= 0 {
		return fmt.Errorf("original charge amount must be positive: %w", ErrValidation)
	}
	if refundedCents < 0 || refundedCents > originalCents {
		return fmt.Errorf("refunded amount out of range: %w", ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin refund batch: %w", err)
	}
	defer tx.Rollback()

	var res interface{ RowsAffected() (int64, error) }
	if refundedCents == originalCents {
		res, err = tx.ExecContext(ctx, `
			UPDATE ledger.allocations
			SET amount_cents = 0, status = 'refunded', updated_at = NOW()
			WHERE charge_id = $1 AND status = 'active'
		`, chargeID)
	} else {
		// Integer ratio applied per row: amount * (original - refunded) / original.
		res, err = tx.ExecContext(ctx, `
			UPDATE ledger.allocations
			SET amount_cents = (amount_cents * ($2 - $3)) / $2,
			    status = 'at_risk',
			    updated_at = NOW()
			WHERE charge_id = $1 AND status = 'active'
		`, chargeID, originalCents, refundedCents)
	}
	if err != nil {
		return fmt.Errorf("failed to apply refund batch: %w", err)
	}
	affected, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refund batch: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"charge_id":      chargeID,
		"refunded_cents": refundedCents,
		"original_cents": originalCents,
		"allocations":    affected,
	}).Info("Applied refund to allocations")
	return nil
}

// OpenDispute freezes every allocation tied to the disputed charge: status
// becomes disputed, the current amount is recorded in frozen_cents for
// later restoration, and the live amount drops to zero so the allocations
// are excluded from earnings and balance aggregates.
func (s *Store) OpenDispute(ctx context.Context, chargeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dispute freeze: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE ledger.allocations
		SET frozen_cents = amount_cents,
		    amount_cents = 0,
		    status = 'disputed',
		    updated_at = NOW()
		WHERE charge_id = $1 AND status = 'active'
	`, chargeID)
	if err != nil {
		return fmt.Errorf("failed to freeze disputed allocations: %w", err)
	}
	affected, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dispute freeze: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"charge_id":   chargeID,
		"allocations": affected,
	}).Warn("Froze allocations for disputed charge")
	return nil
}

// ResolveDisputeWon restores frozen allocations to active with their
// original amounts.
func (s *Store) ResolveDisputeWon(ctx context.Context, chargeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dispute restore: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger.allocations
		SET amount_cents = frozen_cents,
		    frozen_cents = 0,
		    status = 'active',
		    updated_at = NOW()
		WHERE charge_id = $1 AND status = 'disputed'
	`, chargeID)
	if err != nil {
		return fmt.Errorf("failed to restore disputed allocations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dispute restore: %w", err)
	}

	s.logger.WithFields(logging.Fields{"charge_id": chargeID}).Info("Dispute won, allocations restored")
	return nil
}

// ResolveDisputeLost zeroes frozen allocations permanently: the money is
// gone, the rows become refunded and the payer's balance recalculates from
// what remains.
func (s *Store) ResolveDisputeLost(ctx context.Context, chargeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dispute writeoff: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger.allocations
		SET amount_cents = 0,
		    frozen_cents = 0,
		    status = 'refunded',
		    updated_at = NOW()
		WHERE charge_id = $1 AND status = 'disputed'
	`, chargeID)
	if err != nil {
		return fmt.Errorf("failed to write off disputed allocations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dispute writeoff: %w", err)
	}

	s.logger.WithFields(logging.Fields{"charge_id": chargeID}).Warn("Dispute lost, allocations written off")
	return nil
}
