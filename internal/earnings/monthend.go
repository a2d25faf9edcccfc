package earnings

import (
	"context"
	"database/sql"
	"fmt"

	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/models"
)

// Processor drives the month-end close:
// Open → Locking → Locked → EarningsComputed → Distributed → Closed.
// Every transition is idempotent and re-entrant so a crash mid-run can
// simply be retried from the persisted state.
type Processor struct {
	db     *sql.DB
	logger logging.Logger
}

func NewProcessor(db *sql.DB, logger logging.Logger) *Processor {
	return &Processor{db: db, logger: logger}
}

// Run advances the given month (label "YYYY-MM") through every remaining
// state until Closed.
func (p *Processor) Run(ctx context.Context, month string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger.month_closes (month, state)
		VALUES ($1, 'open')
		ON CONFLICT (month) DO NOTHING
	`, month)
	if err != nil {
		return fmt.Errorf("failed to ensure month close row: %w", err)
	}

	for {
		var state string
		err := p.db.QueryRowContext(ctx,
			`SELECT state FROM ledger.month_closes WHERE month = $1`, month).Scan(&state)
		if err != nil {
			return fmt.Errorf("failed to read month state: %w", err)
		}

		p.logger.WithFields(logging.Fields{"month": month, "state": state}).Info("Month-end step")

		switch state {
		case models.MonthOpen, models.MonthLocking:
			err = p.lock(ctx, month)
		case models.MonthLocked:
			err = p.compute(ctx, month)
		case models.MonthEarningsComputed:
			err = p.distribute(ctx, month)
		case models.MonthDistributed:
			err = p.close(ctx, month)
		case models.MonthClosed:
			return nil
		default:
			return fmt.Errorf("month %s in unknown state %q", month, state)
		}
		if err != nil {
			return err
		}
	}
}

// lock writes an immutable snapshot of the month's active allocations,
// joined with each payer's subscription amount. Live allocation rows are
// not touched, keeping live state and historical reporting decoupled.
func (p *Processor) lock(ctx context.Context, month string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lock: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger.month_closes SET state = 'locking' WHERE month = $1
	`, month); err != nil {
		return fmt.Errorf("failed to enter locking state: %w", err)
	}

	// Re-entrant: a partial earlier snapshot is discarded and rebuilt.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM ledger.allocation_snapshots WHERE month = $1`, month); err != nil {
		return fmt.Errorf("failed to clear partial snapshot: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.allocation_snapshots
			(month, payer_id, recipient_type, recipient_id, amount_cents, subscription_cents, created_at)
		SELECT a.month, a.payer_id, a.recipient_type, a.recipient_id, a.amount_cents,
		       COALESCE((
		           SELECT b.total_cents FROM ledger.balances b
		           WHERE b.user_id = a.payer_id AND to_char(b.period_start, 'YYYY-MM') <= a.month
		           ORDER BY b.period_start DESC LIMIT 1
		       ), 0),
		       NOW()
		FROM ledger.allocations a
		WHERE a.month = $1 AND a.status = 'active'
	`, month)
	if err != nil {
		return fmt.Errorf("failed to write allocation snapshot: %w", err)
	}
	snapshotted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger.month_closes SET state = 'locked', locked_at = NOW() WHERE month = $1
	`, month); err != nil {
		return fmt.Errorf("failed to enter locked state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock: %w", err)
	}

	p.logger.WithFields(logging.Fields{
		"month":       month,
		"allocations": snapshotted,
	}).Info("Locked month allocation snapshot")
	return nil
}

// compute applies the funding ratio over the locked snapshot and writes one
// pending EarningsRecord per recipient. Re-running for a month whose
// records already exist is a no-op.
func (p *Processor) compute(ctx context.Context, month string) error {
	var existing int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger.earnings WHERE month = $1`, month).Scan(&existing)
	if err != nil {
		return fmt.Errorf("failed to check existing earnings: %w", err)
	}
	if existing > 0 {
		p.logger.WithFields(logging.Fields{"month": month, "records": existing}).
			Info("Earnings already computed for month, skipping")
		return p.markComputed(ctx, month)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT payer_id, recipient_type, recipient_id, amount_cents, subscription_cents
		FROM ledger.allocation_snapshots
		WHERE month = $1
		ORDER BY payer_id, recipient_type, recipient_id
	`, month)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	defer rows.Close()

	type payerSnapshot struct {
		subscriptionCents int64
		shares            []Share
	}
	payerOrder := []string{}
	payers := map[string]*payerSnapshot{}
	for rows.Next() {
		var payerID string
		var share Share
		var subscriptionCents int64
		if err := rows.Scan(&payerID, &share.RecipientType, &share.RecipientID,
			&share.AmountCents, &subscriptionCents); err != nil {
			return fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		ps, ok := payers[payerID]
		if !ok {
			ps = &payerSnapshot{subscriptionCents: subscriptionCents}
			payers[payerID] = ps
			payerOrder = append(payerOrder, payerID)
		}
		ps.shares = append(ps.shares, share)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	fundedByRecipient := map[string]int64{}
	recipientOrder := []string{}
	for _, payerID := range payerOrder {
		ps := payers[payerID]
		for _, f := range ComputeFunded(ps.subscriptionCents, ps.shares) {
			if _, ok := fundedByRecipient[f.RecipientID]; !ok {
				recipientOrder = append(recipientOrder, f.RecipientID)
			}
			fundedByRecipient[f.RecipientID] += f.FundedCents
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin earnings write: %w", err)
	}
	defer tx.Rollback()

	for _, recipientID := range recipientOrder {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger.earnings (recipient_id, month, funded_cents, status, created_at, updated_at)
			VALUES ($1, $2, $3, 'pending', NOW(), NOW())
			ON CONFLICT (recipient_id, month) DO NOTHING
		`, recipientID, month, fundedByRecipient[recipientID]); err != nil {
			return fmt.Errorf("failed to write earnings record: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger.month_closes SET state = 'earnings_computed', computed_at = NOW() WHERE month = $1
	`, month); err != nil {
		return fmt.Errorf("failed to enter earnings_computed state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit earnings write: %w", err)
	}

	p.logger.WithFields(logging.Fields{
		"month":      month,
		"recipients": len(recipientOrder),
		"payers":     len(payerOrder),
	}).Info("Computed month earnings")
	return nil
}

func (p *Processor) markComputed(ctx context.Context, month string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE ledger.month_closes SET state = 'earnings_computed', computed_at = NOW() WHERE month = $1
	`, month)
	if err != nil {
		return fmt.Errorf("failed to enter earnings_computed state: %w", err)
	}
	return nil
}

// distribute records each payer's unallocated remainder as platform revenue
// (use it or lose it, never refunded) and explicitly releases the month's
// pending earnings to available, making them payout-eligible.
func (p *Processor) distribute(ctx context.Context, month string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin distribute: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.platform_revenue (month, payer_id, amount_cents, created_at)
		SELECT month, payer_id, MAX(subscription_cents) - SUM(amount_cents), NOW()
		FROM ledger.allocation_snapshots
		WHERE month = $1
		GROUP BY month, payer_id
		HAVING MAX(subscription_cents) - SUM(amount_cents) > 0
		ON CONFLICT (month, payer_id) DO NOTHING
	`, month); err != nil {
		return fmt.Errorf("failed to record platform revenue: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE ledger.earnings
		SET status = 'available', updated_at = NOW()
		WHERE month = $1 AND status = 'pending'
	`, month)
	if err != nil {
		return fmt.Errorf("failed to release earnings: %w", err)
	}
	released, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger.month_closes SET state = 'distributed', distributed_at = NOW() WHERE month = $1
	`, month); err != nil {
		return fmt.Errorf("failed to enter distributed state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit distribute: %w", err)
	}

	p.logger.WithFields(logging.Fields{
		"month":    month,
		"released": released,
	}).Info("Distributed month earnings")
	return nil
}

func (p *Processor) close(ctx context.Context, month string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE ledger.month_closes SET state = 'closed', closed_at = NOW() WHERE month = $1
	`, month)
	if err != nil {
		return fmt.Errorf("failed to close month: %w", err)
	}
	p.logger.WithFields(logging.Fields{"month": month}).Info("Closed month")
	return nil
}
