package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/models"
)

// Store is the single owner of balance, allocation and earnings mutation.
// Aggregates (allocated/available) are always recomputed from the active
// allocation rows, never read back from stored totals.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

func NewStore(db *sql.DB, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// DB exposes the underlying handle for callers that manage their own
// transactions (month-end processor, webhook layer).
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetBalance returns the user's most recent balance period with
// allocated/available figures derived from the month's active allocations.
// Overspend is permitted: available clamps at zero and the excess is
// reported separately.
func (s *Store) GetBalance(ctx context.Context, userID, month string) (*models.Balance, error) {
	var b models.Balance
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, period_start, total_cents, created_at, updated_at
		FROM ledger.balances
		WHERE user_id = $1
		ORDER BY period_start DESC
		LIMIT 1
	`, userID).Scan(&b.UserID, &b.PeriodStart, &b.TotalCents, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("balance for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM ledger.allocations
		WHERE payer_id = $1 AND month = $2 AND status = 'active'
	`, userID, month).Scan(&b.AllocatedCents)
	if err != nil {
		return nil, fmt.Errorf("failed to sum allocations: %w", err)
	}

	b.AvailableCents = b.TotalCents - b.AllocatedCents
	if b.AvailableCents < 0 {
		b.OverspentCents = -b.AvailableCents
		b.AvailableCents = 0
	}
	return &b, nil
}

// UpsertSubscription creates or supersedes a balance period from a consumed
// subscription-billing event. The deterministic (user, period) key makes
// redelivery safe.
func (s *Store) UpsertSubscription(ctx context.Context, ev models.SubscriptionEvent) error {
	periodStart := time.Date(ev.EffectiveAt.Year(), ev.EffectiveAt.Month(), 1, 0, 0, 0, 0, time.UTC)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger.balances (user_id, period_start, total_cents, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id, period_start)
		DO UPDATE SET total_cents = EXCLUDED.total_cents, updated_at = NOW()
	`, ev.UserID, periodStart, ev.SubscriptionCents)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription balance: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"user_id":            ev.UserID,
		"event_type":         ev.EventType,
		"subscription_cents": ev.SubscriptionCents,
	}).Info("Applied subscription event to balance")
	return nil
}

// PayerExists reports whether the payer has any balance period.
func (s *Store) PayerExists(ctx context.Context, payerID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger.balances WHERE user_id = $1)`,
		payerID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check payer existence: %w", err)
	}
	return exists, nil
}

// RecipientExists reports whether the recipient has a registered payout
// account.
func (s *Store) RecipientExists(ctx context.Context, recipientID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM ledger.payout_accounts WHERE user_id = $1)`,
		recipientID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recipient existence: %w", err)
	}
	return exists, nil
}

// GetPayoutAccount returns the recipient's provider account id and
// registration time, used for transfer destination and the new-account cap.
func (s *Store) GetPayoutAccount(ctx context.Context, userID string) (string, time.Time, error) {
	var providerAccountID string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_account_id, created_at
		FROM ledger.payout_accounts
		WHERE user_id = $1
	`, userID).Scan(&providerAccountID, &createdAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, fmt.Errorf("payout account for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to fetch payout account: %w", err)
	}
	return providerAccountID, createdAt, nil
}

// SubscriptionCents returns the payer's subscription amount for the period
// covering the given month label (YYYY-MM).
func (s *Store) SubscriptionCents(ctx context.Context, payerID, month string) (int64, error) {
	var cents int64
	err := s.db.QueryRowContext(ctx, `
		SELECT total_cents
		FROM ledger.balances
		WHERE user_id = $1 AND to_char(period_start, 'YYYY-MM') <= $2
		ORDER BY period_start DESC
		LIMIT 1
	`, payerID, month).Scan(&cents)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("subscription for payer %s: %w", payerID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch subscription amount: %w", err)
	}
	return cents, nil
}
