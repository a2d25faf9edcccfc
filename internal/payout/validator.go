package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"creatorfund/ledger/internal/config"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/pkg/logging"
)

// Flag and rejection reasons, in rule order.
const (
	ReasonSingleTransactionCap = "single_transaction_cap"
	FlagApprovalThreshold      = "approval_threshold"
	ReasonNewAccountCap        = "new_account_cap"
	ReasonDailyCountCap        = "daily_count_cap"
	ReasonDailyAmountCap       = "daily_amount_cap"
	ReasonMonthlyAmountCap     = "monthly_amount_cap"
	FlagHighFrequency          = "high_frequency"
	FlagLifetimeShare          = "lifetime_share"
	FlagLargeFirstPayout       = "large_first_payout"
)

// Decision is the validator's verdict: a hard rejection with the governing
// rule, or a pass with zero or more flags routing the payout to manual
// approval.
type Decision struct {
	Reject bool
	Reason string
	Flags  []string
}

// Validator applies the limit and fraud rules, in fixed order, with the
// constants injected once at construction. The first rejecting rule
// governs; flagging rules accumulate.
type Validator struct {
	db     *sql.DB
	store  *ledger.Store
	limits config.Limits
	logger logging.Logger
}

func NewValidator(db *sql.DB, store *ledger.Store, limits config.Limits, logger logging.Logger) *Validator {
	return &Validator{db: db, store: store, limits: limits, logger: logger}
}

func (v *Validator) Validate(ctx context.Context, userID string, amountCents int64, now time.Time) (Decision, error) {
	var d Decision

	// Rule 1: single-transaction cap. Always rejects, regardless of any
	// other flag combination.
	if amountCents > v.limits.SingleTransactionCapCents {
		d.Reject = true
		d.Reason = ReasonSingleTransactionCap
		return d, nil
	}

	// Rule 2: approval threshold flags, never blocks.
	if amountCents >= v.limits.ApprovalThresholdCents {
		d.Flags = append(d.Flags, FlagApprovalThreshold)
	}

	// Rule 3: reduced ceiling for young accounts.
	_, registeredAt, err := v.store.GetPayoutAccount(ctx, userID)
	if err != nil {
		return d, err
	}
	accountAge := now.Sub(registeredAt)
	if accountAge < time.Duration(v.limits.NewAccountAgeDays)*24*time.Hour &&
		amountCents > v.limits.NewAccountCapCents {
		d.Reject = true
		d.Reason = ReasonNewAccountCap
		return d, nil
	}

	// Rules 4 and 5: rolling 24h count and amount caps.
	count24h, amount24h, err := v.recentActivity(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return d, err
	}
	if count24h >= v.limits.Rolling24hCountCap {
		d.Reject = true
		d.Reason = ReasonDailyCountCap
		return d, nil
	}
	if amount24h+amountCents > v.limits.Rolling24hAmountCapCents {
		d.Reject = true
		d.Reason = ReasonDailyAmountCap
		return d, nil
	}

	// Rule 6: calendar-month amount cap.
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	_, amountMonth, err := v.recentActivity(ctx, userID, monthStart)
	if err != nil {
		return d, err
	}
	if amountMonth+amountCents > v.limits.MonthlyAmountCapCents {
		d.Reject = true
		d.Reason = ReasonMonthlyAmountCap
		return d, nil
	}

	// Rule 7: suspicious-pattern heuristics. Flag for approval, never
	// hard-block on their own.
	requests24h, err := v.requestCount(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return d, err
	}
	if requests24h+1 > v.limits.FrequencyFlagCount24h {
		d.Flags = append(d.Flags, FlagHighFrequency)
	}

	lifetime, err := v.store.LifetimeEarningsCents(ctx, userID)
	if err != nil {
		return d, err
	}
	if lifetime > 0 && amountCents*100 > lifetime*int64(v.limits.LifetimeShareFlagPercent) {
		d.Flags = append(d.Flags, FlagLifetimeShare)
	}

	completed, err := v.completedCount(ctx, userID)
	if err != nil {
		return d, err
	}
	if completed == 0 && amountCents >= v.limits.FirstPayoutFlagCents {
		d.Flags = append(d.Flags, FlagLargeFirstPayout)
	}

	return d, nil
}

// recentActivity counts payouts that consumed cap room since the cutoff:
// everything the user actually moved or is moving, excluding blocked,
// cancelled and failed requests.
func (v *Validator) recentActivity(ctx context.Context, userID string, since time.Time) (int, int64, error) {
	var count int
	var amount int64
	err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount_cents), 0)
		FROM ledger.payout_requests
		WHERE user_id = $1 AND created_at >= $2
		  AND status NOT IN ('blocked', 'cancelled', 'failed')
	`, userID, since).Scan(&count, &amount)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum recent payout activity: %w", err)
	}
	return count, amount, nil
}

// requestCount counts every request since the cutoff, whatever came of it —
// the frequency heuristic cares about attempts, not outcomes.
func (v *Validator) requestCount(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM ledger.payout_requests
		WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent requests: %w", err)
	}
	return count, nil
}

func (v *Validator) completedCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM ledger.payout_requests
		WHERE user_id = $1 AND status = 'completed'
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed payouts: %w", err)
	}
	return count, nil
}
