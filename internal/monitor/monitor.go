package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"creatorfund/ledger/internal/config"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/notify"
	"creatorfund/ledger/internal/payout"
	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/models"
)

// ErrReconciliation means ledger totals disagree with the provider-reported
// balance. It is surfaced as a critical alert, never auto-corrected.
var ErrReconciliation = errors.New("ledger does not reconcile with provider balance")

// Monitor runs the daily platform balance health check. Every run appends
// one immutable snapshot, healthy or not, so later trend queries have the
// full series.
type Monitor struct {
	db       *sql.DB
	store    *ledger.Store
	provider payout.Provider
	limits   config.Limits
	notifier notify.Dispatcher
	logger   logging.Logger
}

func New(db *sql.DB, store *ledger.Store, provider payout.Provider,
	limits config.Limits, notifier notify.Dispatcher, logger logging.Logger) *Monitor {
	return &Monitor{
		db:       db,
		store:    store,
		provider: provider,
		limits:   limits,
		notifier: notifier,
		logger:   logger,
	}
}

// Run computes the day's snapshot and dispatches alerts. A reconciliation
// mismatch still appends the snapshot before the error is returned.
func (m *Monitor) Run(ctx context.Context) (*models.BalanceSnapshot, error) {
	available, err := m.provider.AvailableBalance(ctx)
	if err != nil {
		m.notifier.Dispatch(ctx, notify.Notification{
			Recipient: "admins",
			Kind:      "balance_alert",
			Subject:   "Platform balance check failed",
			Body:      fmt.Sprintf("Provider balance unavailable: %v", err),
		})
		return nil, fmt.Errorf("failed to read provider balance: %w", err)
	}

	obligations, err := m.store.PendingObligationCents(ctx)
	if err != nil {
		return nil, err
	}
	reserve := int64(float64(obligations) * m.limits.ReserveMultiplier)
	status := m.classify(available, reserve)

	snapshot := &models.BalanceSnapshot{
		ID:                     uuid.New().String(),
		SnapshotDate:           time.Now().UTC().Truncate(24 * time.Hour),
		AvailableCents:         available,
		PendingObligationCents: obligations,
		RequiredReserveCents:   reserve,
		ThresholdStatus:        status,
	}
	if _, err := m.db.ExecContext(ctx, `
		INSERT INTO ledger.balance_snapshots
			(id, snapshot_date, available_cents, pending_obligation_cents,
			 required_reserve_cents, threshold_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, snapshot.ID, snapshot.SnapshotDate, snapshot.AvailableCents,
		snapshot.PendingObligationCents, snapshot.RequiredReserveCents,
		snapshot.ThresholdStatus); err != nil {
		return nil, fmt.Errorf("failed to append balance snapshot: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"available_cents":  available,
		"obligation_cents": obligations,
		"reserve_cents":    reserve,
		"status":           status,
	}).Info("Recorded platform balance snapshot")

	if status == models.BalanceCritical || status == models.BalanceDepleted {
		m.notifier.Dispatch(ctx, notify.Notification{
			Recipient: "admins",
			Kind:      "balance_alert",
			Subject:   fmt.Sprintf("Platform balance %s", status),
			Body: fmt.Sprintf("Available $%.2f against required reserve $%.2f",
				float64(available)/100, float64(reserve)/100),
			Metadata: map[string]string{"status": status},
		})
	}

	if declining, delta := m.sustainedDecline(ctx); declining {
		m.notifier.Dispatch(ctx, notify.Notification{
			Recipient: "admins",
			Kind:      "balance_alert",
			Subject:   "Platform balance in sustained decline",
			Body: fmt.Sprintf("Average daily change of $%.2f over the last %d days",
				float64(delta)/100, m.limits.TrendWindowDays),
		})
	}

	if available < obligations {
		m.notifier.Dispatch(ctx, notify.Notification{
			Recipient: "admins",
			Kind:      "balance_alert",
			Subject:   "Reconciliation mismatch",
			Body: fmt.Sprintf("Provider balance $%.2f is below pending obligations $%.2f",
				float64(available)/100, float64(obligations)/100),
		})
		return snapshot, fmt.Errorf("available %d below obligations %d: %w",
			available, obligations, ErrReconciliation)
	}

	return snapshot, nil
}

// classify uses both the absolute floors and the reserve ratio; the worse
// of the two verdicts wins.
func (m *Monitor) classify(available, reserve int64) string {
	switch {
	case available <= 0:
		return models.BalanceDepleted
	case available < m.limits.CriticalFloorCents || available < reserve/2:
		return models.BalanceCritical
	case available < m.limits.WarningFloorCents || available < reserve:
		return models.BalanceWarning
	default:
		return models.BalanceHealthy
	}
}

// sustainedDecline reports whether the rolling trend window shows an
// average daily drop beyond the configured threshold.
func (m *Monitor) sustainedDecline(ctx context.Context) (bool, int64) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT available_cents
		FROM ledger.balance_snapshots
		ORDER BY snapshot_date DESC
		LIMIT $1
	`, m.limits.TrendWindowDays)
	if err != nil {
		m.logger.WithFields(logging.Fields{"error": err}).Error("Failed to read snapshot trend")
		return false, 0
	}
	defer rows.Close()

	var series []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return false, 0
		}
		series = append(series, v)
	}
	if len(series) < m.limits.TrendWindowDays || len(series) < 2 {
		return false, 0
	}

	// series is newest-first: negative delta means decline.
	days := int64(len(series) - 1)
	avgDelta := (series[0] - series[len(series)-1]) / days
	return avgDelta < -m.limits.DeclineFlagCentsPerDay, avgDelta
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest(ctx context.Context) (*models.BalanceSnapshot, error) {
	snapshots, err := m.Recent(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("no balance snapshots: %w", ledger.ErrNotFound)
	}
	return &snapshots[0], nil
}

// Recent returns the last n snapshots, newest first.
func (m *Monitor) Recent(ctx context.Context, n int) ([]models.BalanceSnapshot, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, snapshot_date, available_cents, pending_obligation_cents,
		       required_reserve_cents, threshold_status, created_at
		FROM ledger.balance_snapshots
		ORDER BY snapshot_date DESC
		LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []models.BalanceSnapshot
	for rows.Next() {
		var s models.BalanceSnapshot
		if err := rows.Scan(&s.ID, &s.SnapshotDate, &s.AvailableCents,
			&s.PendingObligationCents, &s.RequiredReserveCents,
			&s.ThresholdStatus, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}
