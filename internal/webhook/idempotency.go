package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"creatorfund/ledger/pkg/logging"
)

// ErrDuplicateEvent means the event id has already been claimed. Callers
// treat it as success and return without reprocessing; delivery is
// at-least-once.
var ErrDuplicateEvent = errors.New("duplicate webhook event")

// Markers owns the idempotency records for provider event ids.
type Markers struct {
	db     *sql.DB
	logger logging.Logger
}

func NewMarkers(db *sql.DB, logger logging.Logger) *Markers {
	return &Markers{db: db, logger: logger}
}

// Claim atomically records first sight of an event id. Exactly one caller
// per id ever proceeds; everyone else gets ErrDuplicateEvent. A failed
// marker is retained, so redelivery of a known-bad event is also a
// duplicate rather than an unbounded reprocessing loop.
func (m *Markers) Claim(ctx context.Context, eventID, eventType string) error {
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO ledger.webhook_events (event_id, event_type, status, created_at, updated_at)
		VALUES ($1, $2, 'processing', NOW(), NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return fmt.Errorf("failed to claim webhook event: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("event %s: %w", eventID, ErrDuplicateEvent)
	}
	return nil
}

// Complete marks a claimed event as processed.
func (m *Markers) Complete(ctx context.Context, eventID string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE ledger.webhook_events
		SET status = 'completed', updated_at = NOW()
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return fmt.Errorf("failed to complete webhook event: %w", err)
	}
	return nil
}

// Fail records a processing failure with its message. The marker stays in
// place as an audit trail.
func (m *Markers) Fail(ctx context.Context, eventID, message string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE ledger.webhook_events
		SET status = 'failed', message = $2, updated_at = NOW()
		WHERE event_id = $1
	`, eventID, message)
	if err != nil {
		return fmt.Errorf("failed to mark webhook event failed: %w", err)
	}
	return nil
}

// Purge deletes markers older than the retention window, in batches, and
// returns the total removed.
func (m *Markers) Purge(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	cutoff := time.Now().Add(-retention)

	var total int64
	for {
		res, err := m.db.ExecContext(ctx, `
			DELETE FROM ledger.webhook_events
			WHERE event_id IN (
				SELECT event_id FROM ledger.webhook_events
				WHERE created_at < $1
				LIMIT $2
			)
		`, cutoff, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to purge webhook events: %w", err)
		}
		deleted, _ := res.RowsAffected()
		total += deleted
		if deleted < int64(batchSize) {
			break
		}
	}

	if total > 0 {
		m.logger.WithFields(logging.Fields{
			"deleted": total,
			"cutoff":  cutoff,
		}).Info("Purged expired webhook markers")
	}
	return total, nil
}
