package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/payout"
	"creatorfund/ledger/pkg/logging"
)

// Event is the provider's webhook envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type transferObject struct {
	ID          string `json:"id"`
	FailureCode string `json:"failure_code"`
}

type chargeObject struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
}

type disputeObject struct {
	ID     string `json:"id"`
	Charge string `json:"charge"`
	Status string `json:"status"`
}

// Dispatcher routes verified provider events to the subsystem that owns
// them, behind the idempotency layer: each event id is processed at most
// once no matter how often the provider redelivers it.
type Dispatcher struct {
	markers *Markers
	store   *ledger.Store
	payouts *payout.Service
	logger  logging.Logger
}

func NewDispatcher(markers *Markers, store *ledger.Store, payouts *payout.Service, logger logging.Logger) *Dispatcher {
	return &Dispatcher{markers: markers, store: store, payouts: payouts, logger: logger}
}

// Handle claims the event id and applies the event. ErrDuplicateEvent is
// returned for redeliveries; callers answer those with success.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("invalid webhook payload: %w", ledger.ErrValidation)
	}
	if ev.ID == "" {
		return fmt.Errorf("webhook event missing id: %w", ledger.ErrValidation)
	}

	if err := d.markers.Claim(ctx, ev.ID, ev.Type); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			d.logger.WithFields(logging.Fields{
				"event_id":   ev.ID,
				"event_type": ev.Type,
			}).Debug("Webhook event already processed, skipping")
		}
		return err
	}

	if err := d.apply(ctx, ev); err != nil {
		d.logger.WithFields(logging.Fields{
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"error":      err,
		}).Error("Webhook event processing failed")
		if failErr := d.markers.Fail(ctx, ev.ID, err.Error()); failErr != nil {
			d.logger.WithFields(logging.Fields{"event_id": ev.ID, "error": failErr}).
				Error("Failed to record webhook failure")
		}
		return err
	}

	return d.markers.Complete(ctx, ev.ID)
}

func (d *Dispatcher) apply(ctx context.Context, ev Event) error {
	switch {
	case ev.Type == "transfer.paid":
		var t transferObject
		if err := json.Unmarshal(ev.Data.Object, &t); err != nil {
			return fmt.Errorf("invalid transfer object: %w", err)
		}
		return d.payouts.HandleTransferPaid(ctx, t.ID)

	case ev.Type == "transfer.failed":
		var t transferObject
		if err := json.Unmarshal(ev.Data.Object, &t); err != nil {
			return fmt.Errorf("invalid transfer object: %w", err)
		}
		code := t.FailureCode
		if code == "" {
			code = "unknown"
		}
		return d.payouts.HandleTransferFailed(ctx, t.ID, code)

	case ev.Type == "transfer.reversed":
		var t transferObject
		if err := json.Unmarshal(ev.Data.Object, &t); err != nil {
			return fmt.Errorf("invalid transfer object: %w", err)
		}
		return d.payouts.HandleTransferReversed(ctx, t.ID)

	case ev.Type == "charge.refunded":
		var c chargeObject
		if err := json.Unmarshal(ev.Data.Object, &c); err != nil {
			return fmt.Errorf("invalid charge object: %w", err)
		}
		return d.store.ApplyRefund(ctx, c.ID, c.AmountRefunded, c.Amount)

	case ev.Type == "charge.dispute.created":
		var dp disputeObject
		if err := json.Unmarshal(ev.Data.Object, &dp); err != nil {
			return fmt.Errorf("invalid dispute object: %w", err)
		}
		return d.store.OpenDispute(ctx, dp.Charge)

	case ev.Type == "charge.dispute.closed":
		var dp disputeObject
		if err := json.Unmarshal(ev.Data.Object, &dp); err != nil {
			return fmt.Errorf("invalid dispute object: %w", err)
		}
		if dp.Status == "won" {
			return d.store.ResolveDisputeWon(ctx, dp.Charge)
		}
		return d.store.ResolveDisputeLost(ctx, dp.Charge)

	case ev.Type == "transfer.created",
		ev.Type == "account.updated",
		strings.HasPrefix(ev.Type, "payout."):
		// Informational: the platform-level payout and account events are
		// logged and acknowledged.
		d.logger.WithFields(logging.Fields{
			"event_id":   ev.ID,
			"event_type": ev.Type,
		}).Info("Acknowledged provider event")
		return nil

	default:
		d.logger.WithFields(logging.Fields{
			"event_id":   ev.ID,
			"event_type": ev.Type,
		}).Debug("Ignoring unhandled provider event type")
		return nil
	}
}
