package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"creatorfund/ledger/internal/config"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/notify"
	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/models"
)

// Service drives payout requests through their state machine:
// requested → validated → {blocked | pending_approval | pending} →
// processing → completed, with bounded retries on transient provider
// failures and atomic earnings restoration on permanent ones.
type Service struct {
	db        *sql.DB
	store     *ledger.Store
	validator *Validator
	provider  Provider
	limits    config.Limits
	notifier  notify.Dispatcher
	logger    logging.Logger
}

func NewService(db *sql.DB, store *ledger.Store, validator *Validator, provider Provider,
	limits config.Limits, notifier notify.Dispatcher, logger logging.Logger) *Service {
	return &Service{
		db:        db,
		store:     store,
		validator: validator,
		provider:  provider,
		limits:    limits,
		notifier:  notifier,
		logger:    logger,
	}
}

// Request creates a payout for the user's available earnings and runs it
// through validation. Hard rejections persist a blocked request and return
// ErrValidation; flagged requests park in the approval queue; clean
// requests are submitted to the provider immediately.
func (s *Service) Request(ctx context.Context, userID string, amountCents int64) (*models.PayoutRequest, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("payout amount must be positive: %w", ledger.ErrValidation)
	}

	available, err := s.store.AvailableEarningsCents(ctx, userID)
	if err != nil {
		return nil, err
	}
	if amountCents > available {
		return nil, fmt.Errorf("payout %d exceeds available earnings %d: %w",
			amountCents, available, ledger.ErrValidation)
	}

	// Validate before persisting anything: the counting rules must not see
	// the request they are judging, and a validator error must not leave an
	// orphaned row holding a debit.
	decision, err := s.validator.Validate(ctx, userID, amountCents, time.Now())
	if err != nil {
		return nil, err
	}

	p := &models.PayoutRequest{
		ID:          uuid.New().String(),
		UserID:      userID,
		AmountCents: amountCents,
	}

	if decision.Reject {
		p.Status = models.PayoutBlocked
		p.FailureCode = decision.Reason
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO ledger.payout_requests
				(id, user_id, amount_cents, status, failure_code, retry_count, flags, created_at, updated_at)
			VALUES ($1, $2, $3, 'blocked', $4, 0, '[]', NOW(), NOW())
		`, p.ID, p.UserID, p.AmountCents, p.FailureCode)
		if err != nil {
			return nil, fmt.Errorf("failed to record blocked payout request: %w", err)
		}
		s.logger.WithFields(logging.Fields{
			"payout_id": p.ID,
			"user_id":   userID,
			"amount":    amountCents,
			"reason":    decision.Reason,
		}).Warn("Payout request rejected")
		return p, fmt.Errorf("payout rejected by %s: %w", decision.Reason, ledger.ErrValidation)
	}

	p.Status = models.PayoutRequested
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger.payout_requests
			(id, user_id, amount_cents, status, retry_count, flags, created_at, updated_at)
		VALUES ($1, $2, $3, 'requested', 0, '[]', NOW(), NOW())
	`, p.ID, p.UserID, p.AmountCents)
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}

	if err := s.setStatus(ctx, p.ID, models.PayoutValidated, ""); err != nil {
		return nil, err
	}

	if len(decision.Flags) > 0 {
		return p, s.parkForApproval(ctx, p, decision.Flags)
	}

	if err := s.setStatus(ctx, p.ID, models.PayoutPending, ""); err != nil {
		return nil, err
	}
	p.Status = models.PayoutPending
	s.submit(ctx, p)
	return p, nil
}

func (s *Service) parkForApproval(ctx context.Context, p *models.PayoutRequest, flags []string) error {
	p.Status = models.PayoutPendingApproval
	p.Flags = flags

	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger.payout_requests
		SET status = 'pending_approval', flags = $2, updated_at = NOW()
		WHERE id = $1
	`, p.ID, models.StringSlice(flags))
	if err != nil {
		return fmt.Errorf("failed to park payout for approval: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger.approval_requests (id, payout_id, flags, status, created_at)
		VALUES ($1, $2, $3, 'pending', NOW())
	`, uuid.New().String(), p.ID, models.StringSlice(flags))
	if err != nil {
		return fmt.Errorf("failed to create approval request: %w", err)
	}

	s.notifier.Dispatch(ctx, notify.Notification{
		Recipient: "admins",
		Kind:      "approval_pending",
		Subject:   "Payout flagged for review",
		Body:      fmt.Sprintf("Payout %s for user %s requires manual review", p.ID, p.UserID),
		Metadata:  map[string]string{"payout_id": p.ID, "flags": fmt.Sprint(flags)},
	})
	return nil
}

// Cancel withdraws a payout while it is still cancellable: once the
// transfer is with the provider the request can only be reversed via
// provider-side refund or dispute handling.
func (s *Service) Cancel(ctx context.Context, payoutID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger.payout_requests
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status IN ('requested', 'pending_approval')
	`, payoutID, userID)
	if err != nil {
		return fmt.Errorf("failed to cancel payout: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM ledger.payout_requests WHERE id = $1 AND user_id = $2`,
			payoutID, userID).Scan(&status)
		if err == sql.ErrNoRows {
			return fmt.Errorf("payout %s: %w", payoutID, ledger.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check payout status: %w", err)
		}
		return fmt.Errorf("payout in status %s cannot be cancelled: %w", status, ledger.ErrValidation)
	}
	return nil
}

// submit moves a pending or due-for-retry payout to processing and hands
// the transfer to the provider. Provider failures are classified here;
// submission errors never propagate to the caller because the request has
// already been accepted.
func (s *Service) submit(ctx context.Context, p *models.PayoutRequest) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger.payout_requests
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'retry_scheduled')
	`, p.ID)
	if err != nil {
		s.logger.WithFields(logging.Fields{"payout_id": p.ID, "error": err}).
			Error("Failed to move payout to processing")
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return
	}
	p.Status = models.PayoutProcessing

	accountID, _, err := s.store.GetPayoutAccount(ctx, p.UserID)
	if err != nil {
		s.handleProviderFailure(ctx, p, &ProviderError{Code: "account_missing", Err: err})
		return
	}

	transferID, err := s.provider.CreateTransfer(ctx, TransferRequest{
		PayoutID:          p.ID,
		ProviderAccountID: accountID,
		AmountCents:       p.AmountCents,
		Attempt:           p.RetryCount,
	})
	if err != nil {
		s.handleProviderFailure(ctx, p, err)
		return
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE ledger.payout_requests
		SET provider_transfer_id = $2, updated_at = NOW()
		WHERE id = $1
	`, p.ID, transferID); err != nil {
		s.logger.WithFields(logging.Fields{"payout_id": p.ID, "error": err}).
			Error("Failed to record provider transfer id")
	}
	p.ProviderTransferID = transferID
}

// handleProviderFailure classifies the error: a fixed set of codes retries
// with doubling backoff up to the configured attempt cap; everything else
// fails permanently. The failed status write itself restores the debited
// earnings because the available figure is derived from payout statuses.
func (s *Service) handleProviderFailure(ctx context.Context, p *models.PayoutRequest, err error) {
	code := FailureCode(err)

	s.logger.WithFields(logging.Fields{
		"payout_id":    p.ID,
		"user_id":      p.UserID,
		"failure_code": code,
		"retry_count":  p.RetryCount,
		"error":        err,
	}).Error("Provider transfer failed")

	if Retryable(code) && p.RetryCount < s.limits.MaxRetries {
		delay := s.limits.RetryBaseDelay << uint(p.RetryCount)
		nextRetry := time.Now().Add(delay)
		if _, err := s.db.ExecContext(ctx, `
			UPDATE ledger.payout_requests
			SET status = 'retry_scheduled', retry_count = retry_count + 1,
			    next_retry_at = $2, failure_code = $3, updated_at = NOW()
			WHERE id = $1
		`, p.ID, nextRetry, code); err != nil {
			s.logger.WithFields(logging.Fields{"payout_id": p.ID, "error": err}).
				Error("Failed to schedule payout retry")
		}
		p.Status = models.PayoutRetryScheduled
		p.RetryCount++
		return
	}

	if err := s.setStatus(ctx, p.ID, models.PayoutFailed, code); err != nil {
		s.logger.WithFields(logging.Fields{"payout_id": p.ID, "error": err}).
			Error("Failed to mark payout failed")
		return
	}
	p.Status = models.PayoutFailed
	p.FailureCode = code

	s.notifier.Dispatch(ctx, notify.Notification{
		Recipient: p.UserID,
		Kind:      "payout_failed",
		Subject:   "Your payout could not be completed",
		Body:      fmt.Sprintf("Payout %s failed permanently (%s); the amount has been returned to your available earnings", p.ID, code),
		Metadata:  map[string]string{"payout_id": p.ID, "failure_code": code},
	})
}

// ProcessDueRetries resubmits every payout whose backoff has elapsed.
func (s *Service) ProcessDueRetries(ctx context.Context, now time.Time) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount_cents, retry_count
		FROM ledger.payout_requests
		WHERE status = 'retry_scheduled' AND next_retry_at <= $1
		ORDER BY next_retry_at
	`, now)
	if err != nil {
		return fmt.Errorf("failed to list due retries: %w", err)
	}
	defer rows.Close()

	var due []*models.PayoutRequest
	for rows.Next() {
		var p models.PayoutRequest
		if err := rows.Scan(&p.ID, &p.UserID, &p.AmountCents, &p.RetryCount); err != nil {
			return fmt.Errorf("failed to scan due retry: %w", err)
		}
		p.Status = models.PayoutRetryScheduled
		due = append(due, &p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range due {
		s.submit(ctx, p)
	}
	return nil
}

// HandleTransferPaid completes the payout for a provider transfer. The
// status guard makes concurrent redeliveries a no-op: only one delivery
// observes processing and performs the transition.
func (s *Service) HandleTransferPaid(ctx context.Context, transferID string) error {
	var payoutID, userID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE ledger.payout_requests
		SET status = 'completed', updated_at = NOW()
		WHERE provider_transfer_id = $1 AND status = 'processing'
		RETURNING id, user_id
	`, transferID).Scan(&payoutID, &userID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete payout: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"payout_id":   payoutID,
		"transfer_id": transferID,
	}).Info("Payout completed")

	return s.store.SweepPaidOut(ctx, userID)
}

// HandleTransferFailed applies a provider-reported failure to the
// in-flight payout.
func (s *Service) HandleTransferFailed(ctx context.Context, transferID, code string) error {
	var p models.PayoutRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount_cents, retry_count, status
		FROM ledger.payout_requests
		WHERE provider_transfer_id = $1
	`, transferID).Scan(&p.ID, &p.UserID, &p.AmountCents, &p.RetryCount, &p.Status)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up payout by transfer: %w", err)
	}
	if p.Status != models.PayoutProcessing {
		return nil
	}

	s.handleProviderFailure(ctx, &p, &ProviderError{Code: code, Err: fmt.Errorf("provider reported failure")})
	return nil
}

// HandleTransferReversed marks a completed payout failed after the provider
// claws the transfer back; the status write restores the earnings.
func (s *Service) HandleTransferReversed(ctx context.Context, transferID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger.payout_requests
		SET status = 'failed', failure_code = 'reversed', updated_at = NOW()
		WHERE provider_transfer_id = $1 AND status = 'completed'
	`, transferID)
	if err != nil {
		return fmt.Errorf("failed to reverse payout: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		s.logger.WithFields(logging.Fields{"transfer_id": transferID}).
			Warn("Provider reversed a completed transfer")
	}
	return nil
}

// GetPayout returns one payout request scoped to its owner.
func (s *Service) GetPayout(ctx context.Context, payoutID, userID string) (*models.PayoutRequest, error) {
	var p models.PayoutRequest
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount_cents, status, flags, retry_count,
		       next_retry_at, COALESCE(failure_code, ''), COALESCE(provider_transfer_id, ''),
		       created_at, updated_at
		FROM ledger.payout_requests
		WHERE id = $1 AND user_id = $2
	`, payoutID, userID).Scan(&p.ID, &p.UserID, &p.AmountCents, &p.Status, &p.Flags,
		&p.RetryCount, &p.NextRetryAt, &p.FailureCode, &p.ProviderTransferID,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payout %s: %w", payoutID, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payout: %w", err)
	}
	return &p, nil
}

func (s *Service) setStatus(ctx context.Context, payoutID, status, failureCode string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE ledger.payout_requests
		SET status = $2, failure_code = $3, updated_at = NOW()
		WHERE id = $1
	`, payoutID, status, failureCode)
	if err != nil {
		return fmt.Errorf("failed to set payout status %s: %w", status, err)
	}
	return nil
}
