package payout

import (
	"context"
	"database/sql"
	"fmt"

	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/notify"
	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/models"
)

// ListPendingApprovals returns the manual review queue, oldest first.
func (s *Service) ListPendingApprovals(ctx context.Context) ([]models.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payout_id, flags, status, COALESCE(reviewed_by, ''), COALESCE(notes, ''),
		       created_at, reviewed_at
		FROM ledger.approval_requests
		WHERE status = 'pending'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []models.ApprovalRequest
	for rows.Next() {
		var a models.ApprovalRequest
		if err := rows.Scan(&a.ID, &a.PayoutID, &a.Flags, &a.Status,
			&a.ReviewedBy, &a.Notes, &a.CreatedAt, &a.ReviewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// Decide resolves one approval request. An approved payout resumes the
// state machine and goes to the provider; a rejected one is blocked and
// its earnings released back to the user.
func (s *Service) Decide(ctx context.Context, approvalID, reviewer, action, notes string) error {
	if action != models.ApprovalApproved && action != models.ApprovalRejected {
		return fmt.Errorf("unknown approval action %q: %w", action, ledger.ErrValidation)
	}

	var payoutID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE ledger.approval_requests
		SET status = $2, reviewed_by = $3, notes = $4, reviewed_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING payout_id
	`, approvalID, action, reviewer, notes).Scan(&payoutID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("pending approval %s: %w", approvalID, ledger.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to record approval decision: %w", err)
	}

	var p models.PayoutRequest
	err = s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount_cents, retry_count
		FROM ledger.payout_requests
		WHERE id = $1 AND status = 'pending_approval'
	`, payoutID).Scan(&p.ID, &p.UserID, &p.AmountCents, &p.RetryCount)
	if err == sql.ErrNoRows {
		// Cancelled while under review; the decision stands on record.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load payout for decision: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"approval_id": approvalID,
		"payout_id":   payoutID,
		"action":      action,
		"reviewed_by": reviewer,
	}).Info("Approval decision recorded")

	if action == models.ApprovalRejected {
		if err := s.setStatus(ctx, payoutID, models.PayoutBlocked, "approval_rejected"); err != nil {
			return err
		}
		s.notifier.Dispatch(ctx, notify.Notification{
			Recipient: p.UserID,
			Kind:      "payout_rejected",
			Subject:   "Your payout was declined",
			Body:      fmt.Sprintf("Payout %s was declined after review; the amount remains in your available earnings", payoutID),
			Metadata:  map[string]string{"payout_id": payoutID},
		})
		return nil
	}

	if err := s.setStatus(ctx, payoutID, models.PayoutPending, ""); err != nil {
		return err
	}
	p.Status = models.PayoutPending
	s.submit(ctx, &p)
	return nil
}
