package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"creatorfund/ledger/internal/earnings"
	"creatorfund/ledger/internal/ledger"
	"creatorfund/ledger/internal/webhook"
	"creatorfund/ledger/pkg/logging"
	"creatorfund/ledger/pkg/middleware"
	"creatorfund/ledger/pkg/models"
)

func currentMonth() string {
	return time.Now().UTC().Format("2006-01")
}

// SetAllocation upserts the caller's funding decision for one recipient
func SetAllocation(c middleware.Context) {
	userID := c.GetString("user_id")

	var req SetAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.Month == "" {
		req.Month = currentMonth()
	}

	alloc, err := allocations.SetAllocation(c.Request.Context(), models.Allocation{
		PayerID:       userID,
		RecipientType: req.RecipientType,
		RecipientID:   req.RecipientID,
		Month:         req.Month,
		AmountCents:   req.AmountCents,
		ChargeID:      req.ChargeID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrValidation):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		default:
			logger.WithFields(logging.Fields{
				"payer_id": userID,
				"error":    err,
			}).Error("Failed to set allocation")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to set allocation"})
		}
		return
	}

	if metrics != nil {
		metrics.AllocationWrites.WithLabelValues("set").Inc()
	}
	c.JSON(http.StatusOK, alloc)
}

// GetBalance returns the authenticated payer's balance with the live
// funding estimate
func GetBalance(c middleware.Context) {
	respondBalance(c, c.GetString("user_id"))
}

// GetBalanceByID is the service-to-service balance lookup
func GetBalanceByID(c middleware.Context) {
	respondBalance(c, c.Param("user_id"))
}

func respondBalance(c middleware.Context, userID string) {
	ctx := c.Request.Context()
	month := c.DefaultQuery("month", currentMonth())

	// A payer entering a fresh month carries their intent forward once.
	if _, err := store.BackfillMonth(ctx, userID, month); err != nil {
		logger.WithFields(logging.Fields{"user_id": userID, "error": err}).
			Error("Backfill failed")
	}

	balance, err := store.GetBalance(ctx, userID, month)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "No balance for user"})
			return
		}
		logger.WithFields(logging.Fields{"user_id": userID, "error": err}).
			Error("Failed to fetch balance")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch balance"})
		return
	}

	estimate, err := earnings.EstimateMonth(ctx, store, userID, month)
	if err != nil {
		logger.WithFields(logging.Fields{"user_id": userID, "error": err}).
			Warn("Funding estimate unavailable")
		estimate = nil
	}

	c.JSON(http.StatusOK, BalanceResponse{Balance: balance, Estimate: estimate, IsEstimate: true})
}

// RequestPayout creates and validates a payout of available earnings
func RequestPayout(c middleware.Context) {
	userID := c.GetString("user_id")

	var req RequestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	p, err := payouts.Request(c.Request.Context(), userID, req.AmountCents)
	if err != nil {
		if errors.Is(err, ledger.ErrValidation) {
			resp := ErrorResponse{Error: err.Error()}
			if p != nil {
				// The blocked request is persisted for audit.
				c.JSON(http.StatusUnprocessableEntity, p)
				return
			}
			c.JSON(http.StatusUnprocessableEntity, resp)
			return
		}
		logger.WithFields(logging.Fields{"user_id": userID, "error": err}).
			Error("Failed to create payout")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to create payout"})
		return
	}

	if metrics != nil {
		metrics.PayoutTransitions.WithLabelValues(p.Status).Inc()
	}
	c.JSON(http.StatusCreated, p)
}

// CancelPayout withdraws a payout that has not reached the provider yet
func CancelPayout(c middleware.Context) {
	userID := c.GetString("user_id")
	payoutID := c.Param("id")

	err := payouts.Cancel(c.Request.Context(), payoutID, userID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Payout not found"})
		case errors.Is(err, ledger.ErrValidation):
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		default:
			logger.WithFields(logging.Fields{"payout_id": payoutID, "error": err}).
				Error("Failed to cancel payout")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to cancel payout"})
		}
		return
	}

	if metrics != nil {
		metrics.PayoutTransitions.WithLabelValues(models.PayoutCancelled).Inc()
	}
	c.JSON(http.StatusOK, map[string]string{"status": models.PayoutCancelled})
}

// ListApprovals returns the pending manual review queue
func ListApprovals(c middleware.Context) {
	approvals, err := payouts.ListPendingApprovals(c.Request.Context())
	if err != nil {
		logger.WithFields(logging.Fields{"error": err}).Error("Failed to list approvals")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list approvals"})
		return
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"approvals": approvals,
		"count":     len(approvals),
	})
}

// DecideApproval records an admin's approve/reject decision
func DecideApproval(c middleware.Context) {
	approvalID := c.Param("id")
	reviewer := c.GetString("user_id")

	var req ApprovalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	err := payouts.Decide(c.Request.Context(), approvalID, reviewer, req.Action, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrValidation):
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "No pending approval with that id"})
		default:
			logger.WithFields(logging.Fields{"approval_id": approvalID, "error": err}).
				Error("Failed to record approval decision")
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to record decision"})
		}
		return
	}
	c.JSON(http.StatusOK, map[string]string{"status": req.Action})
}

// GetPlatformHealth returns the latest balance snapshot
func GetPlatformHealth(c middleware.Context) {
	snapshot, err := balances.Latest(c.Request.Context())
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "No snapshots recorded yet"})
			return
		}
		logger.WithFields(logging.Fields{"error": err}).Error("Failed to fetch latest snapshot")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch snapshot"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GetRecentSnapshots returns the last n balance snapshots
func GetRecentSnapshots(c middleware.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "30"))
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "n must be a positive integer"})
		return
	}
	if n > 365 {
		n = 365
	}

	snapshots, err := balances.Recent(c.Request.Context(), n)
	if err != nil {
		logger.WithFields(logging.Fields{"error": err}).Error("Failed to list snapshots")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list snapshots"})
		return
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"snapshots": snapshots,
		"count":     len(snapshots),
	})
}

// ProviderWebhook is the inbound payment-provider event entry point
func ProviderWebhook(c middleware.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Failed to read body"})
		return
	}

	if webhookSecret == "" {
		logger.Error("Provider webhook secret not configured; rejecting webhook")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Webhook verification not configured"})
		return
	}
	if !webhook.VerifySignature(body, c.GetHeader("Stripe-Signature"), webhookSecret) {
		logger.Warn("Invalid provider webhook signature")
		if metrics != nil {
			metrics.SignatureFailures.WithLabelValues("provider").Inc()
		}
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid signature"})
		return
	}

	err = events.Handle(c.Request.Context(), body)
	switch {
	case err == nil:
		if metrics != nil {
			metrics.WebhookEvents.WithLabelValues("processed").Inc()
		}
		c.JSON(http.StatusOK, map[string]string{"status": "processed"})
	case errors.Is(err, webhook.ErrDuplicateEvent):
		// At-least-once delivery: a duplicate is success, nothing reruns.
		c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, ledger.ErrValidation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	default:
		if metrics != nil {
			metrics.WebhookEvents.WithLabelValues("failed").Inc()
		}
		// Non-2xx so the provider redelivers; the idempotency marker keeps
		// the retry from double-processing anything that already landed.
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Event processing failed"})
	}
}
