package handlers

import (
	"creatorfund/ledger/internal/earnings"
	"creatorfund/ledger/pkg/models"
)

// ErrorResponse is the common error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// SetAllocationRequest is the body for POST /allocations
type SetAllocationRequest struct {
	RecipientType string `json:"recipient_type" binding:"required"`
	RecipientID   string `json:"recipient_id" binding:"required"`
	Month         string `json:"month"`
	AmountCents   int64  `json:"amount_cents"`
	ChargeID      string `json:"charge_id"`
}

// BalanceResponse is the payer-facing balance view. The funding estimate is
// a non-authoritative preview; the month-end batch is the only pipeline
// that writes earnings.
type BalanceResponse struct {
	Balance    *models.Balance           `json:"balance"`
	Estimate   []earnings.EstimatedShare `json:"funding_estimate,omitempty"`
	IsEstimate bool                      `json:"estimate"`
}

// RequestPayoutRequest is the body for POST /payouts
type RequestPayoutRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required"`
}

// ApprovalDecisionRequest is the body for POST /approvals/:id/decision
type ApprovalDecisionRequest struct {
	Action string `json:"action" binding:"required"`
	Notes  string `json:"notes"`
}
