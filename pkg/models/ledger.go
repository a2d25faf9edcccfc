package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// StringSlice is a custom type for JSON-encoded string arrays in the database
type StringSlice []string

// Value implements the driver.Valuer interface for StringSlice
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

// Scan implements the sql.Scanner interface for StringSlice
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, s)
}

// Allocation statuses
const (
	AllocationActive   = "active"
	AllocationDisputed = "disputed"
	AllocationRefunded = "refunded"
	AllocationAtRisk   = "at_risk"
)

// Earnings record statuses
const (
	EarningsPending   = "pending"
	EarningsAvailable = "available"
	EarningsPaidOut   = "paid_out"
)

// Payout request statuses
const (
	PayoutRequested       = "requested"
	PayoutValidated       = "validated"
	PayoutBlocked         = "blocked"
	PayoutPendingApproval = "pending_approval"
	PayoutPending         = "pending"
	PayoutProcessing      = "processing"
	PayoutRetryScheduled  = "retry_scheduled"
	PayoutCompleted       = "completed"
	PayoutFailed          = "failed"
	PayoutCancelled       = "cancelled"
)

// Approval request statuses
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Webhook event marker statuses
const (
	WebhookProcessing = "processing"
	WebhookCompleted  = "completed"
	WebhookFailed     = "failed"
)

// Month-end close states
const (
	MonthOpen             = "open"
	MonthLocking          = "locking"
	MonthLocked           = "locked"
	MonthEarningsComputed = "earnings_computed"
	MonthDistributed      = "distributed"
	MonthClosed           = "closed"
)

// Platform balance threshold statuses
const (
	BalanceHealthy  = "healthy"
	BalanceWarning  = "warning"
	BalanceCritical = "critical"
	BalanceDepleted = "depleted"
)

// Balance represents a payer's subscription-funded balance for a period.
// AllocatedCents and AvailableCents are derived from active allocations at
// read time; they are never stored as ground truth.
type Balance struct {
	UserID         string    `json:"user_id" db:"user_id"`
	PeriodStart    time.Time `json:"period_start" db:"period_start"`
	TotalCents     int64     `json:"total_cents" db:"total_cents"`
	AllocatedCents int64     `json:"allocated_cents"`
	AvailableCents int64     `json:"available_cents"`
	OverspentCents int64     `json:"overspent_cents,omitempty"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Allocation represents a payer's funding decision toward one recipient.
// Identity is the composite (payer, recipient type, recipient, month) so
// concurrent writes target the same row.
type Allocation struct {
	PayerID       string    `json:"payer_id" db:"payer_id"`
	RecipientType string    `json:"recipient_type" db:"recipient_type"`
	RecipientID   string    `json:"recipient_id" db:"recipient_id"`
	Month         string    `json:"month" db:"month"`
	AmountCents   int64     `json:"amount_cents" db:"amount_cents"`
	Status        string    `json:"status" db:"status"`
	ChargeID      string    `json:"charge_id,omitempty" db:"charge_id"`
	FrozenCents   int64     `json:"frozen_cents,omitempty" db:"frozen_cents"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// EarningsRecord holds a recipient's funded earnings for one month
type EarningsRecord struct {
	RecipientID string    `json:"recipient_id" db:"recipient_id"`
	Month       string    `json:"month" db:"month"`
	FundedCents int64     `json:"funded_cents" db:"funded_cents"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// PayoutRequest drives a transfer of available earnings to a recipient
type PayoutRequest struct {
	ID                 string      `json:"id" db:"id"`
	UserID             string      `json:"user_id" db:"user_id"`
	AmountCents        int64       `json:"amount_cents" db:"amount_cents"`
	Status             string      `json:"status" db:"status"`
	Flags              StringSlice `json:"flags,omitempty" db:"flags"`
	RetryCount         int         `json:"retry_count" db:"retry_count"`
	NextRetryAt        *time.Time  `json:"next_retry_at,omitempty" db:"next_retry_at"`
	FailureCode        string      `json:"failure_code,omitempty" db:"failure_code"`
	ProviderTransferID string      `json:"provider_transfer_id,omitempty" db:"provider_transfer_id"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
}

// ApprovalRequest is a manual review item for a flagged payout
type ApprovalRequest struct {
	ID         string      `json:"id" db:"id"`
	PayoutID   string      `json:"payout_id" db:"payout_id"`
	Flags      StringSlice `json:"flags" db:"flags"`
	Status     string      `json:"status" db:"status"`
	ReviewedBy string      `json:"reviewed_by,omitempty" db:"reviewed_by"`
	Notes      string      `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
	ReviewedAt *time.Time  `json:"reviewed_at,omitempty" db:"reviewed_at"`
}

// WebhookEvent is an idempotency marker for a provider event id
type WebhookEvent struct {
	EventID   string    `json:"event_id" db:"event_id"`
	EventType string    `json:"event_type" db:"event_type"`
	Status    string    `json:"status" db:"status"`
	Message   string    `json:"message,omitempty" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BalanceSnapshot is one append-only platform balance health observation
type BalanceSnapshot struct {
	ID                     string    `json:"id" db:"id"`
	SnapshotDate           time.Time `json:"snapshot_date" db:"snapshot_date"`
	AvailableCents         int64     `json:"available_cents" db:"available_cents"`
	PendingObligationCents int64     `json:"pending_obligation_cents" db:"pending_obligation_cents"`
	RequiredReserveCents   int64     `json:"required_reserve_cents" db:"required_reserve_cents"`
	ThresholdStatus        string    `json:"threshold_status" db:"threshold_status"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
}

// MonthClose tracks the month-end processor state machine for one month
type MonthClose struct {
	Month         string     `json:"month" db:"month"`
	State         string     `json:"state" db:"state"`
	LockedAt      *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	ComputedAt    *time.Time `json:"computed_at,omitempty" db:"computed_at"`
	DistributedAt *time.Time `json:"distributed_at,omitempty" db:"distributed_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// SubscriptionEvent is the consumed billing event shape (activation and
// amount changes) that creates or supersedes Balance rows.
type SubscriptionEvent struct {
	EventType         string    `json:"event_type"` // activated | amount_changed
	UserID            string    `json:"user_id"`
	SubscriptionCents int64     `json:"subscription_cents"`
	EffectiveAt       time.Time `json:"effective_at"`
}
