package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/balance"
	"github.com/stripe/stripe-go/v82/transfer"

	"creatorfund/ledger/pkg/logging"
)

// TransferRequest describes one outbound transfer to a recipient's provider
// account.
type TransferRequest struct {
	PayoutID          string
	ProviderAccountID string
	AmountCents       int64
	Attempt           int
}

// Provider is the external money-movement interface. The concrete client is
// Stripe; tests substitute their own.
type Provider interface {
	// CreateTransfer submits the transfer and returns the provider's
	// transfer id. Failures carry ErrTransientProvider or
	// ErrPermanentProvider plus a failure code via FailureCode.
	CreateTransfer(ctx context.Context, req TransferRequest) (string, error)

	// AvailableBalance returns the provider-reported available platform
	// balance in USD cents.
	AvailableBalance(ctx context.Context) (int64, error)
}

// ProviderError carries the provider's failure code alongside the
// transient/permanent classification.
type ProviderError struct {
	Code string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider failure %s: %v", e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if Retryable(e.Code) {
		return ErrTransientProvider
	}
	return ErrPermanentProvider
}

// FailureCode extracts the provider failure code from an error chain, or
// "unknown" when the error did not come from the provider.
func FailureCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "unknown"
}

// StripeProvider implements Provider on the Stripe Transfers and Balance
// APIs.
type StripeProvider struct {
	logger logging.Logger
}

func NewStripeProvider(secretKey string, logger logging.Logger) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{logger: logger}
}

func (p *StripeProvider) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Destination: stripe.String(req.ProviderAccountID),
		Metadata: map[string]string{
			"payout_id": req.PayoutID,
		},
	}
	params.Context = ctx
	// Provider-side idempotency per attempt: a dropped response can never
	// create a second transfer, while a fresh retry is not served the
	// cached failure of the attempt before it. One in-flight attempt per
	// payout is enforced by the status guard on submission.
	params.SetIdempotencyKey(fmt.Sprintf("payout_%s_%d", req.PayoutID, req.Attempt))

	tr, err := transfer.New(params)
	if err != nil {
		return "", &ProviderError{Code: classifyStripeError(err), Err: err}
	}

	p.logger.WithFields(logging.Fields{
		"payout_id":   req.PayoutID,
		"transfer_id": tr.ID,
		"amount":      req.AmountCents,
	}).Info("Submitted provider transfer")
	return tr.ID, nil
}

func (p *StripeProvider) AvailableBalance(ctx context.Context) (int64, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	bal, err := balance.Get(params)
	if err != nil {
		return 0, &ProviderError{Code: classifyStripeError(err), Err: err}
	}

	var available int64
	for _, amount := range bal.Available {
		if amount.Currency == stripe.CurrencyUSD {
			available += amount.Amount
		}
	}
	return available, nil
}

// classifyStripeError maps stripe-go errors onto the fixed failure-code set.
func classifyStripeError(err error) string {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return "network_error"
	}
	switch {
	case stripeErr.HTTPStatusCode == 429:
		return "rate_limited"
	case stripeErr.HTTPStatusCode >= 500:
		return "provider_unavailable"
	case stripeErr.Code == stripe.ErrorCodeBalanceInsufficient:
		return "insufficient_provider_funds"
	default:
		return string(stripeErr.Code)
	}
}
