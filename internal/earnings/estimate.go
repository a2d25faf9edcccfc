package earnings

import (
	"context"

	"creatorfund/ledger/internal/ledger"
)

// EstimatedShare is a payer-facing preview of how one allocation would be
// funded if the month closed now. Estimates never write EarningsRecords;
// the month-end batch is the only authoritative pipeline.
type EstimatedShare struct {
	RecipientType string `json:"recipient_type"`
	RecipientID   string `json:"recipient_id"`
	AmountCents   int64  `json:"amount_cents"`
	FundedCents   int64  `json:"funded_cents"`
}

// EstimateMonth runs the funding-ratio computation over the payer's live
// active allocations.
func EstimateMonth(ctx context.Context, store *ledger.Store, payerID, month string) ([]EstimatedShare, error) {
	allocs, err := store.ListActiveAllocations(ctx, payerID, month)
	if err != nil {
		return nil, err
	}
	if len(allocs) == 0 {
		return nil, nil
	}

	subscription, err := store.SubscriptionCents(ctx, payerID, month)
	if err != nil {
		return nil, err
	}

	shares := make([]Share, len(allocs))
	for i, a := range allocs {
		shares[i] = Share{RecipientType: a.RecipientType, RecipientID: a.RecipientID, AmountCents: a.AmountCents}
	}

	funded := ComputeFunded(subscription, shares)
	out := make([]EstimatedShare, len(allocs))
	for i, a := range allocs {
		out[i] = EstimatedShare{
			RecipientType: a.RecipientType,
			RecipientID:   a.RecipientID,
			AmountCents:   a.AmountCents,
			FundedCents:   funded[i].FundedCents,
		}
	}
	return out, nil
}
