package earnings

import "sort"

// Share is one payer allocation entering the funding-ratio computation.
type Share struct {
	RecipientType string
	RecipientID   string
	AmountCents   int64
}

// Funded is the recipient-visible result of funding one share.
type Funded struct {
	RecipientType string
	RecipientID   string
	FundedCents   int64
}

// ComputeFunded applies a payer's subscription to their allocations. When
// the allocations fit inside the subscription they pass through unchanged;
// otherwise every share is scaled by subscription/total with deterministic
// largest-remainder rounding so the funded amounts sum to the subscription
// exactly, every time.
func ComputeFunded(subscriptionCents int64, shares []Share) []Funded {
	out := make([]Funded, len(shares))
	var total int64
	for i, s := range shares {
		total += s.AmountCents
		out[i] = Funded{RecipientType: s.RecipientType, RecipientID: s.RecipientID}
	}

	if total <= subscriptionCents || total == 0 {
		for i, s := range shares {
			out[i].FundedCents = s.AmountCents
		}
		return out
	}

	// Floor everything first, then hand the rounding cents one-by-one to
	// the shares with the largest fractional remainder. Ties break on
	// input order so the result is stable across runs.
	remainders := make([]struct {
		idx int
		rem int64
	}, len(shares))
	var distributed int64
	for i, s := range shares {
		scaled := s.AmountCents * subscriptionCents
		out[i].FundedCents = scaled / total
		remainders[i].idx = i
		remainders[i].rem = scaled % total
		distributed += out[i].FundedCents
	}

	sort.SliceStable(remainders, func(a, b int) bool {
		return remainders[a].rem > remainders[b].rem
	})

	for i := int64(0); i < subscriptionCents-distributed; i++ {
		out[remainders[i%int64(len(shares))].idx].FundedCents++
	}
	return out
}
