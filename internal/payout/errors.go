package payout

import "errors"

var (
	// ErrTransientProvider marks a provider failure that is retried with
	// backoff.
	ErrTransientProvider = errors.New("transient provider error")

	// ErrPermanentProvider marks a terminal provider failure: the payout
	// fails and the debited earnings are restored.
	ErrPermanentProvider = errors.New("permanent provider error")
)

// Failure codes the provider can return that are worth retrying. Everything
// else is permanent.
var retryableFailureCodes = map[string]bool{
	"rate_limited":                true,
	"network_error":               true,
	"provider_unavailable":        true,
	"insufficient_provider_funds": true,
}

// Retryable reports whether a provider failure code should be retried.
func Retryable(code string) bool {
	return retryableFailureCodes[code]
}
