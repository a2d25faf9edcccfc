package ledger

import "errors"

var (
	// ErrValidation indicates the caller's request is malformed or violates
	// a hard limit. No state change has occurred.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the referenced payer, recipient or record does
	// not exist.
	ErrNotFound = errors.New("not found")
)
