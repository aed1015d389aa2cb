package ledger

import "errors"

var (
	// ErrInsufficientFunds is returned when a debit would take the effective
	// balance negative on an account that does not allow it. It is user-facing
	// and never retried: the spend simply did not happen.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for zero or (outside corrections) negative
	// amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrUnknownKind is returned for an unrecognized transaction kind.
	ErrUnknownKind = errors.New("unknown transaction kind")
)
