package core

import "errors"

var (
	// ErrValidation wraps every malformed or incomplete pocket configuration.
	// Always recoverable by re-submitting corrected input.
	ErrValidation = errors.New("invalid configuration")

	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCurrency = errors.New("invalid currency code")
	ErrEmptyName       = errors.New("empty name")

	// Business-rule rejections, surfaced verbatim to the user.
	ErrInsufficientPocketBalance  = errors.New("insufficient pocket balance")
	ErrInsufficientAccountBalance = errors.New("insufficient account balance")

	// Referential-integrity failures.
	ErrUnknownAccount         = errors.New("account not found")
	ErrUnknownAccountCurrency = errors.New("account currency not found")
	ErrUnknownPocket          = errors.New("pocket not found")
	ErrUnknownMovement        = errors.New("movement not found")

	// ErrPartialApplication means a movement record was written but its
	// balance or aggregate effect was not. It must reach the reconciliation
	// path, never be silently swallowed.
	ErrPartialApplication = errors.New("movement recorded without its balance effect")
)
