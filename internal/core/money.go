// Package core holds the domain model of the pocket ledger: accounts,
// currency balances, the pocket sum type and movements.
//
// Amounts are decimal values (github.com/shopspring/decimal); floats never
// touch money arithmetic.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is an uppercase ISO-4217 style code ("EUR", "USD", ...).
type Currency string

func (c Currency) Validate() error {
	s := string(c)
	if len(s) != 3 {
		return ErrInvalidCurrency
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return ErrInvalidCurrency
		}
	}
	return nil
}

// ParseAmount converts a user-supplied decimal string to a positive amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and rounds
// half-up to two decimal places. Returns ErrInvalidAmount for malformed input,
// negative values, or zero.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	d = d.Round(2)
	if d.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}
