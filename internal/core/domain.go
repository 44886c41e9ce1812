package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	AccountCash   AccountKind = "cash"
	AccountBank   AccountKind = "bank"
	AccountWallet AccountKind = "wallet"
	AccountCrypto AccountKind = "crypto"
	AccountOther  AccountKind = "other"
)

const (
	MovementIncome        MovementType = "income"
	MovementPocketExpense MovementType = "pocket_expense"
	MovementSavingDeposit MovementType = "saving_deposit"
	MovementFixedExpense  MovementType = "fixed_expense"
	MovementDebtPayment   MovementType = "debt_payment"
	MovementPocketReturn  MovementType = "pocket_return"
	MovementTransfer      MovementType = "transfer"
)

const (
	// MovementPending is the saga sub-state: the record exists but its
	// balance effect has not been confirmed yet. Committed movements are
	// always applied; stale pending rows are swept by reconciliation.
	MovementPending  MovementStatus = "pending"
	MovementApplied  MovementStatus = "applied"
	MovementReversed MovementStatus = "reversed"
)

type (
	AccountKind    string
	MovementType   string
	MovementStatus string

	Account struct {
		ID        string
		OwnerID   string
		Name      string
		Kind      AccountKind
		CreatedAt time.Time
	}

	// AccountCurrency is one materialized balance per (account, currency)
	// pair. The balance must always equal the signed sum of every movement
	// delta ever applied against the pair.
	AccountCurrency struct {
		AccountID string
		Currency  Currency
		Balance   decimal.Decimal
		IsPrimary bool
	}

	// Movement is an immutable record of money moving into or out of an
	// account or pocket. Deletion is a compensating operation, never an
	// edit.
	Movement struct {
		ID      string
		OwnerID string
		Type    MovementType
		// AccountID is the account whose balance the movement touches
		// directly. CounterAccountID is set only for transfers: the
		// destination account credited by the same row.
		AccountID        string
		CounterAccountID string
		PocketID         string
		Amount           decimal.Decimal
		Currency         Currency
		// DestCurrency and DestAmount are set only on cross-currency
		// transfers. The row must carry the converted leg so replay and
		// reversal re-derive both deltas without a rate lookup.
		DestCurrency Currency
		DestAmount   decimal.Decimal
		Date             time.Time
		Description      string
		Status           MovementStatus
	}
)

func (k AccountKind) Validate() error {
	switch k {
	case AccountCash, AccountBank, AccountWallet, AccountCrypto, AccountOther:
		return nil
	}
	return ErrValidation
}

func (t MovementType) Validate() error {
	switch t {
	case MovementIncome, MovementPocketExpense, MovementSavingDeposit,
		MovementFixedExpense, MovementDebtPayment, MovementPocketReturn,
		MovementTransfer:
		return nil
	}
	return ErrValidation
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrEmptyName
	}
	if err := a.Kind.Validate(); err != nil {
		return err
	}
	return nil
}

func (m Movement) Validate() error {
	if err := m.Type.Validate(); err != nil {
		return err
	}
	if m.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := m.Currency.Validate(); err != nil {
		return err
	}
	if m.Date.IsZero() {
		return ErrValidation
	}
	return nil
}
