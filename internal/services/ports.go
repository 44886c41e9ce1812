// Package services holds the business logic of the pocket ledger: the
// currency ledger, the pocket registry, the movement processor and the
// allowance projector.
package services

import (
	"context"

	"github.com/shopspring/decimal"

	"bolsillo/internal/core"
)

// Ports for outbound adapters. Storage satisfies them through the sqlite
// adapter; tests use in-memory fakes.
type (
	AccountStore interface {
		CreateAccount(ctx context.Context, a core.Account) error
		GetAccount(ctx context.Context, id string) (core.Account, error)
		ListAccounts(ctx context.Context, ownerID string) ([]core.Account, error)
		ListAccountCurrencies(ctx context.Context, accountID string) ([]core.AccountCurrency, error)
	}

	// LedgerStore is the persistence surface of the currency ledger. Get
	// returns core.ErrUnknownAccountCurrency when the pair does not exist.
	LedgerStore interface {
		GetAccountCurrency(ctx context.Context, accountID string, currency core.Currency) (core.AccountCurrency, error)
		CreateAccountCurrency(ctx context.Context, ac core.AccountCurrency) error
		SetBalance(ctx context.Context, accountID string, currency core.Currency, balance decimal.Decimal) error
	}

	PocketStore interface {
		CreatePocket(ctx context.Context, p core.Pocket) error
		GetPocket(ctx context.Context, id string) (core.Pocket, error)
		UpdatePocketConfig(ctx context.Context, p core.Pocket) error
		ListPockets(ctx context.Context, ownerID string) ([]core.Pocket, error)
	}

	RegistryStore interface {
		PocketStore
		GetAccount(ctx context.Context, id string) (core.Account, error)
	}

	// MovementTx is the transaction-scoped view the movement processor
	// mutates through. Everything done through one MovementTx commits or
	// rolls back as a unit.
	MovementTx interface {
		LedgerStore
		InsertMovement(ctx context.Context, m core.Movement) error
		UpdatePocketAggregates(ctx context.Context, p core.Pocket) error
		SetMovementStatus(ctx context.Context, id string, status core.MovementStatus) error
	}

	// MovementStore combines the reads the processor needs with the
	// transactional boundary. InTx must return an error wrapping
	// core.ErrPartialApplication when the commit outcome is unknown after
	// writes were issued.
	MovementStore interface {
		GetAccount(ctx context.Context, id string) (core.Account, error)
		GetPocket(ctx context.Context, id string) (core.Pocket, error)
		GetMovement(ctx context.Context, id string) (core.Movement, error)
		InTx(ctx context.Context, fn func(tx MovementTx) error) error
	}

	// MovementPublisher feeds the external read-model pipeline. A nil
	// publisher disables the feed; movement application never fails on a
	// publish error.
	MovementPublisher interface {
		PublishMovementApplied(ctx context.Context, movementID string) error
		PublishMovementReversed(ctx context.Context, movementID string) error
	}

	// CurrencyConverter is the external conversion function. The core never
	// converts on its own; cross-currency transfers fail without one.
	CurrencyConverter interface {
		Convert(ctx context.Context, amount decimal.Decimal, from, to core.Currency) (decimal.Decimal, error)
	}

	// SnapshotReader returns the latest externally-maintained aggregate
	// snapshot for a pocket, the read-model input of the allowance
	// projector.
	SnapshotReader interface {
		PocketSnapshot(ctx context.Context, pocketID string) (AllowanceSnapshot, error)
	}
)
