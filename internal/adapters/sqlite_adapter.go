// Package adapters bridges the concrete sqlite repository to the service
// ports, keeping services free of storage imports.
package adapters

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"bolsillo/internal/core"
	"bolsillo/internal/services"
	"bolsillo/internal/storage"
)

// Store adapts *storage.SQLiteRepository to every read/write port the
// services declare: AccountStore, LedgerStore, RegistryStore, MovementStore
// and SnapshotReader.
type Store struct {
	repo *storage.SQLiteRepository
}

func NewStore(repo *storage.SQLiteRepository) *Store {
	return &Store{repo: repo}
}

func (s *Store) CreateAccount(ctx context.Context, a core.Account) error {
	return s.repo.CreateAccount(ctx, a)
}

func (s *Store) GetAccount(ctx context.Context, id string) (core.Account, error) {
	return s.repo.GetAccount(ctx, id)
}

func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]core.Account, error) {
	return s.repo.ListAccounts(ctx, ownerID)
}

func (s *Store) ListAccountCurrencies(ctx context.Context, accountID string) ([]core.AccountCurrency, error) {
	return s.repo.ListAccountCurrencies(ctx, accountID)
}

func (s *Store) GetAccountCurrency(ctx context.Context, accountID string, currency core.Currency) (core.AccountCurrency, error) {
	return s.repo.GetAccountCurrency(ctx, accountID, currency)
}

func (s *Store) CreateAccountCurrency(ctx context.Context, ac core.AccountCurrency) error {
	return s.repo.CreateAccountCurrency(ctx, ac)
}

func (s *Store) SetBalance(ctx context.Context, accountID string, currency core.Currency, balance decimal.Decimal) error {
	return s.repo.SetBalance(ctx, accountID, currency, balance)
}

func (s *Store) CreatePocket(ctx context.Context, p core.Pocket) error {
	return s.repo.CreatePocket(ctx, p)
}

func (s *Store) GetPocket(ctx context.Context, id string) (core.Pocket, error) {
	return s.repo.GetPocket(ctx, id)
}

func (s *Store) UpdatePocketConfig(ctx context.Context, p core.Pocket) error {
	return s.repo.UpdatePocket(ctx, p)
}

func (s *Store) ListPockets(ctx context.Context, ownerID string) ([]core.Pocket, error) {
	return s.repo.ListPockets(ctx, ownerID)
}

func (s *Store) GetMovement(ctx context.Context, id string) (core.Movement, error) {
	return s.repo.GetMovement(ctx, id)
}

// InTx exposes the repository transaction as a services.MovementTx. The
// repository reports an unknown commit outcome by wrapping
// core.ErrPartialApplication, which passes through here untouched.
func (s *Store) InTx(ctx context.Context, fn func(tx services.MovementTx) error) error {
	return s.repo.WithTx(ctx, func(tx *storage.Tx) error {
		return fn(movementTx{tx: tx})
	})
}

type movementTx struct {
	tx *storage.Tx
}

func (t movementTx) GetAccountCurrency(ctx context.Context, accountID string, currency core.Currency) (core.AccountCurrency, error) {
	return t.tx.GetAccountCurrency(ctx, accountID, currency)
}

func (t movementTx) CreateAccountCurrency(ctx context.Context, ac core.AccountCurrency) error {
	return t.tx.CreateAccountCurrency(ctx, ac)
}

func (t movementTx) SetBalance(ctx context.Context, accountID string, currency core.Currency, balance decimal.Decimal) error {
	return t.tx.SetBalance(ctx, accountID, currency, balance)
}

func (t movementTx) InsertMovement(ctx context.Context, m core.Movement) error {
	return t.tx.InsertMovement(ctx, m)
}

func (t movementTx) UpdatePocketAggregates(ctx context.Context, p core.Pocket) error {
	return t.tx.UpdatePocket(ctx, p)
}

func (t movementTx) SetMovementStatus(ctx context.Context, id string, status core.MovementStatus) error {
	return t.tx.SetMovementStatus(ctx, id, status)
}

// PocketSnapshot derives the allowance snapshot of a period expense pocket
// from its stored aggregates. Other variants have no daily allowance.
func (s *Store) PocketSnapshot(ctx context.Context, pocketID string) (services.AllowanceSnapshot, error) {
	p, err := s.repo.GetPocket(ctx, pocketID)
	if err != nil {
		return services.AllowanceSnapshot{}, err
	}
	period, ok := p.(*core.PeriodExpensePocket)
	if !ok {
		return services.AllowanceSnapshot{}, fmt.Errorf("%w: pocket %s has no daily allowance", core.ErrValidation, pocketID)
	}

	// The start day itself accrues allowance, so the period spans one day
	// more than the distance between the two dates.
	days := core.DaysBetween(period.StartsAt, period.EndsAt) + 1
	if days < 1 {
		days = 1
	}
	return services.AllowanceSnapshot{
		PocketID:        period.ID,
		DailyAllowance:  period.AllocatedAmount.Div(decimal.NewFromInt(int64(days))).Round(2),
		AllocatedAmount: period.AllocatedAmount,
		CurrentBalance:  period.Available(),
		StartsAt:        period.StartsAt,
		EndsAt:          period.EndsAt,
	}, nil
}
