package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"bolsillo/internal/core"
)

// CurrencyLedger is the only component allowed to mutate an account's
// currency balances. No business rule beyond arithmetic lives here: callers
// decide sign and magnitude.
type CurrencyLedger struct {
	store LedgerStore
	locks *keyedMutex
}

func NewCurrencyLedger(store LedgerStore) *CurrencyLedger {
	return &CurrencyLedger{store: store, locks: newKeyedMutex()}
}

// ApplyDelta adds a signed amount to the (account, currency) balance and
// returns the new balance. Fails with core.ErrUnknownAccountCurrency when
// the pair does not exist; EnsureCurrency is the explicit creation path.
func (l *CurrencyLedger) ApplyDelta(ctx context.Context, accountID string, currency core.Currency, delta decimal.Decimal) (decimal.Decimal, error) {
	unlock := l.locks.Lock(pairKey(accountID, currency))
	defer unlock()
	return applyDelta(ctx, l.store, accountID, currency, delta)
}

// EnsureCurrency creates the (account, currency) pair with a zero balance if
// it does not exist yet.
func (l *CurrencyLedger) EnsureCurrency(ctx context.Context, accountID string, currency core.Currency, primary bool) error {
	unlock := l.locks.Lock(pairKey(accountID, currency))
	defer unlock()
	return ensureCurrency(ctx, l.store, accountID, currency, primary)
}

// Balance returns the current balance for the pair.
func (l *CurrencyLedger) Balance(ctx context.Context, accountID string, currency core.Currency) (decimal.Decimal, error) {
	ac, err := l.store.GetAccountCurrency(ctx, accountID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return ac.Balance, nil
}

func pairKey(accountID string, currency core.Currency) string {
	return accountID + ":" + string(currency)
}

// applyDelta is the transaction-agnostic core of the ledger: the movement
// processor calls it against a MovementTx so the balance write joins the
// movement's transaction.
func applyDelta(ctx context.Context, store LedgerStore, accountID string, currency core.Currency, delta decimal.Decimal) (decimal.Decimal, error) {
	ac, err := store.GetAccountCurrency(ctx, accountID, currency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load balance %s/%s: %w", accountID, currency, err)
	}
	newBalance := ac.Balance.Add(delta)
	if err := store.SetBalance(ctx, accountID, currency, newBalance); err != nil {
		return decimal.Zero, fmt.Errorf("persist balance %s/%s: %w", accountID, currency, err)
	}
	slog.DebugContext(ctx, "Balance delta applied",
		"account_id", accountID,
		"currency", currency,
		"delta", delta.String(),
		"balance", newBalance.String())
	return newBalance, nil
}

func ensureCurrency(ctx context.Context, store LedgerStore, accountID string, currency core.Currency, primary bool) error {
	_, err := store.GetAccountCurrency(ctx, accountID, currency)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrUnknownAccountCurrency) {
		return err
	}
	if err := currency.Validate(); err != nil {
		return err
	}
	return store.CreateAccountCurrency(ctx, core.AccountCurrency{
		AccountID: accountID,
		Currency:  currency,
		Balance:   decimal.Zero,
		IsPrimary: primary,
	})
}
