package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"bolsillo/internal/core"
)

// PocketRegistry creates, edits and retrieves pockets. Aggregate fields are
// never touched here; they belong to the MovementProcessor.
type PocketRegistry struct {
	store RegistryStore
	now   func() time.Time
}

func NewPocketRegistry(store RegistryStore) *PocketRegistry {
	return &PocketRegistry{store: store, now: time.Now}
}

// Create validates the configuration, resolves its account and persists the
// new pocket with status active. Rule order: name, account, variant rules;
// the first failure wins.
func (r *PocketRegistry) Create(ctx context.Context, cfg core.PocketConfig) (core.Pocket, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, core.ErrEmptyName)
	}
	if _, err := r.store.GetAccount(ctx, cfg.AccountID); err != nil {
		if errors.Is(err, core.ErrUnknownAccount) {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownAccount, cfg.AccountID)
		}
		return nil, fmt.Errorf("resolve account %s: %w", cfg.AccountID, err)
	}
	if cfg.StartsAt.IsZero() {
		cfg.StartsAt = r.now()
	}

	pocket, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	pocket.Meta().ID = uuid.NewString()

	if err := r.store.CreatePocket(ctx, pocket); err != nil {
		return nil, fmt.Errorf("persist pocket: %w", err)
	}

	slog.InfoContext(ctx, "Pocket created",
		"pocket_id", pocket.Meta().ID,
		"type", pocket.Type(),
		"subtype", pocket.Subtype(),
		"name", pocket.Meta().Name,
		"currency", pocket.Meta().Currency)
	return pocket, nil
}

// Get returns a pocket by id.
func (r *PocketRegistry) Get(ctx context.Context, id string) (core.Pocket, error) {
	return r.store.GetPocket(ctx, id)
}

// List returns every pocket owned by a user.
func (r *PocketRegistry) List(ctx context.Context, ownerID string) ([]core.Pocket, error) {
	return r.store.ListPockets(ctx, ownerID)
}

// UpdateConfig re-validates the configuration and replaces the pocket's
// configuration fields. The variant may not change, and the aggregate fields
// of the stored pocket are carried over untouched.
func (r *PocketRegistry) UpdateConfig(ctx context.Context, id string, cfg core.PocketConfig) (core.Pocket, error) {
	existing, err := r.store.GetPocket(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, core.ErrEmptyName)
	}
	if _, err := r.store.GetAccount(ctx, cfg.AccountID); err != nil {
		if errors.Is(err, core.ErrUnknownAccount) {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownAccount, cfg.AccountID)
		}
		return nil, fmt.Errorf("resolve account %s: %w", cfg.AccountID, err)
	}
	if cfg.Type != existing.Type() || cfg.Subtype != existing.Subtype() {
		return nil, fmt.Errorf("%w: pocket type cannot change on edit", core.ErrValidation)
	}

	updated, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	meta := updated.Meta()
	meta.ID = existing.Meta().ID
	meta.OwnerID = existing.Meta().OwnerID
	meta.Status = existing.Meta().Status
	carryAggregates(existing, updated)

	if err := r.store.UpdatePocketConfig(ctx, updated); err != nil {
		return nil, fmt.Errorf("persist pocket edit: %w", err)
	}

	slog.InfoContext(ctx, "Pocket configuration updated", "pocket_id", id, "type", updated.Type())
	return updated, nil
}

// carryAggregates copies the movement-derived fields from the stored variant
// into the freshly built one. Exhaustive over the sum type.
func carryAggregates(from, to core.Pocket) {
	switch old := from.(type) {
	case *core.SavingPocket:
		to.(*core.SavingPocket).AmountSaved = old.AmountSaved
	case *core.PeriodExpensePocket:
		to.(*core.PeriodExpensePocket).SpentAmount = old.SpentAmount
	case *core.RecurrentExpensePocket:
		to.(*core.RecurrentExpensePocket).LastPaymentAmount = old.LastPaymentAmount
	case *core.FixedExpensePocket:
		// no aggregate fields
	case *core.DebtPocket:
		newDebt := to.(*core.DebtPocket)
		newDebt.RemainingAmount = old.RemainingAmount
		newDebt.InstallmentCurrent = old.InstallmentCurrent
	}
}

// AccountRegistry registers accounts and opens their currency pairs through
// the ledger.
type AccountRegistry struct {
	store  AccountStore
	ledger *CurrencyLedger
	now    func() time.Time
}

func NewAccountRegistry(store AccountStore, ledger *CurrencyLedger) *AccountRegistry {
	return &AccountRegistry{store: store, ledger: ledger, now: time.Now}
}

func (r *AccountRegistry) Create(ctx context.Context, ownerID, name string, kind core.AccountKind, primary core.Currency) (core.Account, error) {
	a := core.Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      strings.TrimSpace(name),
		Kind:      kind,
		CreatedAt: r.now(),
	}
	if err := a.Validate(); err != nil {
		return core.Account{}, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if err := primary.Validate(); err != nil {
		return core.Account{}, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if err := r.store.CreateAccount(ctx, a); err != nil {
		return core.Account{}, fmt.Errorf("persist account: %w", err)
	}
	if err := r.ledger.EnsureCurrency(ctx, a.ID, primary, true); err != nil {
		return core.Account{}, fmt.Errorf("create primary currency: %w", err)
	}
	slog.InfoContext(ctx, "Account created", "account_id", a.ID, "kind", a.Kind, "currency", primary)
	return a, nil
}

// AddCurrency opens a secondary currency pair on an existing account with a
// zero balance. Adding an already-open pair is a no-op.
func (r *AccountRegistry) AddCurrency(ctx context.Context, accountID string, currency core.Currency) error {
	if _, err := r.store.GetAccount(ctx, accountID); err != nil {
		return err
	}
	if err := r.ledger.EnsureCurrency(ctx, accountID, currency, false); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Account currency added", "account_id", accountID, "currency", currency)
	return nil
}

func (r *AccountRegistry) Get(ctx context.Context, id string) (core.Account, error) {
	return r.store.GetAccount(ctx, id)
}

func (r *AccountRegistry) List(ctx context.Context, ownerID string) ([]core.Account, error) {
	return r.store.ListAccounts(ctx, ownerID)
}

func (r *AccountRegistry) Balances(ctx context.Context, accountID string) ([]core.AccountCurrency, error) {
	return r.store.ListAccountCurrencies(ctx, accountID)
}
