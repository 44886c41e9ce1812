package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bolsillo/internal/core"
)

// fakeMovementStore implements MovementStore with copy-on-write transactions:
// fn writes against cloned maps that merge back only on commit, so failed
// transactions leave no trace, matching the real boundary.
type fakeMovementStore struct {
	accounts  map[string]core.Account
	pockets   map[string]core.Pocket
	balances  map[string]core.AccountCurrency
	movements map[string]core.Movement
	commitErr error
}

func newFakeMovementStore() *fakeMovementStore {
	return &fakeMovementStore{
		accounts:  make(map[string]core.Account),
		pockets:   make(map[string]core.Pocket),
		balances:  make(map[string]core.AccountCurrency),
		movements: make(map[string]core.Movement),
	}
}

func (f *fakeMovementStore) setBalance(accountID string, currency core.Currency, amount int64) {
	f.balances[pairKey(accountID, currency)] = core.AccountCurrency{
		AccountID: accountID,
		Currency:  currency,
		Balance:   decimal.NewFromInt(amount),
	}
}

func (f *fakeMovementStore) balance(t *testing.T, accountID string, currency core.Currency) decimal.Decimal {
	t.Helper()
	ac, ok := f.balances[pairKey(accountID, currency)]
	if !ok {
		t.Fatalf("no balance for %s/%s", accountID, currency)
	}
	return ac.Balance
}

func (f *fakeMovementStore) GetAccount(_ context.Context, id string) (core.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return core.Account{}, fmt.Errorf("%w: %s", core.ErrUnknownAccount, id)
	}
	return a, nil
}

func (f *fakeMovementStore) GetPocket(_ context.Context, id string) (core.Pocket, error) {
	p, ok := f.pockets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownPocket, id)
	}
	return p, nil
}

func (f *fakeMovementStore) GetMovement(_ context.Context, id string) (core.Movement, error) {
	m, ok := f.movements[id]
	if !ok {
		return core.Movement{}, fmt.Errorf("%w: %s", core.ErrUnknownMovement, id)
	}
	return m, nil
}

func (f *fakeMovementStore) InTx(_ context.Context, fn func(tx MovementTx) error) error {
	tx := &fakeMovementTx{
		pockets:   make(map[string]core.Pocket, len(f.pockets)),
		balances:  make(map[string]core.AccountCurrency, len(f.balances)),
		movements: make(map[string]core.Movement, len(f.movements)),
	}
	for k, v := range f.pockets {
		tx.pockets[k] = v
	}
	for k, v := range f.balances {
		tx.balances[k] = v
	}
	for k, v := range f.movements {
		tx.movements[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	if f.commitErr != nil {
		return fmt.Errorf("%w: commit failed: %w", core.ErrPartialApplication, f.commitErr)
	}
	f.pockets = tx.pockets
	f.balances = tx.balances
	f.movements = tx.movements
	return nil
}

type fakeMovementTx struct {
	pockets   map[string]core.Pocket
	balances  map[string]core.AccountCurrency
	movements map[string]core.Movement
}

func (t *fakeMovementTx) GetAccountCurrency(_ context.Context, accountID string, currency core.Currency) (core.AccountCurrency, error) {
	ac, ok := t.balances[pairKey(accountID, currency)]
	if !ok {
		return core.AccountCurrency{}, fmt.Errorf("%w: %s/%s", core.ErrUnknownAccountCurrency, accountID, currency)
	}
	return ac, nil
}

func (t *fakeMovementTx) CreateAccountCurrency(_ context.Context, ac core.AccountCurrency) error {
	t.balances[pairKey(ac.AccountID, ac.Currency)] = ac
	return nil
}

func (t *fakeMovementTx) SetBalance(_ context.Context, accountID string, currency core.Currency, balance decimal.Decimal) error {
	key := pairKey(accountID, currency)
	ac, ok := t.balances[key]
	if !ok {
		return fmt.Errorf("%w: %s/%s", core.ErrUnknownAccountCurrency, accountID, currency)
	}
	ac.Balance = balance
	t.balances[key] = ac
	return nil
}

func (t *fakeMovementTx) InsertMovement(_ context.Context, m core.Movement) error {
	t.movements[m.ID] = m
	return nil
}

func (t *fakeMovementTx) UpdatePocketAggregates(_ context.Context, p core.Pocket) error {
	if _, ok := t.pockets[p.Meta().ID]; !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownPocket, p.Meta().ID)
	}
	t.pockets[p.Meta().ID] = p
	return nil
}

func (t *fakeMovementTx) SetMovementStatus(_ context.Context, id string, status core.MovementStatus) error {
	m, ok := t.movements[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownMovement, id)
	}
	m.Status = status
	t.movements[id] = m
	return nil
}

type recordingPublisher struct {
	applied  []string
	reversed []string
	err      error
}

func (p *recordingPublisher) PublishMovementApplied(_ context.Context, id string) error {
	p.applied = append(p.applied, id)
	return p.err
}

func (p *recordingPublisher) PublishMovementReversed(_ context.Context, id string) error {
	p.reversed = append(p.reversed, id)
	return p.err
}

type fixedRateConverter struct {
	rate decimal.Decimal
}

func (c fixedRateConverter) Convert(_ context.Context, amount decimal.Decimal, _, _ core.Currency) (decimal.Decimal, error) {
	return amount.Mul(c.rate), nil
}

func testDate() time.Time {
	return time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
}

func incomeIntent(amount int64) MovementIntent {
	return MovementIntent{
		OwnerID:   "owner-1",
		Type:      core.MovementIncome,
		AccountID: "acc-1",
		Amount:    decimal.NewFromInt(amount),
		Currency:  "EUR",
		Date:      testDate(),
	}
}

func TestApply_Income(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	proc := NewMovementProcessor(store, nil, nil)

	m, err := proc.Apply(context.Background(), incomeIntent(50))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if m.Status != core.MovementApplied {
		t.Errorf("status = %s, want applied", m.Status)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(150)) {
		t.Errorf("balance = %s, want 150", got)
	}
	stored, ok := store.movements[m.ID]
	if !ok {
		t.Fatal("movement row not persisted")
	}
	if stored.Status != core.MovementApplied {
		t.Errorf("stored status = %s, want applied", stored.Status)
	}
}

func TestApply_IncomeCreatesCurrencyPair(t *testing.T) {
	store := newFakeMovementStore()
	proc := NewMovementProcessor(store, nil, nil)

	intent := incomeIntent(50)
	intent.Currency = "USD"
	intent.CreateCurrency = true
	if _, err := proc.Apply(context.Background(), intent); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := store.balance(t, "acc-1", "USD"); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s, want 50", got)
	}
}

func TestApply_IncomeUnknownPairWithoutCreate(t *testing.T) {
	store := newFakeMovementStore()
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), incomeIntent(50))
	if !errors.Is(err, core.ErrUnknownAccountCurrency) {
		t.Fatalf("Apply() error = %v, want ErrUnknownAccountCurrency", err)
	}
	if len(store.movements) != 0 {
		t.Error("failed movement left a row behind")
	}
}

func TestApply_Transfer(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	store.setBalance("acc-2", "EUR", 10)
	proc := NewMovementProcessor(store, nil, nil)

	m, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:          "owner-1",
		Type:             core.MovementTransfer,
		AccountID:        "acc-1",
		CounterAccountID: "acc-2",
		Amount:           decimal.NewFromInt(40),
		Currency:         "EUR",
		Date:             testDate(),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("source balance = %s, want 60", got)
	}
	if got := store.balance(t, "acc-2", "EUR"); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("destination balance = %s, want 50", got)
	}
	if m.CounterAccountID != "acc-2" {
		t.Errorf("counter account = %q, want acc-2 on the single row", m.CounterAccountID)
	}
	if len(store.movements) != 1 {
		t.Errorf("transfer recorded %d rows, want 1", len(store.movements))
	}
}

func TestApply_TransferToSameAccount(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:          "owner-1",
		Type:             core.MovementTransfer,
		AccountID:        "acc-1",
		CounterAccountID: "acc-1",
		Amount:           decimal.NewFromInt(40),
		Currency:         "EUR",
		Date:             testDate(),
	})
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("Apply() error = %v, want ErrValidation", err)
	}
}

func TestApply_CrossCurrencyTransfer(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	store.setBalance("acc-2", "USD", 0)
	proc := NewMovementProcessor(store, nil, fixedRateConverter{rate: decimal.RequireFromString("1.1")})

	_, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:          "owner-1",
		Type:             core.MovementTransfer,
		AccountID:        "acc-1",
		CounterAccountID: "acc-2",
		DestCurrency:     "USD",
		Amount:           decimal.NewFromInt(40),
		Currency:         "EUR",
		Date:             testDate(),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("source balance = %s, want 60", got)
	}
	if got := store.balance(t, "acc-2", "USD"); !got.Equal(decimal.NewFromInt(44)) {
		t.Errorf("destination balance = %s, want 44", got)
	}
}

func TestApply_CrossCurrencyTransferWithoutConverter(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	store.setBalance("acc-2", "USD", 0)
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:          "owner-1",
		Type:             core.MovementTransfer,
		AccountID:        "acc-1",
		CounterAccountID: "acc-2",
		DestCurrency:     "USD",
		Amount:           decimal.NewFromInt(40),
		Currency:         "EUR",
		Date:             testDate(),
	})
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("Apply() error = %v, want ErrValidation", err)
	}
}

func TestReverse_CrossCurrencyTransfer(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	store.setBalance("acc-2", "USD", 0)
	proc := NewMovementProcessor(store, nil, fixedRateConverter{rate: decimal.RequireFromString("1.1")})

	m, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:          "owner-1",
		Type:             core.MovementTransfer,
		AccountID:        "acc-1",
		CounterAccountID: "acc-2",
		DestCurrency:     "USD",
		Amount:           decimal.NewFromInt(40),
		Currency:         "EUR",
		Date:             testDate(),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	stored := store.movements[m.ID]
	if stored.DestCurrency != "USD" {
		t.Errorf("stored dest currency = %q, want USD", stored.DestCurrency)
	}
	if !stored.DestAmount.Equal(decimal.NewFromInt(44)) {
		t.Errorf("stored dest amount = %s, want 44", stored.DestAmount)
	}

	if _, err := proc.Reverse(context.Background(), m.ID); err != nil {
		t.Fatalf("Reverse() error = %v", err)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("source balance = %s, want 100 restored", got)
	}
	if got := store.balance(t, "acc-2", "USD"); !got.Equal(decimal.Zero) {
		t.Errorf("destination balance = %s, want the 44 USD credit undone", got)
	}
	if _, ok := store.balances[pairKey("acc-2", "EUR")]; ok {
		t.Error("destination gained a EUR pair, want the reversal confined to the converted leg")
	}
}

func savingPocketFixture(saved int64, allowWithdrawals bool) *core.SavingPocket {
	return &core.SavingPocket{
		PocketMeta: core.PocketMeta{
			ID: "pocket-s", OwnerID: "owner-1", Name: "Vacation",
			AccountID: "acc-1", Currency: "EUR", Status: core.StatusActive,
			StartsAt: testDate().AddDate(0, -1, 0),
		},
		TargetAmount:     decimal.NewFromInt(1000),
		AmountSaved:      decimal.NewFromInt(saved),
		Frequency:        core.FrequencyMonthly,
		AllowWithdrawals: allowWithdrawals,
	}
}

func TestApply_SavingDeposit(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 300)
	store.pockets["pocket-s"] = savingPocketFixture(900, false)
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:  "owner-1",
		Type:     core.MovementSavingDeposit,
		PocketID: "pocket-s",
		Amount:   decimal.NewFromInt(200),
		Currency: "EUR",
		Date:     testDate(),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("account balance = %s, want 100", got)
	}
	saving := store.pockets["pocket-s"].(*core.SavingPocket)
	// 900 + 200 overshoots the 1000 target; nothing clamps it.
	if !saving.AmountSaved.Equal(decimal.NewFromInt(1100)) {
		t.Errorf("amount saved = %s, want 1100", saving.AmountSaved)
	}
}

func TestApply_SavingDepositInsufficientAccountBalance(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 300)
	store.pockets["pocket-s"] = savingPocketFixture(0, false)
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:  "owner-1",
		Type:     core.MovementSavingDeposit,
		PocketID: "pocket-s",
		Amount:   decimal.NewFromInt(500),
		Currency: "EUR",
		Date:     testDate(),
	})
	if !errors.Is(err, core.ErrInsufficientAccountBalance) {
		t.Fatalf("Apply() error = %v, want ErrInsufficientAccountBalance", err)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(300)) {
		t.Errorf("balance changed on rejected deposit: %s", got)
	}
	saving := store.pockets["pocket-s"].(*core.SavingPocket)
	if !saving.AmountSaved.IsZero() {
		t.Errorf("amount saved changed on rejected deposit: %s", saving.AmountSaved)
	}
	if len(store.movements) != 0 {
		t.Error("rejected deposit left a movement row")
	}
}

func TestApply_PocketReturn(t *testing.T) {
	tests := []struct {
		name             string
		saved            int64
		allowWithdrawals bool
		amount           int64
		wantErr          error
	}{
		{"allowed withdrawal", 500, true, 200, nil},
		{"withdrawals disabled", 500, false, 200, core.ErrValidation},
		{"more than saved", 100, true, 200, core.ErrInsufficientPocketBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeMovementStore()
			store.setBalance("acc-1", "EUR", 0)
			store.pockets["pocket-s"] = savingPocketFixture(tt.saved, tt.allowWithdrawals)
			proc := NewMovementProcessor(store, nil, nil)

			_, err := proc.Apply(context.Background(), MovementIntent{
				OwnerID:  "owner-1",
				Type:     core.MovementPocketReturn,
				PocketID: "pocket-s",
				Amount:   decimal.NewFromInt(tt.amount),
				Currency: "EUR",
				Date:     testDate(),
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Apply() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(tt.amount)) {
				t.Errorf("account balance = %s, want %d returned", got, tt.amount)
			}
			saving := store.pockets["pocket-s"].(*core.SavingPocket)
			if !saving.AmountSaved.Equal(decimal.NewFromInt(tt.saved - tt.amount)) {
				t.Errorf("amount saved = %s, want %d", saving.AmountSaved, tt.saved-tt.amount)
			}
		})
	}
}

func periodPocketFixture(allocated, spent int64) *core.PeriodExpensePocket {
	return &core.PeriodExpensePocket{
		PocketMeta: core.PocketMeta{
			ID: "pocket-p", OwnerID: "owner-1", Name: "Groceries",
			AccountID: "acc-1", Currency: "EUR", Status: core.StatusActive,
			StartsAt: testDate().AddDate(0, 0, -5),
		},
		AllocatedAmount: decimal.NewFromInt(allocated),
		SpentAmount:     decimal.NewFromInt(spent),
		EndsAt:          testDate().AddDate(0, 0, 25),
	}
}

func TestApply_PocketExpense(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	store.pockets["pocket-p"] = periodPocketFixture(300, 0)
	proc := NewMovementProcessor(store, nil, nil)

	m, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:   "owner-1",
		Type:      core.MovementPocketExpense,
		AccountID: "acc-1",
		PocketID:  "pocket-p",
		Amount:    decimal.NewFromInt(80),
		Currency:  "EUR",
		Date:      testDate(),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if m.AccountID != "" {
		t.Errorf("account id = %q, want empty: allocation spending never touches the account", m.AccountID)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("account balance = %s, want untouched 100", got)
	}
	period := store.pockets["pocket-p"].(*core.PeriodExpensePocket)
	if !period.SpentAmount.Equal(decimal.NewFromInt(80)) {
		t.Errorf("spent amount = %s, want 80", period.SpentAmount)
	}
}

func TestApply_PocketExpenseExhausted(t *testing.T) {
	store := newFakeMovementStore()
	store.pockets["pocket-p"] = periodPocketFixture(100, 100)
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:  "owner-1",
		Type:     core.MovementPocketExpense,
		PocketID: "pocket-p",
		Amount:   decimal.NewFromInt(80),
		Currency: "EUR",
		Date:     testDate(),
	})
	if !errors.Is(err, core.ErrInsufficientPocketBalance) {
		t.Fatalf("Apply() error = %v, want ErrInsufficientPocketBalance", err)
	}
}

func TestApply_FixedExpenseOnRecurrentPocket(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 200)
	store.pockets["pocket-r"] = &core.RecurrentExpensePocket{
		PocketMeta: core.PocketMeta{
			ID: "pocket-r", OwnerID: "owner-1", Name: "Electricity",
			AccountID: "acc-1", Currency: "EUR", Status: core.StatusActive,
			StartsAt: testDate().AddDate(0, -6, 0),
		},
		AverageAmount: decimal.NewFromInt(60),
		DueDay:        15,
	}
	proc := NewMovementProcessor(store, nil, nil)

	m, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:  "owner-1",
		Type:     core.MovementFixedExpense,
		PocketID: "pocket-r",
		Amount:   decimal.NewFromInt(72),
		Currency: "EUR",
		Date:     testDate(),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if m.AccountID != "acc-1" {
		t.Errorf("account id = %q, want the pocket's linked account", m.AccountID)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(128)) {
		t.Errorf("account balance = %s, want 128", got)
	}
	rp := store.pockets["pocket-r"].(*core.RecurrentExpensePocket)
	if !rp.LastPaymentAmount.Equal(decimal.NewFromInt(72)) {
		t.Errorf("last payment = %s, want 72", rp.LastPaymentAmount)
	}
}

func TestApply_FixedExpenseRejectsWrongPocketKind(t *testing.T) {
	store := newFakeMovementStore()
	store.pockets["pocket-p"] = periodPocketFixture(300, 0)
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:  "owner-1",
		Type:     core.MovementFixedExpense,
		PocketID: "pocket-p",
		Amount:   decimal.NewFromInt(50),
		Currency: "EUR",
		Date:     testDate(),
	})
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Apply() error = %v, want ErrValidation", err)
	}
}

func TestApply_DebtPayment(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-pay", "EUR", 500)
	store.pockets["pocket-d"] = &core.DebtPocket{
		PocketMeta: core.PocketMeta{
			ID: "pocket-d", OwnerID: "owner-1", Name: "Car loan",
			AccountID: "acc-1", Currency: "EUR", Status: core.StatusActive,
			StartsAt: testDate().AddDate(-1, 0, 0),
		},
		OriginalAmount:     decimal.NewFromInt(1200),
		RemainingAmount:    decimal.NewFromInt(600),
		InstallmentsTotal:  12,
		InstallmentCurrent: 6,
		InstallmentAmount:  decimal.NewFromInt(100),
		PaymentAccountID:   "acc-pay",
	}
	proc := NewMovementProcessor(store, nil, nil)

	m, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:  "owner-1",
		Type:     core.MovementDebtPayment,
		PocketID: "pocket-d",
		Amount:   decimal.NewFromInt(100),
		Currency: "EUR",
		Date:     testDate(),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if m.AccountID != "acc-pay" {
		t.Errorf("account id = %q, want the linked payment account", m.AccountID)
	}
	if got := store.balance(t, "acc-pay", "EUR"); !got.Equal(decimal.NewFromInt(400)) {
		t.Errorf("payment account balance = %s, want 400", got)
	}
	debt := store.pockets["pocket-d"].(*core.DebtPocket)
	if !debt.RemainingAmount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("remaining = %s, want 500", debt.RemainingAmount)
	}
	if debt.InstallmentCurrent != 7 {
		t.Errorf("installment = %d, want 7", debt.InstallmentCurrent)
	}
}

func TestApply_DebtOverpayment(t *testing.T) {
	store := newFakeMovementStore()
	store.pockets["pocket-d"] = &core.DebtPocket{
		PocketMeta: core.PocketMeta{
			ID: "pocket-d", OwnerID: "owner-1", Name: "Car loan",
			AccountID: "acc-1", Currency: "EUR", Status: core.StatusActive,
			StartsAt: testDate().AddDate(-1, 0, 0),
		},
		OriginalAmount:  decimal.NewFromInt(1200),
		RemainingAmount: decimal.NewFromInt(50),
	}
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:  "owner-1",
		Type:     core.MovementDebtPayment,
		PocketID: "pocket-d",
		Amount:   decimal.NewFromInt(100),
		Currency: "EUR",
		Date:     testDate(),
	})
	if !errors.Is(err, core.ErrInsufficientPocketBalance) {
		t.Errorf("Apply() error = %v, want ErrInsufficientPocketBalance", err)
	}
}

func TestApply_CurrencyMismatch(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "USD", 500)
	store.pockets["pocket-s"] = savingPocketFixture(0, false)
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:  "owner-1",
		Type:     core.MovementSavingDeposit,
		PocketID: "pocket-s",
		Amount:   decimal.NewFromInt(100),
		Currency: "USD",
		Date:     testDate(),
	})
	if !errors.Is(err, core.ErrValidation) {
		t.Errorf("Apply() error = %v, want ErrValidation", err)
	}
}

func TestApply_PartialApplicationSurfaces(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	store.commitErr = errors.New("database is locked")
	proc := NewMovementProcessor(store, nil, nil)

	_, err := proc.Apply(context.Background(), incomeIntent(50))
	if !errors.Is(err, core.ErrPartialApplication) {
		t.Fatalf("Apply() error = %v, want ErrPartialApplication", err)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance = %s, want untouched 100", got)
	}
}

func TestReverse_Income(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	proc := NewMovementProcessor(store, nil, nil)

	applied, err := proc.Apply(context.Background(), incomeIntent(50))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	reversed, err := proc.Reverse(context.Background(), applied.ID)
	if err != nil {
		t.Fatalf("Reverse() error = %v", err)
	}
	if reversed.Status != core.MovementReversed {
		t.Errorf("status = %s, want reversed", reversed.Status)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance = %s, want back to 100", got)
	}
	if _, ok := store.movements[applied.ID]; !ok {
		t.Error("reversal deleted the original row")
	}

	if _, err := proc.Reverse(context.Background(), applied.ID); !errors.Is(err, core.ErrValidation) {
		t.Errorf("second Reverse() error = %v, want ErrValidation", err)
	}
}

// rendezvousMovementStore holds the first two movement reads at a barrier so
// two reversals both observe the applied status before either takes the lock.
type rendezvousMovementStore struct {
	*fakeMovementStore
	reads   atomic.Int32
	barrier sync.WaitGroup
}

func (r *rendezvousMovementStore) GetMovement(ctx context.Context, id string) (core.Movement, error) {
	m, err := r.fakeMovementStore.GetMovement(ctx, id)
	if r.reads.Add(1) <= 2 {
		r.barrier.Done()
		r.barrier.Wait()
	}
	return m, err
}

func TestReverse_ConcurrentDuplicate(t *testing.T) {
	store := &rendezvousMovementStore{fakeMovementStore: newFakeMovementStore()}
	store.barrier.Add(2)
	store.setBalance("acc-1", "EUR", 0)
	proc := NewMovementProcessor(store, nil, nil)

	applied, err := proc.Apply(context.Background(), incomeIntent(100))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := proc.Reverse(context.Background(), applied.ID)
			results <- err
		}()
	}

	var succeeded, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			succeeded++
		case errors.Is(err, core.ErrValidation):
			rejected++
		default:
			t.Fatalf("Reverse() error = %v, want nil or ErrValidation", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("reversals succeeded = %d rejected = %d, want exactly one of each", succeeded, rejected)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.Zero) {
		t.Errorf("balance = %s, want the income undone exactly once", got)
	}
	if m := store.movements[applied.ID]; m.Status != core.MovementReversed {
		t.Errorf("status = %s, want reversed", m.Status)
	}
}

func TestReverse_PocketExpenseSkipsAvailabilityCheck(t *testing.T) {
	store := newFakeMovementStore()
	store.pockets["pocket-p"] = periodPocketFixture(100, 0)
	proc := NewMovementProcessor(store, nil, nil)

	applied, err := proc.Apply(context.Background(), MovementIntent{
		OwnerID:  "owner-1",
		Type:     core.MovementPocketExpense,
		PocketID: "pocket-p",
		Amount:   decimal.NewFromInt(100),
		Currency: "EUR",
		Date:     testDate(),
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	// The pocket is now exhausted; reversal must still go through.
	if _, err := proc.Reverse(context.Background(), applied.ID); err != nil {
		t.Fatalf("Reverse() error = %v", err)
	}
	period := store.pockets["pocket-p"].(*core.PeriodExpensePocket)
	if !period.SpentAmount.IsZero() {
		t.Errorf("spent amount = %s, want restored to 0", period.SpentAmount)
	}
}

func TestApply_PublishesEvent(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	pub := &recordingPublisher{}
	proc := NewMovementProcessor(store, pub, nil)

	m, err := proc.Apply(context.Background(), incomeIntent(50))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(pub.applied) != 1 || pub.applied[0] != m.ID {
		t.Errorf("published = %v, want [%s]", pub.applied, m.ID)
	}

	if _, err := proc.Reverse(context.Background(), m.ID); err != nil {
		t.Fatalf("Reverse() error = %v", err)
	}
	if len(pub.reversed) != 1 {
		t.Errorf("reversed events = %v, want one", pub.reversed)
	}
}

func TestApply_PublishFailureDoesNotFailMovement(t *testing.T) {
	store := newFakeMovementStore()
	store.setBalance("acc-1", "EUR", 100)
	pub := &recordingPublisher{err: errors.New("broker down")}
	proc := NewMovementProcessor(store, pub, nil)

	if _, err := proc.Apply(context.Background(), incomeIntent(50)); err != nil {
		t.Fatalf("Apply() error = %v, publish failures must not surface", err)
	}
	if got := store.balance(t, "acc-1", "EUR"); !got.Equal(decimal.NewFromInt(150)) {
		t.Errorf("balance = %s, want 150", got)
	}
}
