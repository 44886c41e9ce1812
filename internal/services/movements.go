package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bolsillo/internal/core"
)

// MovementIntent is a user's money-movement request before it is applied.
type MovementIntent struct {
	OwnerID string
	Type    core.MovementType
	// AccountID is the source/affected account. Optional for pocket-scoped
	// kinds, which default to the pocket's linked account.
	AccountID        string
	CounterAccountID string        // transfer destination
	DestCurrency     core.Currency // transfer destination currency; empty means same
	PocketID         string
	Amount           decimal.Decimal
	Currency         core.Currency
	Date             time.Time
	Description      string
	// CreateCurrency lets a credit create the (account, currency) pair.
	// Debits never create pairs.
	CreateCurrency bool
}

// balanceDelta is one signed adjustment against an (account, currency) pair.
type balanceDelta struct {
	accountID string
	currency  core.Currency
	amount    decimal.Decimal
	create    bool // pair may be created before applying
}

// movementEffect is the fully resolved outcome of a movement: the ledger
// deltas plus the mutated pocket variant, ready to be written as one unit.
type movementEffect struct {
	deltas []balanceDelta
	pocket core.Pocket // nil when no pocket aggregate changes
	// fundsCheck, when set, is the account debit that must not exceed the
	// current balance (saving deposits).
	fundsCheck *balanceDelta
}

// MovementProcessor records movements and applies their balance and
// aggregate effects as one transaction. It is the only mutator of pocket
// aggregate fields.
type MovementProcessor struct {
	store     MovementStore
	publisher MovementPublisher // optional
	converter CurrencyConverter // optional
	locks     *keyedMutex
	now       func() time.Time
}

func NewMovementProcessor(store MovementStore, publisher MovementPublisher, converter CurrencyConverter) *MovementProcessor {
	return &MovementProcessor{
		store:     store,
		publisher: publisher,
		converter: converter,
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

// Apply validates the intent, checks availability, and records the movement
// together with its ledger and aggregate deltas. On failure before any write
// all state is untouched; a commit whose outcome is unknown surfaces
// core.ErrPartialApplication and is handed to reconciliation, never
// swallowed.
func (p *MovementProcessor) Apply(ctx context.Context, intent MovementIntent) (core.Movement, error) {
	m := core.Movement{
		ID:               uuid.NewString(),
		OwnerID:          intent.OwnerID,
		Type:             intent.Type,
		AccountID:        intent.AccountID,
		CounterAccountID: intent.CounterAccountID,
		PocketID:         intent.PocketID,
		Amount:           intent.Amount,
		Currency:         intent.Currency,
		Date:             intent.Date,
		Description:      intent.Description,
		Status:           core.MovementPending,
	}
	if intent.Type == core.MovementTransfer &&
		intent.DestCurrency != "" && intent.DestCurrency != intent.Currency {
		m.DestCurrency = intent.DestCurrency
	}
	if m.Date.IsZero() {
		m.Date = p.now()
	}
	if err := m.Validate(); err != nil {
		return core.Movement{}, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	pocket, err := p.resolvePocket(ctx, &m)
	if err != nil {
		return core.Movement{}, err
	}

	unlock := p.locks.Lock(p.lockKeys(m, pocket)...)
	defer unlock()

	// Re-read under the lock so no concurrent movement races the
	// aggregate check.
	if pocket != nil {
		pocket, err = p.store.GetPocket(ctx, m.PocketID)
		if err != nil {
			return core.Movement{}, err
		}
	}

	effect, err := p.buildEffect(ctx, &m, pocket, intent, false)
	if err != nil {
		return core.Movement{}, err
	}

	if err := p.execute(ctx, m, effect); err != nil {
		return core.Movement{}, err
	}
	m.Status = core.MovementApplied

	slog.InfoContext(ctx, "Movement applied",
		"movement_id", m.ID,
		"type", m.Type,
		"amount", m.Amount.String(),
		"currency", m.Currency,
		"account_id", m.AccountID,
		"pocket_id", m.PocketID)

	p.publish(ctx, m.ID, false)
	return m, nil
}

// Reverse compensates an applied movement: the opposite deltas are applied
// and the original record is marked reversed. The record itself is never
// edited or deleted.
func (p *MovementProcessor) Reverse(ctx context.Context, movementID string) (core.Movement, error) {
	m, err := p.store.GetMovement(ctx, movementID)
	if err != nil {
		return core.Movement{}, err
	}
	if m.Status != core.MovementApplied {
		return core.Movement{}, fmt.Errorf("%w: movement %s is %s, only applied movements can be reversed",
			core.ErrValidation, movementID, m.Status)
	}

	var pocket core.Pocket
	if m.PocketID != "" {
		pocket, err = p.store.GetPocket(ctx, m.PocketID)
		if err != nil {
			return core.Movement{}, err
		}
	}

	unlock := p.locks.Lock(p.lockKeys(m, pocket)...)
	defer unlock()

	// Re-read under the lock: a concurrent reversal of the same movement
	// may have flipped the status between the first read and the lock.
	m, err = p.store.GetMovement(ctx, movementID)
	if err != nil {
		return core.Movement{}, err
	}
	if m.Status != core.MovementApplied {
		return core.Movement{}, fmt.Errorf("%w: movement %s is %s, only applied movements can be reversed",
			core.ErrValidation, movementID, m.Status)
	}
	if pocket != nil {
		pocket, err = p.store.GetPocket(ctx, m.PocketID)
		if err != nil {
			return core.Movement{}, err
		}
	}

	effect, err := p.buildEffect(ctx, &m, pocket, MovementIntent{}, true)
	if err != nil {
		return core.Movement{}, err
	}

	err = p.store.InTx(ctx, func(tx MovementTx) error {
		for _, d := range effect.deltas {
			if _, err := applyDelta(ctx, tx, d.accountID, d.currency, d.amount); err != nil {
				return err
			}
		}
		if effect.pocket != nil {
			if err := tx.UpdatePocketAggregates(ctx, effect.pocket); err != nil {
				return fmt.Errorf("update pocket aggregates: %w", err)
			}
		}
		return tx.SetMovementStatus(ctx, m.ID, core.MovementReversed)
	})
	if err != nil {
		if errors.Is(err, core.ErrPartialApplication) {
			slog.ErrorContext(ctx, "Partial application on reversal, reconciliation required",
				"movement_id", m.ID, "error", err)
		}
		return core.Movement{}, err
	}
	m.Status = core.MovementReversed

	slog.InfoContext(ctx, "Movement reversed", "movement_id", m.ID, "type", m.Type)
	p.publish(ctx, m.ID, true)
	return m, nil
}

// execute writes the movement and its effect as one transaction: insert
// pending, apply deltas, flip to applied, commit.
func (p *MovementProcessor) execute(ctx context.Context, m core.Movement, effect movementEffect) error {
	err := p.store.InTx(ctx, func(tx MovementTx) error {
		for _, d := range effect.deltas {
			if d.create && d.amount.Sign() > 0 {
				if err := ensureCurrency(ctx, tx, d.accountID, d.currency, false); err != nil {
					return err
				}
			}
		}
		if fc := effect.fundsCheck; fc != nil {
			ac, err := tx.GetAccountCurrency(ctx, fc.accountID, fc.currency)
			if err != nil {
				return fmt.Errorf("load source balance: %w", err)
			}
			if fc.amount.Neg().GreaterThan(ac.Balance) {
				return fmt.Errorf("%w: %s available, %s required",
					core.ErrInsufficientAccountBalance, ac.Balance.String(), fc.amount.Neg().String())
			}
		}
		if err := tx.InsertMovement(ctx, m); err != nil {
			return fmt.Errorf("insert movement: %w", err)
		}
		for _, d := range effect.deltas {
			if _, err := applyDelta(ctx, tx, d.accountID, d.currency, d.amount); err != nil {
				return err
			}
		}
		if effect.pocket != nil {
			if err := tx.UpdatePocketAggregates(ctx, effect.pocket); err != nil {
				return fmt.Errorf("update pocket aggregates: %w", err)
			}
		}
		return tx.SetMovementStatus(ctx, m.ID, core.MovementApplied)
	})
	if err != nil && errors.Is(err, core.ErrPartialApplication) {
		slog.ErrorContext(ctx, "Partial application, reconciliation required",
			"movement_id", m.ID, "type", m.Type, "error", err)
	}
	return err
}

// resolvePocket loads the movement's pocket when its kind requires one and
// defaults the account to the pocket's linked account.
func (p *MovementProcessor) resolvePocket(ctx context.Context, m *core.Movement) (core.Pocket, error) {
	switch m.Type {
	case core.MovementIncome, core.MovementTransfer:
		if m.PocketID != "" {
			return nil, fmt.Errorf("%w: %s movements cannot reference a pocket", core.ErrValidation, m.Type)
		}
		if m.AccountID == "" {
			return nil, fmt.Errorf("%w: account required", core.ErrValidation)
		}
		return nil, nil
	}
	if m.PocketID == "" {
		return nil, fmt.Errorf("%w: pocket required for %s", core.ErrValidation, m.Type)
	}
	pocket, err := p.store.GetPocket(ctx, m.PocketID)
	if err != nil {
		return nil, err
	}
	switch m.Type {
	case core.MovementPocketExpense:
		// Spending from an allocation never touches an account balance;
		// recording one would corrupt replay of the account invariant.
		m.AccountID = ""
	case core.MovementDebtPayment:
		if dp, ok := pocket.(*core.DebtPocket); ok {
			m.AccountID = dp.PaymentAccountID // empty when no linked payment account
		}
	default:
		if m.AccountID == "" {
			m.AccountID = pocket.Meta().AccountID
		}
	}
	return pocket, nil
}

// lockKeys returns the sorted per-entity keys a movement must hold.
func (p *MovementProcessor) lockKeys(m core.Movement, pocket core.Pocket) []string {
	keys := make([]string, 0, 3)
	if m.AccountID != "" {
		keys = append(keys, "acct:"+pairKey(m.AccountID, m.Currency))
	}
	if m.CounterAccountID != "" {
		destCurrency := m.Currency
		if m.DestCurrency != "" {
			destCurrency = m.DestCurrency
		}
		keys = append(keys, "acct:"+pairKey(m.CounterAccountID, destCurrency))
	}
	if pocket != nil {
		keys = append(keys, "pocket:"+pocket.Meta().ID)
	}
	sort.Strings(keys)
	return keys
}

// buildEffect resolves the semantic direction of a movement kind into ledger
// deltas and the mutated pocket variant. With reverse set, every delta is
// negated and availability checks are skipped.
func (p *MovementProcessor) buildEffect(ctx context.Context, m *core.Movement, pocket core.Pocket, intent MovementIntent, reverse bool) (movementEffect, error) {
	sign := decimal.NewFromInt(1)
	if reverse {
		sign = decimal.NewFromInt(-1)
	}
	amount := m.Amount.Mul(sign)

	switch m.Type {
	case core.MovementIncome:
		return movementEffect{deltas: []balanceDelta{
			{accountID: m.AccountID, currency: m.Currency, amount: amount, create: intent.CreateCurrency},
		}}, nil

	case core.MovementTransfer:
		if m.CounterAccountID == "" || m.CounterAccountID == m.AccountID {
			return movementEffect{}, fmt.Errorf("%w: transfer requires a distinct destination account", core.ErrValidation)
		}
		destCurrency := m.Currency
		destAmount := amount
		if m.DestCurrency != "" {
			destCurrency = m.DestCurrency
			if reverse {
				// The converted leg is on the row; a fresh rate lookup
				// would undo a different amount than was credited.
				destAmount = m.DestAmount.Mul(sign)
			} else {
				if p.converter == nil {
					return movementEffect{}, fmt.Errorf("%w: cross-currency transfer needs a converter", core.ErrValidation)
				}
				converted, err := p.converter.Convert(ctx, m.Amount, m.Currency, m.DestCurrency)
				if err != nil {
					return movementEffect{}, fmt.Errorf("convert %s to %s: %w", m.Currency, m.DestCurrency, err)
				}
				m.DestAmount = converted
				destAmount = converted
			}
		}
		return movementEffect{deltas: []balanceDelta{
			{accountID: m.AccountID, currency: m.Currency, amount: amount.Neg()},
			{accountID: m.CounterAccountID, currency: destCurrency, amount: destAmount, create: intent.CreateCurrency},
		}}, nil

	case core.MovementSavingDeposit:
		saving, ok := pocket.(*core.SavingPocket)
		if !ok {
			return movementEffect{}, fmt.Errorf("%w: saving_deposit targets a saving pocket", core.ErrValidation)
		}
		if err := matchCurrency(m, saving.Currency); err != nil {
			return movementEffect{}, err
		}
		updated := *saving
		updated.AmountSaved = updated.AmountSaved.Add(amount) // overshoot past target allowed
		debit := balanceDelta{accountID: m.AccountID, currency: m.Currency, amount: amount.Neg()}
		eff := movementEffect{deltas: []balanceDelta{debit}, pocket: &updated}
		if !reverse {
			eff.fundsCheck = &debit
		}
		return eff, nil

	case core.MovementPocketReturn:
		saving, ok := pocket.(*core.SavingPocket)
		if !ok {
			return movementEffect{}, fmt.Errorf("%w: pocket_return targets a saving pocket", core.ErrValidation)
		}
		if err := matchCurrency(m, saving.Currency); err != nil {
			return movementEffect{}, err
		}
		if !reverse {
			if !saving.AllowWithdrawals {
				return movementEffect{}, fmt.Errorf("%w: pocket does not allow withdrawals", core.ErrValidation)
			}
			if m.Amount.GreaterThan(saving.AmountSaved) {
				return movementEffect{}, fmt.Errorf("%w: %s available, %s required",
					core.ErrInsufficientPocketBalance, saving.AmountSaved.String(), m.Amount.String())
			}
		}
		updated := *saving
		updated.AmountSaved = updated.AmountSaved.Sub(amount)
		return movementEffect{
			deltas: []balanceDelta{{accountID: m.AccountID, currency: m.Currency, amount: amount}},
			pocket: &updated,
		}, nil

	case core.MovementPocketExpense:
		period, ok := pocket.(*core.PeriodExpensePocket)
		if !ok {
			return movementEffect{}, fmt.Errorf("%w: pocket_expense targets a period budget pocket", core.ErrValidation)
		}
		if err := matchCurrency(m, period.Currency); err != nil {
			return movementEffect{}, err
		}
		if !reverse {
			if available := period.Available(); m.Amount.GreaterThan(available) {
				return movementEffect{}, fmt.Errorf("%w: %s available, %s required",
					core.ErrInsufficientPocketBalance, available.String(), m.Amount.String())
			}
		}
		updated := *period
		updated.SpentAmount = updated.SpentAmount.Add(amount)
		// The account was already debited when the pocket was funded;
		// spending from the allocation touches the pocket only.
		return movementEffect{pocket: &updated}, nil

	case core.MovementFixedExpense:
		switch fp := pocket.(type) {
		case *core.FixedExpensePocket:
			if err := matchCurrency(m, fp.Currency); err != nil {
				return movementEffect{}, err
			}
			return movementEffect{deltas: []balanceDelta{
				{accountID: m.AccountID, currency: m.Currency, amount: amount.Neg()},
			}}, nil
		case *core.RecurrentExpensePocket:
			if err := matchCurrency(m, fp.Currency); err != nil {
				return movementEffect{}, err
			}
			updated := *fp
			if !reverse {
				updated.LastPaymentAmount = m.Amount
			}
			return movementEffect{
				deltas: []balanceDelta{{accountID: m.AccountID, currency: m.Currency, amount: amount.Neg()}},
				pocket: &updated,
			}, nil
		default:
			return movementEffect{}, fmt.Errorf("%w: fixed_expense targets a fixed or recurrent bill pocket", core.ErrValidation)
		}

	case core.MovementDebtPayment:
		debt, ok := pocket.(*core.DebtPocket)
		if !ok {
			return movementEffect{}, fmt.Errorf("%w: debt_payment targets a debt pocket", core.ErrValidation)
		}
		if err := matchCurrency(m, debt.Currency); err != nil {
			return movementEffect{}, err
		}
		if !reverse && m.Amount.GreaterThan(debt.RemainingAmount) {
			return movementEffect{}, fmt.Errorf("%w: %s remaining, %s required",
				core.ErrInsufficientPocketBalance, debt.RemainingAmount.String(), m.Amount.String())
		}
		updated := *debt
		updated.RemainingAmount = updated.RemainingAmount.Sub(amount)
		if reverse {
			updated.InstallmentCurrent--
		} else {
			updated.InstallmentCurrent++
		}
		eff := movementEffect{pocket: &updated}
		if m.AccountID != "" {
			eff.deltas = []balanceDelta{
				{accountID: m.AccountID, currency: m.Currency, amount: amount.Neg()},
			}
		}
		return eff, nil

	default:
		return movementEffect{}, fmt.Errorf("%w: unknown movement type %q", core.ErrValidation, string(m.Type))
	}
}

func matchCurrency(m *core.Movement, pocketCurrency core.Currency) error {
	if m.Currency != pocketCurrency {
		return fmt.Errorf("%w: movement currency %s does not match pocket currency %s",
			core.ErrValidation, m.Currency, pocketCurrency)
	}
	return nil
}

func (p *MovementProcessor) publish(ctx context.Context, movementID string, reversed bool) {
	if p.publisher == nil {
		return
	}
	var err error
	if reversed {
		err = p.publisher.PublishMovementReversed(ctx, movementID)
	} else {
		err = p.publisher.PublishMovementApplied(ctx, movementID)
	}
	if err != nil {
		// The movement is committed; the worker's pending sweep picks
		// up missed events.
		slog.ErrorContext(ctx, "Failed to publish movement event",
			"movement_id", movementID, "reversed", reversed, "error", err)
	}
}
