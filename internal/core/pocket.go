package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PocketSaving  PocketType = "saving"
	PocketExpense PocketType = "expense"
	PocketDebt    PocketType = "debt"
)

const (
	SubtypeNone      ExpenseSubtype = ""
	SubtypePeriod    ExpenseSubtype = "period"
	SubtypeRecurrent ExpenseSubtype = "recurrent"
	SubtypeFixed     ExpenseSubtype = "fixed"
)

const (
	StatusActive    PocketStatus = "active"
	StatusCompleted PocketStatus = "completed"
	StatusCancelled PocketStatus = "cancelled"
)

const (
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyNone    Frequency = "none"
)

type (
	PocketType     string
	ExpenseSubtype string
	PocketStatus   string
	Frequency      string
)

// PocketMeta holds the fields common to every pocket variant.
type PocketMeta struct {
	ID        string
	OwnerID   string
	Name      string
	Emoji     string
	AccountID string
	Currency  Currency
	Status    PocketStatus
	StartsAt  time.Time
}

// Pocket is a sealed sum type: exactly one concrete case per type/subtype
// combination. Code switching on the concrete type is exhaustive and can
// never read a field belonging to another variant.
type Pocket interface {
	Meta() *PocketMeta
	Type() PocketType
	Subtype() ExpenseSubtype
	pocket()
}

// SavingPocket is a saving goal. AmountSaved is an aggregate field, mutated
// only through movement application. Deposits may push it past TargetAmount;
// nothing clamps the overshoot.
type SavingPocket struct {
	PocketMeta
	TargetAmount     decimal.Decimal
	AmountSaved      decimal.Decimal
	Frequency        Frequency
	AllowWithdrawals bool
	EndsAt           time.Time // zero when open-ended
}

// PeriodExpensePocket is a time-boxed budget: a fixed allocation spent down
// between StartsAt and EndsAt. SpentAmount is the aggregate.
type PeriodExpensePocket struct {
	PocketMeta
	AllocatedAmount decimal.Decimal
	SpentAmount     decimal.Decimal
	EndsAt          time.Time
}

// RecurrentExpensePocket tracks a variable recurring bill by its monthly
// average. LastPaymentAmount is zero until the first payment is registered.
type RecurrentExpensePocket struct {
	PocketMeta
	AverageAmount          decimal.Decimal
	DueDay                 int
	NotificationDaysBefore int
	LastPaymentAmount      decimal.Decimal
}

// FixedExpensePocket is a fixed monthly bill. MonthlyAmount may start as a
// zero placeholder; per-bill entries are a future extension point.
type FixedExpensePocket struct {
	PocketMeta
	MonthlyAmount decimal.Decimal
	DueDay        int
	AutoRegister  bool
}

// DebtPocket is an installment debt. RemainingAmount and InstallmentCurrent
// are aggregates mutated only by debt_payment movements.
type DebtPocket struct {
	PocketMeta
	OriginalAmount     decimal.Decimal
	RemainingAmount    decimal.Decimal
	InstallmentsTotal  int
	InstallmentCurrent int
	InstallmentAmount  decimal.Decimal // zero when unset
	InterestRate       decimal.Decimal // zero when unset
	DueDay             int
	AutomaticPayment   bool
	PaymentAccountID   string // optional linked payment account
}

func (p *SavingPocket) Meta() *PocketMeta          { return &p.PocketMeta }
func (p *SavingPocket) Type() PocketType           { return PocketSaving }
func (p *SavingPocket) Subtype() ExpenseSubtype    { return SubtypeNone }
func (p *SavingPocket) pocket()                    {}
func (p *PeriodExpensePocket) Meta() *PocketMeta   { return &p.PocketMeta }
func (p *PeriodExpensePocket) Type() PocketType    { return PocketExpense }
func (p *PeriodExpensePocket) Subtype() ExpenseSubtype { return SubtypePeriod }
func (p *PeriodExpensePocket) pocket()             {}
func (p *RecurrentExpensePocket) Meta() *PocketMeta { return &p.PocketMeta }
func (p *RecurrentExpensePocket) Type() PocketType { return PocketExpense }
func (p *RecurrentExpensePocket) Subtype() ExpenseSubtype { return SubtypeRecurrent }
func (p *RecurrentExpensePocket) pocket()          {}
func (p *FixedExpensePocket) Meta() *PocketMeta    { return &p.PocketMeta }
func (p *FixedExpensePocket) Type() PocketType     { return PocketExpense }
func (p *FixedExpensePocket) Subtype() ExpenseSubtype { return SubtypeFixed }
func (p *FixedExpensePocket) pocket()              {}
func (p *DebtPocket) Meta() *PocketMeta            { return &p.PocketMeta }
func (p *DebtPocket) Type() PocketType             { return PocketDebt }
func (p *DebtPocket) Subtype() ExpenseSubtype      { return SubtypeNone }
func (p *DebtPocket) pocket()                      {}

// Available returns the unspent remainder of a period budget.
func (p *PeriodExpensePocket) Available() decimal.Decimal {
	return p.AllocatedAmount.Sub(p.SpentAmount)
}

func (f Frequency) Validate() error {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyNone:
		return nil
	}
	return fmt.Errorf("%w: unknown frequency %q", ErrValidation, string(f))
}

// PocketConfig is the flat, user-supplied pocket configuration. Build
// validates it for the declared type/subtype and produces the normalized
// variant; Build is also the serializer in the sense that the result carries
// only the fields relevant to the resolved variant.
type PocketConfig struct {
	OwnerID   string
	Name      string
	Emoji     string
	Type      PocketType
	Subtype   ExpenseSubtype
	AccountID string
	Currency  Currency
	StartsAt  time.Time
	// EndsAt and DurationDays are two input modes for the same horizon;
	// when both are present the explicit date wins.
	EndsAt       time.Time
	DurationDays int

	TargetAmount     decimal.Decimal
	Frequency        Frequency
	AllowWithdrawals bool

	AllocatedAmount decimal.Decimal

	AverageAmount          decimal.Decimal
	NotificationDaysBefore int

	MonthlyAmount decimal.Decimal
	AutoRegister  bool

	OriginalAmount    decimal.Decimal
	InstallmentsTotal int
	InstallmentAmount decimal.Decimal
	InterestRate      decimal.Decimal
	AutomaticPayment  bool
	PaymentAccountID  string

	DueDay int
}

// endsAt resolves the dual input mode to an explicit end date. Zero when
// neither mode was supplied.
func (c PocketConfig) endsAt() time.Time {
	if !c.EndsAt.IsZero() {
		return DateOnly(c.EndsAt)
	}
	if c.DurationDays > 0 && !c.StartsAt.IsZero() {
		return DateOnly(c.StartsAt).AddDate(0, 0, c.DurationDays-1)
	}
	return time.Time{}
}

// Build validates the configuration and constructs the pocket variant.
// Rules are evaluated in a fixed order; the first failure wins.
func (c PocketConfig) Build() (Pocket, error) {
	if strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrEmptyName)
	}
	if err := c.Currency.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	startsAt := c.StartsAt
	if startsAt.IsZero() {
		return nil, fmt.Errorf("%w: starts_at required", ErrValidation)
	}
	meta := PocketMeta{
		OwnerID:   c.OwnerID,
		Name:      strings.TrimSpace(c.Name),
		Emoji:     c.Emoji,
		AccountID: c.AccountID,
		Currency:  c.Currency,
		Status:    StatusActive,
		StartsAt:  DateOnly(startsAt),
	}

	switch c.Type {
	case PocketSaving:
		if c.TargetAmount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: target_amount must be positive", ErrValidation)
		}
		freq := c.Frequency
		if freq == "" {
			freq = FrequencyNone
		}
		if err := freq.Validate(); err != nil {
			return nil, err
		}
		return &SavingPocket{
			PocketMeta:       meta,
			TargetAmount:     c.TargetAmount,
			AmountSaved:      decimal.Zero,
			Frequency:        freq,
			AllowWithdrawals: c.AllowWithdrawals,
			EndsAt:           c.endsAt(),
		}, nil

	case PocketExpense:
		switch c.Subtype {
		case SubtypePeriod:
			if c.AllocatedAmount.Sign() <= 0 {
				return nil, fmt.Errorf("%w: allocated_amount must be positive", ErrValidation)
			}
			ends := c.endsAt()
			if ends.IsZero() {
				return nil, fmt.Errorf("%w: ends_at required for period budgets", ErrValidation)
			}
			if !ends.After(meta.StartsAt) {
				return nil, fmt.Errorf("%w: ends_at must be after starts_at", ErrValidation)
			}
			return &PeriodExpensePocket{
				PocketMeta:      meta,
				AllocatedAmount: c.AllocatedAmount,
				SpentAmount:     decimal.Zero,
				EndsAt:          ends,
			}, nil

		case SubtypeRecurrent:
			if c.AverageAmount.Sign() <= 0 {
				return nil, fmt.Errorf("%w: average_amount must be positive", ErrValidation)
			}
			if err := validateDueDay(c.DueDay); err != nil {
				return nil, err
			}
			return &RecurrentExpensePocket{
				PocketMeta:             meta,
				AverageAmount:          c.AverageAmount,
				DueDay:                 c.DueDay,
				NotificationDaysBefore: c.NotificationDaysBefore,
				LastPaymentAmount:      decimal.Zero,
			}, nil

		case SubtypeFixed:
			// MonthlyAmount starts as a zero placeholder; individual
			// bills are a future extension point.
			if c.MonthlyAmount.Sign() < 0 {
				return nil, fmt.Errorf("%w: monthly_amount cannot be negative", ErrValidation)
			}
			if err := validateDueDay(c.DueDay); err != nil {
				return nil, err
			}
			return &FixedExpensePocket{
				PocketMeta:    meta,
				MonthlyAmount: c.MonthlyAmount,
				DueDay:        c.DueDay,
				AutoRegister:  c.AutoRegister,
			}, nil

		default:
			return nil, fmt.Errorf("%w: unknown expense subtype %q", ErrValidation, string(c.Subtype))
		}

	case PocketDebt:
		if c.OriginalAmount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: original_amount must be positive", ErrValidation)
		}
		if c.InstallmentsTotal <= 0 {
			return nil, fmt.Errorf("%w: installments_total must be positive", ErrValidation)
		}
		if c.DueDay != 0 {
			if err := validateDueDay(c.DueDay); err != nil {
				return nil, err
			}
		}
		return &DebtPocket{
			PocketMeta:         meta,
			OriginalAmount:     c.OriginalAmount,
			RemainingAmount:    c.OriginalAmount,
			InstallmentsTotal:  c.InstallmentsTotal,
			InstallmentCurrent: 0,
			InstallmentAmount:  c.InstallmentAmount,
			InterestRate:       c.InterestRate,
			DueDay:             c.DueDay,
			AutomaticPayment:   c.AutomaticPayment,
			PaymentAccountID:   c.PaymentAccountID,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown pocket type %q", ErrValidation, string(c.Type))
	}
}

func validateDueDay(d int) error {
	if d < 1 || d > 31 {
		return fmt.Errorf("%w: due_day must be between 1 and 31", ErrValidation)
	}
	return nil
}
