package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bolsillo/internal/core"
)

// pocketRow is the wide table shape. Only the columns belonging to the row's
// type/subtype are non-NULL; inflate narrows the row back to its variant.
type pocketRow struct {
	ID        string
	OwnerID   string
	Name      string
	Emoji     string
	Type      string
	Subtype   sql.NullString
	AccountID string
	LinkedAccountID sql.NullString
	Currency  string
	Status    string
	StartsAt  time.Time
	EndsAt    sql.NullTime

	TargetAmount     sql.NullString
	AmountSaved      sql.NullString
	Frequency        sql.NullString
	AllowWithdrawals sql.NullBool

	AllocatedAmount sql.NullString
	SpentAmount     sql.NullString

	AverageAmount          sql.NullString
	LastPaymentAmount      sql.NullString
	NotificationDaysBefore sql.NullInt64
	DueDay                 sql.NullInt64

	MonthlyAmount sql.NullString
	AutoRegister  sql.NullBool

	OriginalAmount     sql.NullString
	RemainingAmount    sql.NullString
	InstallmentsTotal  sql.NullInt64
	InstallmentCurrent sql.NullInt64
	InstallmentAmount  sql.NullString
	InterestRate       sql.NullString
	AutomaticPayment   sql.NullBool
}

const pocketColumns = `id, owner_id, name, emoji, type, subtype, account_id, linked_account_id,
	currency, status, starts_at, ends_at,
	target_amount, amount_saved, frequency, allow_withdrawals,
	allocated_amount, spent_amount,
	average_amount, last_payment_amount, notification_days_before, due_day,
	monthly_amount, auto_register,
	original_amount, remaining_amount, installments_total, installment_current,
	installment_amount, interest_rate, automatic_payment`

func flattenPocket(p core.Pocket) pocketRow {
	m := p.Meta()
	row := pocketRow{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Name:      m.Name,
		Emoji:     m.Emoji,
		Type:      string(p.Type()),
		AccountID: m.AccountID,
		Currency:  string(m.Currency),
		Status:    string(m.Status),
		StartsAt:  m.StartsAt.UTC(),
	}
	if p.Subtype() != core.SubtypeNone {
		row.Subtype = sql.NullString{String: string(p.Subtype()), Valid: true}
	}

	switch v := p.(type) {
	case *core.SavingPocket:
		row.TargetAmount = decAsNull(v.TargetAmount)
		row.AmountSaved = decAsNull(v.AmountSaved)
		row.Frequency = sql.NullString{String: string(v.Frequency), Valid: true}
		row.AllowWithdrawals = sql.NullBool{Bool: v.AllowWithdrawals, Valid: true}
		if !v.EndsAt.IsZero() {
			row.EndsAt = sql.NullTime{Time: v.EndsAt.UTC(), Valid: true}
		}
	case *core.PeriodExpensePocket:
		row.AllocatedAmount = decAsNull(v.AllocatedAmount)
		row.SpentAmount = decAsNull(v.SpentAmount)
		row.EndsAt = sql.NullTime{Time: v.EndsAt.UTC(), Valid: true}
	case *core.RecurrentExpensePocket:
		row.AverageAmount = decAsNull(v.AverageAmount)
		row.LastPaymentAmount = decAsNull(v.LastPaymentAmount)
		row.DueDay = sql.NullInt64{Int64: int64(v.DueDay), Valid: true}
		row.NotificationDaysBefore = sql.NullInt64{Int64: int64(v.NotificationDaysBefore), Valid: true}
	case *core.FixedExpensePocket:
		row.MonthlyAmount = decAsNull(v.MonthlyAmount)
		row.DueDay = sql.NullInt64{Int64: int64(v.DueDay), Valid: true}
		row.AutoRegister = sql.NullBool{Bool: v.AutoRegister, Valid: true}
	case *core.DebtPocket:
		row.OriginalAmount = decAsNull(v.OriginalAmount)
		row.RemainingAmount = decAsNull(v.RemainingAmount)
		row.InstallmentsTotal = sql.NullInt64{Int64: int64(v.InstallmentsTotal), Valid: true}
		row.InstallmentCurrent = sql.NullInt64{Int64: int64(v.InstallmentCurrent), Valid: true}
		row.InstallmentAmount = decAsNull(v.InstallmentAmount)
		row.InterestRate = decAsNull(v.InterestRate)
		row.AutomaticPayment = sql.NullBool{Bool: v.AutomaticPayment, Valid: true}
		if v.DueDay != 0 {
			row.DueDay = sql.NullInt64{Int64: int64(v.DueDay), Valid: true}
		}
		if v.PaymentAccountID != "" {
			row.LinkedAccountID = sql.NullString{String: v.PaymentAccountID, Valid: true}
		}
	}
	return row
}

func inflatePocket(row pocketRow) (core.Pocket, error) {
	meta := core.PocketMeta{
		ID:        row.ID,
		OwnerID:   row.OwnerID,
		Name:      row.Name,
		Emoji:     row.Emoji,
		AccountID: row.AccountID,
		Currency:  core.Currency(row.Currency),
		Status:    core.PocketStatus(row.Status),
		StartsAt:  row.StartsAt,
	}

	switch core.PocketType(row.Type) {
	case core.PocketSaving:
		p := &core.SavingPocket{
			PocketMeta:       meta,
			TargetAmount:     nullDec(row.TargetAmount),
			AmountSaved:      nullDec(row.AmountSaved),
			Frequency:        core.Frequency(row.Frequency.String),
			AllowWithdrawals: row.AllowWithdrawals.Bool,
		}
		if row.EndsAt.Valid {
			p.EndsAt = row.EndsAt.Time
		}
		return p, nil

	case core.PocketExpense:
		switch core.ExpenseSubtype(row.Subtype.String) {
		case core.SubtypePeriod:
			return &core.PeriodExpensePocket{
				PocketMeta:      meta,
				AllocatedAmount: nullDec(row.AllocatedAmount),
				SpentAmount:     nullDec(row.SpentAmount),
				EndsAt:          row.EndsAt.Time,
			}, nil
		case core.SubtypeRecurrent:
			return &core.RecurrentExpensePocket{
				PocketMeta:             meta,
				AverageAmount:          nullDec(row.AverageAmount),
				DueDay:                 int(row.DueDay.Int64),
				NotificationDaysBefore: int(row.NotificationDaysBefore.Int64),
				LastPaymentAmount:      nullDec(row.LastPaymentAmount),
			}, nil
		case core.SubtypeFixed:
			return &core.FixedExpensePocket{
				PocketMeta:    meta,
				MonthlyAmount: nullDec(row.MonthlyAmount),
				DueDay:        int(row.DueDay.Int64),
				AutoRegister:  row.AutoRegister.Bool,
			}, nil
		}
		return nil, fmt.Errorf("pocket %s: unknown expense subtype %q", row.ID, row.Subtype.String)

	case core.PocketDebt:
		return &core.DebtPocket{
			PocketMeta:         meta,
			OriginalAmount:     nullDec(row.OriginalAmount),
			RemainingAmount:    nullDec(row.RemainingAmount),
			InstallmentsTotal:  int(row.InstallmentsTotal.Int64),
			InstallmentCurrent: int(row.InstallmentCurrent.Int64),
			InstallmentAmount:  nullDec(row.InstallmentAmount),
			InterestRate:       nullDec(row.InterestRate),
			DueDay:             int(row.DueDay.Int64),
			AutomaticPayment:   row.AutomaticPayment.Bool,
			PaymentAccountID:   row.LinkedAccountID.String,
		}, nil
	}
	return nil, fmt.Errorf("pocket %s: unknown type %q", row.ID, row.Type)
}

func (row pocketRow) args() []any {
	return []any{
		row.ID, row.OwnerID, row.Name, row.Emoji, row.Type, row.Subtype,
		row.AccountID, row.LinkedAccountID, row.Currency, row.Status,
		row.StartsAt, row.EndsAt,
		row.TargetAmount, row.AmountSaved, row.Frequency, row.AllowWithdrawals,
		row.AllocatedAmount, row.SpentAmount,
		row.AverageAmount, row.LastPaymentAmount, row.NotificationDaysBefore, row.DueDay,
		row.MonthlyAmount, row.AutoRegister,
		row.OriginalAmount, row.RemainingAmount, row.InstallmentsTotal, row.InstallmentCurrent,
		row.InstallmentAmount, row.InterestRate, row.AutomaticPayment,
	}
}

func scanPocket(s interface{ Scan(...any) error }) (core.Pocket, error) {
	var row pocketRow
	err := s.Scan(
		&row.ID, &row.OwnerID, &row.Name, &row.Emoji, &row.Type, &row.Subtype,
		&row.AccountID, &row.LinkedAccountID, &row.Currency, &row.Status,
		&row.StartsAt, &row.EndsAt,
		&row.TargetAmount, &row.AmountSaved, &row.Frequency, &row.AllowWithdrawals,
		&row.AllocatedAmount, &row.SpentAmount,
		&row.AverageAmount, &row.LastPaymentAmount, &row.NotificationDaysBefore, &row.DueDay,
		&row.MonthlyAmount, &row.AutoRegister,
		&row.OriginalAmount, &row.RemainingAmount, &row.InstallmentsTotal, &row.InstallmentCurrent,
		&row.InstallmentAmount, &row.InterestRate, &row.AutomaticPayment,
	)
	if err != nil {
		return nil, err
	}
	return inflatePocket(row)
}

func (q queries) CreatePocket(ctx context.Context, p core.Pocket) error {
	row := flattenPocket(p)
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO pockets (`+pocketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.args()...)
	if err != nil {
		return fmt.Errorf("insert pocket: %w", err)
	}
	return nil
}

func (q queries) GetPocket(ctx context.Context, id string) (core.Pocket, error) {
	r := q.db.QueryRowContext(ctx, `SELECT `+pocketColumns+` FROM pockets WHERE id = ?`, id)
	p, err := scanPocket(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownPocket, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pocket: %w", err)
	}
	return p, nil
}

func (q queries) ListPockets(ctx context.Context, ownerID string) ([]core.Pocket, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+pocketColumns+` FROM pockets WHERE owner_id = ? ORDER BY starts_at, name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list pockets: %w", err)
	}
	defer rows.Close()

	var pockets []core.Pocket
	for rows.Next() {
		p, err := scanPocket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pocket: %w", err)
		}
		pockets = append(pockets, p)
	}
	return pockets, rows.Err()
}

// UpdatePocket rewrites every column of the row from the variant. Used both
// for configuration updates and for aggregate mutation inside a movement
// transaction; the caller holds the pocket lock so a full rewrite is safe.
func (q queries) UpdatePocket(ctx context.Context, p core.Pocket) error {
	row := flattenPocket(p)
	res, err := q.db.ExecContext(ctx,
		`UPDATE pockets SET
			owner_id = ?, name = ?, emoji = ?, type = ?, subtype = ?,
			account_id = ?, linked_account_id = ?, currency = ?, status = ?,
			starts_at = ?, ends_at = ?,
			target_amount = ?, amount_saved = ?, frequency = ?, allow_withdrawals = ?,
			allocated_amount = ?, spent_amount = ?,
			average_amount = ?, last_payment_amount = ?, notification_days_before = ?, due_day = ?,
			monthly_amount = ?, auto_register = ?,
			original_amount = ?, remaining_amount = ?, installments_total = ?, installment_current = ?,
			installment_amount = ?, interest_rate = ?, automatic_payment = ?
		WHERE id = ?`,
		row.OwnerID, row.Name, row.Emoji, row.Type, row.Subtype,
		row.AccountID, row.LinkedAccountID, row.Currency, row.Status,
		row.StartsAt, row.EndsAt,
		row.TargetAmount, row.AmountSaved, row.Frequency, row.AllowWithdrawals,
		row.AllocatedAmount, row.SpentAmount,
		row.AverageAmount, row.LastPaymentAmount, row.NotificationDaysBefore, row.DueDay,
		row.MonthlyAmount, row.AutoRegister,
		row.OriginalAmount, row.RemainingAmount, row.InstallmentsTotal, row.InstallmentCurrent,
		row.InstallmentAmount, row.InterestRate, row.AutomaticPayment,
		row.ID)
	if err != nil {
		return fmt.Errorf("update pocket: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", core.ErrUnknownPocket, row.ID)
	}
	return nil
}

func decAsNull(d decimal.Decimal) sql.NullString {
	return sql.NullString{String: d.String(), Valid: true}
}

func nullDec(s sql.NullString) decimal.Decimal {
	if !s.Valid {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.Zero
	}
	return d
}
