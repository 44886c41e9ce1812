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

// Movement sync states for the export pipeline.
const (
	SyncPending = "pending"
	SyncSynced  = "synced"
	SyncError   = "error"
)

const movementColumns = `id, owner_id, type, account_id, counter_account_id, pocket_id,
	amount, currency, dest_currency, dest_amount, date, description, status`

func (q queries) InsertMovement(ctx context.Context, m core.Movement) error {
	var destCurrency, destAmount any
	if m.DestCurrency != "" {
		destCurrency = string(m.DestCurrency)
		destAmount = m.DestAmount.String()
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO movements (`+movementColumns+`, sync_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerID, string(m.Type),
		nullStr(m.AccountID), nullStr(m.CounterAccountID), nullStr(m.PocketID),
		m.Amount.String(), string(m.Currency), destCurrency, destAmount,
		m.Date.UTC(), m.Description,
		string(m.Status), SyncPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func (q queries) GetMovement(ctx context.Context, id string) (core.Movement, error) {
	r := q.db.QueryRowContext(ctx,
		`SELECT `+movementColumns+` FROM movements WHERE id = ?`, id)
	m, err := scanMovement(r)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Movement{}, fmt.Errorf("%w: %s", core.ErrUnknownMovement, id)
	}
	if err != nil {
		return core.Movement{}, fmt.Errorf("get movement: %w", err)
	}
	return m, nil
}

func (q queries) SetMovementStatus(ctx context.Context, id string, status core.MovementStatus) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE movements SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update movement status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", core.ErrUnknownMovement, id)
	}
	return nil
}

func (q queries) ListMovements(ctx context.Context, ownerID string, limit int) ([]core.Movement, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+movementColumns+` FROM movements
		 WHERE owner_id = ? ORDER BY date DESC, created_at DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()
	return collectMovements(rows)
}

// ListUnsyncedMovements returns applied or reversed movements the export
// pipeline has not confirmed yet, oldest first.
func (q queries) ListUnsyncedMovements(ctx context.Context, limit int) ([]core.Movement, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+movementColumns+` FROM movements
		 WHERE sync_state = ? AND status != ?
		 ORDER BY created_at LIMIT ?`,
		SyncPending, string(core.MovementPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list unsynced movements: %w", err)
	}
	defer rows.Close()
	return collectMovements(rows)
}

func (q queries) MarkMovementSynced(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE movements SET sync_state = ? WHERE id = ?`, SyncSynced, id)
	if err != nil {
		return fmt.Errorf("mark movement synced: %w", err)
	}
	return nil
}

func (q queries) MarkMovementSyncError(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE movements SET sync_state = ? WHERE id = ?`, SyncError, id)
	if err != nil {
		return fmt.Errorf("mark movement sync error: %w", err)
	}
	return nil
}

// ListStalePendingMovements returns movements stuck in the pending saga
// sub-state for longer than the cutoff. Such rows were recorded but their
// balance effect never committed, so reconciliation removes them.
func (q queries) ListStalePendingMovements(ctx context.Context, before time.Time) ([]core.Movement, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+movementColumns+` FROM movements
		 WHERE status = ? AND created_at < ? ORDER BY created_at`,
		string(core.MovementPending), before.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale pending movements: %w", err)
	}
	defer rows.Close()
	return collectMovements(rows)
}

func (q queries) DeleteMovement(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM movements WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete movement: %w", err)
	}
	return nil
}

func scanMovement(s interface{ Scan(...any) error }) (core.Movement, error) {
	var m core.Movement
	var mType, currency, status, amount string
	var accountID, counterAccountID, pocketID, destCurrency, destAmount sql.NullString
	err := s.Scan(&m.ID, &m.OwnerID, &mType, &accountID, &counterAccountID, &pocketID,
		&amount, &currency, &destCurrency, &destAmount, &m.Date, &m.Description, &status)
	if err != nil {
		return core.Movement{}, err
	}
	m.Type = core.MovementType(mType)
	m.AccountID = accountID.String
	m.CounterAccountID = counterAccountID.String
	m.PocketID = pocketID.String
	m.Currency = core.Currency(currency)
	m.Status = core.MovementStatus(status)
	m.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return core.Movement{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	if destCurrency.Valid {
		m.DestCurrency = core.Currency(destCurrency.String)
		m.DestAmount, err = decimal.NewFromString(destAmount.String)
		if err != nil {
			return core.Movement{}, fmt.Errorf("parse dest amount %q: %w", destAmount.String, err)
		}
	}
	return m, nil
}

func collectMovements(rows *sql.Rows) ([]core.Movement, error) {
	var movements []core.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
