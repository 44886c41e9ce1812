package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"bolsillo/internal/core"

	_ "modernc.org/sqlite"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so every query method works
// inside and outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db DBTX
}

type SQLiteRepository struct {
	db *sql.DB
	queries
}

// Tx is a transaction-scoped repository view. Everything executed through it
// commits or rolls back as one unit.
type Tx struct {
	queries
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db, queries: queries{db: db}}, nil
}

// Ping reports whether the database connection is alive. Readiness probes
// call it.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// WithTx runs fn inside a single SQLite transaction. A commit whose outcome
// is unknown after writes were issued is reported as a partial application
// so the caller escalates to reconciliation instead of retrying blindly.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{queries: queries{db: sqlTx}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w: rollback failed (%v) after: %w", core.ErrPartialApplication, rbErr, err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit failed: %w", core.ErrPartialApplication, err)
	}
	return nil
}

// Accounts

func (q queries) CreateAccount(ctx context.Context, a core.Account) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO accounts (id, owner_id, name, type, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Name, string(a.Kind), a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	slog.InfoContext(ctx, "Account saved", "account_id", a.ID, "name", a.Name, "kind", a.Kind)
	return nil
}

func (q queries) GetAccount(ctx context.Context, id string) (core.Account, error) {
	var a core.Account
	var kind string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, type, created_at FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.OwnerID, &a.Name, &kind, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Account{}, fmt.Errorf("%w: %s", core.ErrUnknownAccount, id)
	}
	if err != nil {
		return core.Account{}, fmt.Errorf("get account: %w", err)
	}
	a.Kind = core.AccountKind(kind)
	return a, nil
}

func (q queries) ListAccounts(ctx context.Context, ownerID string) ([]core.Account, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, owner_id, name, type, created_at FROM accounts WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []core.Account
	for rows.Next() {
		var a core.Account
		var kind string
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Name, &kind, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		a.Kind = core.AccountKind(kind)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Account currencies

func (q queries) GetAccountCurrency(ctx context.Context, accountID string, currency core.Currency) (core.AccountCurrency, error) {
	var ac core.AccountCurrency
	var balance string
	var cur string
	err := q.db.QueryRowContext(ctx,
		`SELECT account_id, currency, balance, is_primary FROM account_currencies WHERE account_id = ? AND currency = ?`,
		accountID, string(currency)).
		Scan(&ac.AccountID, &cur, &balance, &ac.IsPrimary)
	if errors.Is(err, sql.ErrNoRows) {
		return core.AccountCurrency{}, fmt.Errorf("%w: %s/%s", core.ErrUnknownAccountCurrency, accountID, currency)
	}
	if err != nil {
		return core.AccountCurrency{}, fmt.Errorf("get account currency: %w", err)
	}
	ac.Currency = core.Currency(cur)
	ac.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return core.AccountCurrency{}, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	return ac, nil
}

func (q queries) CreateAccountCurrency(ctx context.Context, ac core.AccountCurrency) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO account_currencies (account_id, currency, balance, is_primary) VALUES (?, ?, ?, ?)`,
		ac.AccountID, string(ac.Currency), ac.Balance.String(), ac.IsPrimary)
	if err != nil {
		return fmt.Errorf("insert account currency: %w", err)
	}
	return nil
}

func (q queries) SetBalance(ctx context.Context, accountID string, currency core.Currency, balance decimal.Decimal) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE account_currencies SET balance = ? WHERE account_id = ? AND currency = ?`,
		balance.String(), accountID, string(currency))
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s", core.ErrUnknownAccountCurrency, accountID, currency)
	}
	return nil
}

func (q queries) ListAccountCurrencies(ctx context.Context, accountID string) ([]core.AccountCurrency, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT account_id, currency, balance, is_primary FROM account_currencies WHERE account_id = ? ORDER BY currency`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("list account currencies: %w", err)
	}
	defer rows.Close()

	var out []core.AccountCurrency
	for rows.Next() {
		var ac core.AccountCurrency
		var balance, cur string
		if err := rows.Scan(&ac.AccountID, &cur, &balance, &ac.IsPrimary); err != nil {
			return nil, fmt.Errorf("scan account currency: %w", err)
		}
		ac.Currency = core.Currency(cur)
		ac.Balance, err = decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("parse balance %q: %w", balance, err)
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}
