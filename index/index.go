// Package index keeps a SQLite copy of the account map for queries
// the Merkle store can't answer cheaply, such as ranking by balance.
// The store stays authoritative; the index records which root it
// reflects so callers can tell when it lags.
package index

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/t7a/pitledger/wallet"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned for an unknown account id.
var ErrNotFound = errors.New("account not found")

// Index is a SQLite read model of the account map.
type Index struct {
	sqlDB *sql.DB
}

// Open opens or creates the index database at path.
func Open(path string) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("index path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Index{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (ix *Index) Close() error {
	if ix == nil || ix.sqlDB == nil {
		return nil
	}
	return ix.sqlDB.Close()
}

// Root returns the state root the index reflects, or "" if it has
// never been written.
func (ix *Index) Root(ctx context.Context) (string, error) {
	var root string
	err := ix.sqlDB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'root'`).Scan(&root)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get root: %w", err)
	}
	return root, nil
}

// Apply upserts changed accounts and records root, in one SQL
// transaction.
func (ix *Index) Apply(ctx context.Context, root string, changed []wallet.Account) error {
	return ix.update(ctx, root, changed, false)
}

// Rebuild replaces the whole index with accts at root.
func (ix *Index) Rebuild(ctx context.Context, root string, accts []wallet.Account) error {
	return ix.update(ctx, root, accts, true)
}

func (ix *Index) update(ctx context.Context, root string, accts []wallet.Account, reset bool) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := ix.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if reset {
		if _, err = tx.ExecContext(ctx, `DELETE FROM accounts`); err != nil {
			return fmt.Errorf("clear accounts: %w", err)
		}
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO accounts (id, label, balance) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET label = excluded.label, balance = excluded.balance`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	for _, acct := range accts {
		if acct.Balance > math.MaxInt64 {
			return fmt.Errorf("balance of %s too large for index: %d", acct.ID, acct.Balance)
		}
		if _, err = stmt.ExecContext(ctx, acct.ID.String(), acct.Label, int64(acct.Balance)); err != nil {
			return fmt.Errorf("upsert %s: %w", acct.ID, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('root', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, root); err != nil {
		return fmt.Errorf("set root: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Account returns one account.
func (ix *Index) Account(ctx context.Context, id wallet.PublicKey) (wallet.Account, error) {
	row := ix.sqlDB.QueryRowContext(ctx, `SELECT id, label, balance FROM accounts WHERE id = ?`, id.String())
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Account{}, ErrNotFound
	}
	return acct, err
}

// Accounts returns up to limit accounts in id order, skipping the
// first offset.  A limit of zero or less means no limit.
func (ix *Index) Accounts(ctx context.Context, limit, offset int) ([]wallet.Account, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := ix.sqlDB.QueryContext(ctx,
		`SELECT id, label, balance FROM accounts ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return scanAccounts(rows)
}

// Richest returns the n accounts with the highest balances, ties
// broken by id.
func (ix *Index) Richest(ctx context.Context, n int) ([]wallet.Account, error) {
	rows, err := ix.sqlDB.QueryContext(ctx,
		`SELECT id, label, balance FROM accounts ORDER BY balance DESC, id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("richest accounts: %w", err)
	}
	return scanAccounts(rows)
}

// Total returns the number of accounts and the sum of their balances.
func (ix *Index) Total(ctx context.Context) (count int, sum uint64, err error) {
	var total int64
	err = ix.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(balance), 0) FROM accounts`).Scan(&count, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("total: %w", err)
	}
	return count, uint64(total), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (wallet.Account, error) {
	var hexid, label string
	var balance int64
	if err := row.Scan(&hexid, &label, &balance); err != nil {
		return wallet.Account{}, err
	}
	id, err := wallet.ParseKey(hexid)
	if err != nil {
		return wallet.Account{}, fmt.Errorf("scan account: %w", err)
	}
	return wallet.NewAccount(id, label, uint64(balance)), nil
}

func scanAccounts(rows *sql.Rows) (accts []wallet.Account, err error) {
	defer rows.Close()
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accts = append(accts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accts, nil
}
