package custody

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/cover-engine/internal/pgxtx"
)

const schema = `
CREATE TABLE IF NOT EXISTS custody_balances (
	account  TEXT NOT NULL,
	asset    TEXT NOT NULL,
	balance  NUMERIC(20,0) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	PRIMARY KEY (account, asset)
)`

// PostgresLedger implements Ledger on a balances table. When the context
// carries a transaction (see pgxtx) the transfer runs inside it, so it
// commits or rolls back together with the caller's records.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	keyring *Keyring
}

// NewPostgresLedger creates a PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool, keyring *Keyring) *PostgresLedger {
	return &PostgresLedger{pool: pool, keyring: keyring}
}

// Migrate creates the balances table if it does not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate custody: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Open(ctx context.Context, vault, asset string) error {
	tag, err := pgxtx.From(ctx, l.pool).Exec(ctx,
		`INSERT INTO custody_balances (account, asset, balance)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (account, asset) DO NOTHING`,
		vault, asset)
	if err != nil {
		return fmt.Errorf("open vault %s: %w", vault, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountExists, vault)
	}
	return nil
}

func (l *PostgresLedger) Transfer(ctx context.Context, t Transfer) error {
	if err := l.keyring.Authorize(t.From, t.Authority); err != nil {
		return err
	}

	tx, err := pgxtx.From(ctx, l.pool).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	amount := strconv.FormatUint(t.Amount, 10)

	tag, err := tx.Exec(ctx,
		`UPDATE custody_balances
		 SET balance = balance - $3::NUMERIC
		 WHERE account = $1 AND asset = $2 AND balance >= $3::NUMERIC`,
		t.From, t.Asset, amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", t.From, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := l.balance(ctx, tx, t.From, t.Asset); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s needs %d", ErrInsufficientFunds, t.From, t.Amount)
	}

	if IsVault(t.To) {
		tag, err = tx.Exec(ctx,
			`UPDATE custody_balances SET balance = balance + $3::NUMERIC
			 WHERE account = $1 AND asset = $2`,
			t.To, t.Asset, amount)
		if err == nil && tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, t.To)
		}
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO custody_balances (account, asset, balance)
			 VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (account, asset)
			 DO UPDATE SET balance = custody_balances.balance + EXCLUDED.balance`,
			t.To, t.Asset, amount)
	}
	if err != nil {
		return fmt.Errorf("credit %s: %w", t.To, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transfer: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Balance(ctx context.Context, account, asset string) (uint64, error) {
	return l.balance(ctx, pgxtx.From(ctx, l.pool), account, asset)
}

// Credit mints amount units of asset into a participant account.
func (l *PostgresLedger) Credit(ctx context.Context, account, asset string, amount uint64) error {
	if IsVault(account) {
		return fmt.Errorf("%w: cannot mint into vault %s", ErrUnauthorized, account)
	}
	_, err := pgxtx.From(ctx, l.pool).Exec(ctx,
		`INSERT INTO custody_balances (account, asset, balance)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (account, asset)
		 DO UPDATE SET balance = custody_balances.balance + EXCLUDED.balance`,
		account, asset, strconv.FormatUint(amount, 10))
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return nil
}

func (l *PostgresLedger) balance(ctx context.Context, db pgxtx.DBTX, account, asset string) (uint64, error) {
	var s string
	err := db.QueryRow(ctx,
		`SELECT balance::TEXT FROM custody_balances WHERE account = $1 AND asset = $2`,
		account, asset).Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		if IsVault(account) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", account, err)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", account, err)
	}
	return v, nil
}
