package dbutil

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Tx remembers whether it has been finished so callers can defer
// MaybeRollback unconditionally.
type Tx struct {
	tx *sqlx.Tx
}

func (tt *Tx) Tx() *sqlx.Tx {
	return tt.tx
}

func NewTx(ctx context.Context, db *sqlx.DB, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func (tt *Tx) MaybeRollback() {
	if tt.tx != nil {
		tt.tx.Rollback()
		tt.tx = nil
	}
}

func (tt *Tx) Commit() error {
	err := tt.tx.Commit()
	if err == nil {
		tt.tx = nil
	}
	return err
}

// Queries use ? placeholders; they're rebound for the driver.

func (tt *Tx) Get(ctx context.Context, dest any, query string, args ...any) error {
	return tt.tx.GetContext(ctx, dest, tt.tx.Rebind(query), args...)
}

func (tt *Tx) Select(ctx context.Context, dest any, query string, args ...any) error {
	return tt.tx.SelectContext(ctx, dest, tt.tx.Rebind(query), args...)
}

func (tt *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tt.tx.ExecContext(ctx, tt.tx.Rebind(query), args...)
}

// WithTx opens a handle from c, runs fn in a transaction, commits, and
// closes the handle.
func WithTx(ctx context.Context, c *Connector, fn func(tx *Tx) error) error {
	db, err := c.Open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := NewTx(ctx, db, nil)
	if err != nil {
		return err
	}
	defer tx.MaybeRollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
