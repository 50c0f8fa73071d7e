// Package sqlutil holds small helpers shared by the postgres and
// sqlite3 storage backends: transaction wrapping and engine-specific
// connection tuning.
package sqlutil

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Havelet/construct/setup/config"
)

// TxnFunc is run inside a transaction opened by WithTransaction.
type TxnFunc func(txn *sql.Tx) error

// WithTransaction runs fn inside a transaction, committing if fn
// returns nil and rolling back otherwise.
func WithTransaction(db *sql.DB, fn TxnFunc) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("sqlutil: begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = txn.Rollback()
			panic(r)
		}
	}()
	if err = fn(txn); err != nil {
		if rbErr := txn.Rollback(); rbErr != nil {
			return fmt.Errorf("sqlutil: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("sqlutil: commit transaction: %w", err)
	}
	return nil
}

// Transaction is anything that can finish a staged write-set: a
// *sql.Tx or a storage updater wrapping one.
type Transaction interface {
	Commit() error
	Rollback() error
}

// EndTransactionWithCheck commits txn if *succeeded is true and rolls
// it back otherwise, folding any commit/rollback failure into *err
// when no earlier error is already there. Meant to be deferred right
// after the transaction is opened.
func EndTransactionWithCheck(txn Transaction, succeeded *bool, err *error) {
	if !*succeeded {
		if rerr := txn.Rollback(); rerr != nil && *err == nil {
			*err = fmt.Errorf("sqlutil: rollback: %w", rerr)
		}
		return
	}
	if cerr := txn.Commit(); cerr != nil && *err == nil {
		*err = fmt.Errorf("sqlutil: commit: %w", cerr)
	}
}

// Queryer is the statement-running subset shared by *sql.Tx and
// *sql.DB, so callers written against a transaction can also run a
// single statement directly against the pool.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TxnOrDB returns txn widened to Queryer if non-nil, else db.
func TxnOrDB(db *sql.DB, txn *sql.Tx) Queryer {
	if txn != nil {
		return txn
	}
	return db
}

// Open opens a database handle for the given engine and tunes pool
// limits (max open/idle connections) from opts.
func Open(driverName, dataSourceName string, opts config.DatabaseOptions) (*sql.DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sqlutil: open %s: %w", driverName, err)
	}
	if opts.MaxOpenConnections > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConnections)
	}
	if opts.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConnections)
	}
	if driverName == "sqlite3" {
		// SQLite allows one writer, and each connection to a :memory:
		// DSN would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}
