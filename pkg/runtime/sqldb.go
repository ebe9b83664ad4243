package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// SQLDB adapts a database/sql handle (MySQL, SQLite, or any registered driver) to Conn.
type SQLDB struct {
	db *sql.DB
}

// NewSQLDB wraps an already opened *sql.DB.
func NewSQLDB(db *sql.DB) *SQLDB {
	return &SQLDB{db: db}
}

// OpenSQL opens a database/sql handle for driverName and verifies it.
func OpenSQL(ctx context.Context, driverName, dsn string, maxConns int) (*SQLDB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driverName, err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &SQLDB{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *SQLDB) DB() *sql.DB {
	return s.db
}

// Exec executes a statement without returning any rows.
func (s *SQLDB) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}
	return res, nil
}

// Query executes a statement that returns rows.
func (s *SQLDB) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}
	return rows, nil
}

// Begin starts a new transaction.
func (s *SQLDB) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

// Ping verifies the database connection is alive.
func (s *SQLDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the handle.
func (s *SQLDB) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}
	return res, nil
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &QueryError{Query: query, Err: err}
	}
	return rows, nil
}

func (t *sqlTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTransactionClosed
		}
		return err
	}
	return nil
}

func (t *sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
