package runtime

import "context"

// Conn is the statement execution primitive the engine runs on.
// Implementations wrap a pgx pool, a database/sql handle or a transaction of either.
type Conn interface {
	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args ...any) (Result, error)
	// Query executes a statement that returns rows.
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// Result summarizes an executed statement. It matches database/sql's Result.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Rows iterates over a query result. *sql.Rows satisfies it directly.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Tx is a Conn bound to a transaction.
type Tx interface {
	Conn
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Database is a pooled Conn that can start transactions.
type Database interface {
	Conn
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// QueryValues runs query and returns the first column of every row.
func QueryValues(ctx context.Context, conn Conn, query string, args ...any) ([]any, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
