package migration

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/logging"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// TrackingTable records applied migrations.
const TrackingTable = "schema_migrations"

// Executor applies DDL inside transactions and tracks applied migrations.
type Executor struct {
	db      runtime.Database
	dialect dialect.Dialect
	logger  *zap.Logger
}

// NewExecutor creates an executor running statements on db.
func NewExecutor(db runtime.Database, d dialect.Dialect, logger *zap.Logger) *Executor {
	return &Executor{db: db, dialect: d, logger: logging.OrNop(logger)}
}

// Initialize creates the tracking table if it doesn't exist.
func (e *Executor) Initialize(ctx context.Context) error {
	version := &schema.ColumnMetadata{Kind: schema.KindString, MaxLength: 14}
	name := &schema.ColumnMetadata{Kind: schema.KindString, MaxLength: 255}
	appliedAt := &schema.ColumnMetadata{Kind: schema.KindTime}

	q := e.dialect.QuoteIdentifier
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s NOT NULL PRIMARY KEY, %s %s NOT NULL, %s %s NOT NULL)",
		q(TrackingTable),
		q("version"), e.dialect.ColumnType(version, true),
		q("name"), e.dialect.ColumnType(name, false),
		q("applied_at"), e.dialect.ColumnType(appliedAt, false),
	)
	if _, err := e.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create %s table: %w", TrackingTable, err)
	}
	return nil
}

// Applied returns the applied migrations ordered by version.
func (e *Executor) Applied(ctx context.Context) ([]Record, error) {
	q := e.dialect.QuoteIdentifier
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s ORDER BY %s ASC",
		q("version"), q("name"), q("applied_at"), q(TrackingTable), q("version"))

	rows, err := e.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record    Record
			appliedAt any
		)
		if err := rows.Scan(&record.Version, &record.Name, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		record.AppliedAt = toTime(appliedAt)
		records = append(records, record)
	}
	return records, rows.Err()
}

// IsApplied reports whether the migration with version has been applied.
func (e *Executor) IsApplied(ctx context.Context, version string) (bool, error) {
	records, err := e.Applied(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(records, func(r Record) bool { return r.Version == version }), nil
}

// Apply runs the up statements of m and records it, in one transaction.
func (e *Executor) Apply(ctx context.Context, m Migration) error {
	applied, err := e.IsApplied(ctx, m.Version)
	if err != nil {
		return err
	}
	if applied {
		return fmt.Errorf("migration %s is already applied", m.Version)
	}

	return e.inTx(ctx, func(tx runtime.Tx) error {
		if err := e.run(ctx, tx, m.Up); err != nil {
			return fmt.Errorf("migration %s: %w", m.Version, err)
		}
		params := dialect.NewParamBuilder(e.dialect)
		q := e.dialect.QuoteIdentifier
		insert := fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (%s, %s, %s)",
			q(TrackingTable), q("version"), q("name"), q("applied_at"),
			params.Add(m.Version), params.Add(m.Name), params.Add(time.Now().UTC()))
		if _, err := tx.Exec(ctx, insert, params.Params()...); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}
		return nil
	})
}

// Rollback runs the down statements of m and removes its record.
func (e *Executor) Rollback(ctx context.Context, m Migration) error {
	applied, err := e.IsApplied(ctx, m.Version)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("migration %s is not applied", m.Version)
	}

	return e.inTx(ctx, func(tx runtime.Tx) error {
		if err := e.run(ctx, tx, m.Down); err != nil {
			return fmt.Errorf("rollback of %s: %w", m.Version, err)
		}
		params := dialect.NewParamBuilder(e.dialect)
		q := e.dialect.QuoteIdentifier
		del := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", q(TrackingTable), q("version"), params.Add(m.Version))
		if _, err := tx.Exec(ctx, del, params.Params()...); err != nil {
			return fmt.Errorf("failed to delete migration record: %w", err)
		}
		return nil
	})
}

// ApplyStatements runs statements in one transaction without recording them.
func (e *Executor) ApplyStatements(ctx context.Context, statements []string) error {
	return e.inTx(ctx, func(tx runtime.Tx) error {
		return e.run(ctx, tx, statements)
	})
}

func (e *Executor) run(ctx context.Context, conn runtime.Conn, statements []string) error {
	for i, stmt := range statements {
		e.logger.Debug("applying statement", zap.Int("index", i), zap.String("sql", logging.SanitizeQuery(stmt)))
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d failed: %w", i+1, err)
		}
	}
	return nil
}

func (e *Executor) inTx(ctx context.Context, fn func(tx runtime.Tx) error) error {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	}
	return time.Time{}
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
