package dialect

import (
	"fmt"

	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

func init() {
	Register(&Postgres{})
}

// Postgres implements Dialect for PostgreSQL through pgx.
type Postgres struct{}

func (d *Postgres) Name() string       { return "postgres" }
func (d *Postgres) DriverName() string { return "pgx" }

func (d *Postgres) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *Postgres) QuoteIdentifier(name string) string { return quoteWith(name, `"`) }

func (d *Postgres) ColumnType(col *schema.ColumnMetadata, key bool) string {
	if col.SQLType != "" {
		return explicitType(col)
	}
	switch col.Kind {
	case schema.KindBool:
		return "BOOLEAN"
	case schema.KindInt16:
		return "SMALLINT"
	case schema.KindInt32:
		return "INTEGER"
	case schema.KindInt64:
		return "BIGINT"
	case schema.KindFloat32:
		return "REAL"
	case schema.KindFloat64:
		return "DOUBLE PRECISION"
	case schema.KindDecimal:
		return decimalType("NUMERIC", col)
	case schema.KindBytes:
		return "BYTEA"
	case schema.KindTime:
		return "TIMESTAMP WITH TIME ZONE"
	case schema.KindUUID:
		return "UUID"
	case schema.KindJSON:
		return "JSONB"
	}
	if col.MaxLength > 0 {
		return fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
	}
	return "TEXT"
}

func (d *Postgres) AutoIncrementClause(*schema.ColumnMetadata) string {
	return "GENERATED BY DEFAULT AS IDENTITY"
}

func (d *Postgres) AutoIncrementIsPrimaryKey() bool      { return false }
func (d *Postgres) SupportsReturning() bool              { return true }
func (d *Postgres) SupportsIndexInTableDefinition() bool { return false }
func (d *Postgres) SupportsIfNotExists() bool            { return true }
func (d *Postgres) InlineForeignKeys() bool              { return false }
