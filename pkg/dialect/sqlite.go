package dialect

import (
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

func init() {
	Register(&SQLite{})
}

// SQLite implements Dialect for SQLite via modernc.org/sqlite.
type SQLite struct{}

func (d *SQLite) Name() string       { return "sqlite" }
func (d *SQLite) DriverName() string { return "sqlite" }

func (d *SQLite) Placeholder(int) string { return "?" }

func (d *SQLite) QuoteIdentifier(name string) string { return quoteWith(name, `"`) }

func (d *SQLite) ColumnType(col *schema.ColumnMetadata, key bool) string {
	if col.SQLType != "" {
		return explicitType(col)
	}
	switch col.Kind {
	case schema.KindBool:
		return "BOOLEAN"
	case schema.KindInt16, schema.KindInt32, schema.KindInt64:
		return "INTEGER"
	case schema.KindFloat32, schema.KindFloat64:
		return "REAL"
	case schema.KindDecimal:
		return "NUMERIC"
	case schema.KindBytes:
		return "BLOB"
	case schema.KindTime:
		return "DATETIME"
	}
	return "TEXT"
}

// AutoIncrementClause declares the rowid alias; the column type must be INTEGER.
func (d *SQLite) AutoIncrementClause(*schema.ColumnMetadata) string {
	return "PRIMARY KEY AUTOINCREMENT"
}

func (d *SQLite) AutoIncrementIsPrimaryKey() bool      { return true }
func (d *SQLite) SupportsReturning() bool              { return true }
func (d *SQLite) SupportsIndexInTableDefinition() bool { return false }
func (d *SQLite) SupportsIfNotExists() bool            { return true }
func (d *SQLite) InlineForeignKeys() bool              { return true }
