package dialect

import (
	"fmt"

	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

func init() {
	Register(&H2{})
}

// H2 implements Dialect for the H2 database. There is no Go driver for H2, so the
// dialect only renders DDL and statements.
type H2 struct{}

func (d *H2) Name() string       { return "h2" }
func (d *H2) DriverName() string { return "" }

func (d *H2) Placeholder(int) string { return "?" }

func (d *H2) QuoteIdentifier(name string) string { return quoteWith(name, `"`) }

func (d *H2) ColumnType(col *schema.ColumnMetadata, key bool) string {
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
		return decimalType("DECIMAL", col)
	case schema.KindBytes:
		return "VARBINARY"
	case schema.KindTime:
		return "TIMESTAMP WITH TIME ZONE"
	case schema.KindUUID:
		return "UUID"
	case schema.KindJSON:
		return "JSON"
	}
	if col.MaxLength > 0 {
		return fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
	}
	return "VARCHAR"
}

func (d *H2) AutoIncrementClause(*schema.ColumnMetadata) string { return "AUTO_INCREMENT" }

func (d *H2) AutoIncrementIsPrimaryKey() bool      { return false }
func (d *H2) SupportsReturning() bool              { return false }
func (d *H2) SupportsIndexInTableDefinition() bool { return false }
func (d *H2) SupportsIfNotExists() bool            { return true }
func (d *H2) InlineForeignKeys() bool              { return false }
