package dialect

import (
	"fmt"

	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

func init() {
	Register(&MySQL{})
}

// MySQL implements Dialect for MySQL and MariaDB through go-sql-driver/mysql.
type MySQL struct{}

func (d *MySQL) Name() string       { return "mysql" }
func (d *MySQL) DriverName() string { return "mysql" }

func (d *MySQL) Placeholder(int) string { return "?" }

func (d *MySQL) QuoteIdentifier(name string) string { return quoteWith(name, "`") }

func (d *MySQL) ColumnType(col *schema.ColumnMetadata, key bool) string {
	if col.SQLType != "" {
		return explicitType(col)
	}
	switch col.Kind {
	case schema.KindBool:
		return "BOOLEAN"
	case schema.KindInt16:
		return "SMALLINT"
	case schema.KindInt32:
		return "INT"
	case schema.KindInt64:
		return "BIGINT"
	case schema.KindFloat32:
		return "FLOAT"
	case schema.KindFloat64:
		return "DOUBLE"
	case schema.KindDecimal:
		return decimalType("DECIMAL", col)
	case schema.KindBytes:
		return "LONGBLOB"
	case schema.KindTime:
		return "DATETIME(6)"
	case schema.KindUUID:
		return "CHAR(36)"
	case schema.KindJSON:
		return "JSON"
	}
	switch {
	case col.MaxLength > 0:
		return fmt.Sprintf("VARCHAR(%d)", col.MaxLength)
	case key || col.Unique:
		// TEXT columns cannot be keyed without a prefix length.
		return "VARCHAR(255)"
	}
	return "TEXT"
}

func (d *MySQL) AutoIncrementClause(*schema.ColumnMetadata) string { return "AUTO_INCREMENT" }

func (d *MySQL) AutoIncrementIsPrimaryKey() bool      { return false }
func (d *MySQL) SupportsReturning() bool              { return false }
func (d *MySQL) SupportsIndexInTableDefinition() bool { return true }
func (d *MySQL) SupportsIfNotExists() bool            { return true }
func (d *MySQL) InlineForeignKeys() bool              { return false }
