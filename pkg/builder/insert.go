package builder

import (
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// InsertStatement renders an INSERT of one or more rows sharing columns. Each row
// holds one value per column. returning names the columns to read back; it is
// only rendered when the dialect supports RETURNING.
func InsertStatement(d dialect.Dialect, meta *schema.EntityMetadata, columns []*schema.ColumnMetadata, rows [][]any, returning []string) Statement {
	params := dialect.NewParamBuilder(d)

	var sql strings.Builder
	sql.WriteString("INSERT INTO ")
	sql.WriteString(d.QuoteIdentifier(meta.Table))

	if len(columns) == 0 {
		// Every column is generated.
		if d.Name() == "mysql" {
			sql.WriteString(" () VALUES ()")
		} else {
			sql.WriteString(" DEFAULT VALUES")
		}
	} else {
		names := make([]string, len(columns))
		for i, col := range columns {
			names[i] = col.Name
		}
		sql.WriteString(" (")
		sql.WriteString(dialect.QuoteAll(d, names))
		sql.WriteString(") VALUES ")

		valueClauses := make([]string, len(rows))
		for i, row := range rows {
			placeholders := make([]string, len(row))
			for j, v := range row {
				placeholders[j] = params.Add(v)
			}
			valueClauses[i] = "(" + strings.Join(placeholders, ", ") + ")"
		}
		sql.WriteString(strings.Join(valueClauses, ", "))
	}

	if len(returning) > 0 && d.SupportsReturning() {
		sql.WriteString(" RETURNING ")
		sql.WriteString(dialect.QuoteAll(d, returning))
	}

	return Statement{SQL: sql.String(), Args: params.Params()}
}

// InsertColumns returns the columns an INSERT writes: every column except
// database-generated identifiers.
func InsertColumns(meta *schema.EntityMetadata) []*schema.ColumnMetadata {
	cols := make([]*schema.ColumnMetadata, 0, len(meta.Columns))
	for _, col := range meta.Columns {
		if col.Generated == schema.GeneratedByDatabase {
			continue
		}
		cols = append(cols, col)
	}
	return cols
}

// JoinInsertStatement renders the insertion of join rows. Each pair holds the owner
// and the target identifier.
func JoinInsertStatement(d dialect.Dialect, jt *schema.JoinTableMetadata, pairs [][2]any) Statement {
	params := dialect.NewParamBuilder(d)

	var sql strings.Builder
	sql.WriteString("INSERT INTO ")
	sql.WriteString(d.QuoteIdentifier(jt.Table))
	sql.WriteString(" (")
	sql.WriteString(dialect.QuoteAll(d, []string{jt.OwnerColumn, jt.TargetColumn}))
	sql.WriteString(") VALUES ")

	valueClauses := make([]string, len(pairs))
	for i, pair := range pairs {
		valueClauses[i] = "(" + params.Add(pair[0]) + ", " + params.Add(pair[1]) + ")"
	}
	sql.WriteString(strings.Join(valueClauses, ", "))

	return Statement{SQL: sql.String(), Args: params.Params()}
}
