package builder

import (
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// UpdateStatement renders an UPDATE of columns on the row identified by ids.
func UpdateStatement(d dialect.Dialect, meta *schema.EntityMetadata, columns []*schema.ColumnMetadata, values []any, ids []any) Statement {
	params := dialect.NewParamBuilder(d)

	var sql strings.Builder
	sql.WriteString("UPDATE ")
	sql.WriteString(d.QuoteIdentifier(meta.Table))
	sql.WriteString(" SET ")

	sets := make([]string, len(columns))
	for i, col := range columns {
		sets[i] = d.QuoteIdentifier(col.Name) + " = " + params.Add(values[i])
	}
	sql.WriteString(strings.Join(sets, ", "))

	sql.WriteString(" WHERE ")
	sql.WriteString(idPredicate(d, params, meta.ID.Columns, ids))

	return Statement{SQL: sql.String(), Args: params.Params()}
}

// UnlinkStatement renders the clearing of a foreign key on every row referencing
// one of targetIDs.
func UnlinkStatement(d dialect.Dialect, fk *schema.ForeignKeyMetadata, targetIDs []any) Statement {
	params := dialect.NewParamBuilder(d)

	var sql strings.Builder
	sql.WriteString("UPDATE ")
	sql.WriteString(d.QuoteIdentifier(fk.Owner.Table))
	sql.WriteString(" SET ")
	sql.WriteString(d.QuoteIdentifier(fk.Column))
	sql.WriteString(" = NULL WHERE ")
	sql.WriteString(inPredicate(d, params, fk.Column, targetIDs))

	return Statement{SQL: sql.String(), Args: params.Params()}
}

// idPredicate matches one row by its identifier columns.
func idPredicate(d dialect.Dialect, params *dialect.ParamBuilder, columns []string, ids []any) string {
	parts := make([]string, len(columns))
	for i, col := range columns {
		parts[i] = d.QuoteIdentifier(col) + " = " + params.Add(ids[i])
	}
	return strings.Join(parts, " AND ")
}

// inPredicate matches rows whose column holds one of values.
func inPredicate(d dialect.Dialect, params *dialect.ParamBuilder, column string, values []any) string {
	if len(values) == 1 {
		return d.QuoteIdentifier(column) + " = " + params.Add(values[0])
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = params.Add(v)
	}
	return d.QuoteIdentifier(column) + " IN (" + strings.Join(placeholders, ", ") + ")"
}
