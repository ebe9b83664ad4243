package builder

import (
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// DeleteStatement renders the deletion of the rows identified by ids, one entry
// per row. Single-column identifiers use IN; composite identifiers OR their
// column matches.
func DeleteStatement(d dialect.Dialect, meta *schema.EntityMetadata, ids [][]any) Statement {
	params := dialect.NewParamBuilder(d)

	var sql strings.Builder
	sql.WriteString("DELETE FROM ")
	sql.WriteString(d.QuoteIdentifier(meta.Table))
	sql.WriteString(" WHERE ")

	if len(meta.ID.Columns) == 1 {
		values := make([]any, len(ids))
		for i, id := range ids {
			values[i] = id[0]
		}
		sql.WriteString(inPredicate(d, params, meta.ID.Columns[0], values))
	} else {
		sql.WriteString(rowsPredicate(d, params, meta.ID.Columns, ids))
	}

	return Statement{SQL: sql.String(), Args: params.Params()}
}

// DeleteByForeignKeyStatement renders the deletion of every row referencing one of
// targetIDs through fk.
func DeleteByForeignKeyStatement(d dialect.Dialect, fk *schema.ForeignKeyMetadata, targetIDs []any) Statement {
	params := dialect.NewParamBuilder(d)
	sql := "DELETE FROM " + d.QuoteIdentifier(fk.Owner.Table) + " WHERE " + inPredicate(d, params, fk.Column, targetIDs)
	return Statement{SQL: sql, Args: params.Params()}
}

// JoinDeleteStatement renders the removal of specific join rows, given as owner and
// target identifier pairs.
func JoinDeleteStatement(d dialect.Dialect, jt *schema.JoinTableMetadata, pairs [][2]any) Statement {
	params := dialect.NewParamBuilder(d)
	rows := make([][]any, len(pairs))
	for i, pair := range pairs {
		rows[i] = []any{pair[0], pair[1]}
	}
	sql := "DELETE FROM " + d.QuoteIdentifier(jt.Table) + " WHERE " +
		rowsPredicate(d, params, []string{jt.OwnerColumn, jt.TargetColumn}, rows)
	return Statement{SQL: sql, Args: params.Params()}
}

// JoinDeleteByColumnStatement renders the removal of every join row whose owner
// column (or target column when byOwner is false) holds one of values.
func JoinDeleteByColumnStatement(d dialect.Dialect, jt *schema.JoinTableMetadata, byOwner bool, values []any) Statement {
	column := jt.TargetColumn
	if byOwner {
		column = jt.OwnerColumn
	}
	params := dialect.NewParamBuilder(d)
	sql := "DELETE FROM " + d.QuoteIdentifier(jt.Table) + " WHERE " + inPredicate(d, params, column, values)
	return Statement{SQL: sql, Args: params.Params()}
}

// rowsPredicate matches rows by several columns at once.
func rowsPredicate(d dialect.Dialect, params *dialect.ParamBuilder, columns []string, rows [][]any) string {
	parts := make([]string, len(rows))
	for i, row := range rows {
		parts[i] = idPredicate(d, params, columns, row)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	for i := range parts {
		parts[i] = "(" + parts[i] + ")"
	}
	return strings.Join(parts, " OR ")
}
