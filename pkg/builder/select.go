package builder

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// alias is one entity occurrence in a query.
type alias struct {
	name  string
	sql   string
	index int
	meta  *schema.EntityMetadata
}

// joinStep navigates a relationship from a source alias to a new alias.
type joinStep struct {
	source   *alias
	target   *alias
	property string
	kind     schema.RelationKind
	fk       *schema.ForeignKeyMetadata
	ft       *schema.ForeignTableMetadata
	jt       *schema.JoinTableMetadata
	link     string
}

// toMany reports whether the step can multiply source rows.
func (j *joinStep) toMany() bool {
	return j.jt != nil || (j.ft != nil && j.ft.Many)
}

// query is the untyped state behind SelectQuery.
type query struct {
	db      *DB
	root    *alias
	aliases []*alias
	byName  map[string]*alias
	joins   []*joinStep
	where   []Condition
	orderBy []OrderBy
	limit   *int
	offset  *int
	err     error
}

func newQuery(db *DB, meta *schema.EntityMetadata) *query {
	root := &alias{sql: "t0", meta: meta}
	return &query{
		db:      db,
		root:    root,
		aliases: []*alias{root},
		byName:  map[string]*alias{"": root},
	}
}

// SelectQuery is a typed criteria query returning root entities of type T.
type SelectQuery[T any] struct {
	q *query
}

// Select starts a query over the entity type T.
// Usage: builder.Select[Node](db).Join("", "Children", "c").Where(builder.Eq("c.Name", "leaf")).All(ctx)
func Select[T any](d *DB) *SelectQuery[T] {
	meta, err := d.registry.Get(reflect.TypeFor[T]())
	if err != nil {
		return &SelectQuery[T]{q: &query{db: d, err: err}}
	}
	return &SelectQuery[T]{q: newQuery(d, meta)}
}

// As names the root alias. The root can always be addressed without an alias.
func (s *SelectQuery[T]) As(name string) *SelectQuery[T] {
	q := s.q
	if q.err != nil || name == "" {
		return s
	}
	if _, taken := q.byName[name]; taken {
		q.err = &runtime.CriteriaError{Property: name, Operator: "AS", Message: "alias already in use"}
		return s
	}
	q.root.name = name
	q.byName[name] = q.root
	return s
}

// Join follows the relationship property of the source alias ("" for the root) and
// names the joined entity alias. Joined relations are marked loaded on every
// materialized source instance.
func (s *SelectQuery[T]) Join(source, property, name string) *SelectQuery[T] {
	s.q.join(source, property, name)
	return s
}

// Where adds conditions combined with AND.
func (s *SelectQuery[T]) Where(conditions ...Condition) *SelectQuery[T] {
	s.q.where = append(s.q.where, conditions...)
	return s
}

// OrderBy adds an ORDER BY term.
func (s *SelectQuery[T]) OrderBy(property string, direction OrderDirection) *SelectQuery[T] {
	s.q.orderBy = append(s.q.orderBy, OrderBy{Property: property, Direction: direction})
	return s
}

// Limit caps the number of root entities returned.
func (s *SelectQuery[T]) Limit(limit int) *SelectQuery[T] {
	s.q.limit = &limit
	return s
}

// Offset skips root entities.
func (s *SelectQuery[T]) Offset(offset int) *SelectQuery[T] {
	s.q.offset = &offset
	return s
}

// ToSQL renders the statement.
func (s *SelectQuery[T]) ToSQL() (string, []any, error) {
	stmt, err := s.q.render()
	if err != nil {
		return "", nil, err
	}
	return stmt.SQL, stmt.Args, nil
}

// All runs the query and returns the root entities in result order.
func (s *SelectQuery[T]) All(ctx context.Context) ([]*T, error) {
	roots, err := s.q.all(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*T, 0, len(roots))
	for _, root := range roots {
		results = append(results, root.(*T))
	}
	return results, nil
}

// First returns the first root entity, or runtime.ErrNotFound.
func (s *SelectQuery[T]) First(ctx context.Context) (*T, error) {
	q := *s.q
	one := 1
	q.limit = &one
	roots, err := q.all(ctx)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%s: %w", q.root.meta.Name, runtime.ErrNotFound)
	}
	return roots[0].(*T), nil
}

// Count returns the number of distinct root entities matching the criteria,
// ignoring limit and offset.
func (s *SelectQuery[T]) Count(ctx context.Context) (int64, error) {
	stmt, err := s.q.renderCount()
	if err != nil {
		return 0, err
	}
	rows, err := s.q.db.Query(ctx, stmt)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	return count, rows.Err()
}

func (q *query) join(source, property, name string) {
	if q.err != nil {
		return
	}
	src, ok := q.byName[source]
	if !ok {
		q.err = &runtime.CriteriaError{Property: source + "." + property, Operator: "JOIN", Message: "unknown alias " + source}
		return
	}
	if _, taken := q.byName[name]; taken || name == "" {
		q.err = &runtime.CriteriaError{Property: source + "." + property, Operator: "JOIN", Message: fmt.Sprintf("alias %q is empty or already in use", name)}
		return
	}

	step := &joinStep{source: src, property: property, kind: src.meta.RelationOf(property)}
	var target *schema.EntityMetadata
	switch step.kind {
	case schema.ForeignKeyRelation:
		step.fk = src.meta.ForeignKey(property)
		target = step.fk.Target
	case schema.ForeignTableRelation:
		step.ft = src.meta.ForeignTable(property)
		target = step.ft.Target
	case schema.JoinTableRelation:
		step.jt = src.meta.JoinTable(property)
		target = step.jt.Target
		step.link = fmt.Sprintf("j%d", len(q.joins)+1)
	default:
		q.err = &runtime.CriteriaError{Property: src.meta.Name + "." + property, Operator: "JOIN", Message: "not a relationship"}
		return
	}
	if target == nil || target.GoType == nil {
		q.err = &runtime.CriteriaError{Property: src.meta.Name + "." + property, Operator: "JOIN", Message: "relationship target is not a managed type"}
		return
	}

	a := &alias{name: name, sql: fmt.Sprintf("t%d", len(q.aliases)), index: len(q.aliases), meta: target}
	step.target = a
	q.aliases = append(q.aliases, a)
	q.byName[name] = a
	q.joins = append(q.joins, step)
}

// resolve implements resolver over the query aliases.
func (q *query) resolve(property string) (string, *schema.ColumnMetadata, error) {
	a := q.root
	name := property
	if i := strings.LastIndex(property, "."); i >= 0 {
		var ok bool
		if a, ok = q.byName[property[:i]]; !ok {
			return "", nil, &runtime.CriteriaError{Property: property, Message: "unknown alias " + property[:i]}
		}
		name = property[i+1:]
	}
	col := a.meta.ColumnByProperty(name)
	if col == nil {
		col = a.meta.Column(name)
	}
	if col == nil {
		return "", nil, &runtime.CriteriaError{Property: property, Message: "unknown property of " + a.meta.Name}
	}
	return q.column(a, col.Name), col, nil
}

func (q *query) column(a *alias, name string) string {
	return a.sql + "." + q.db.dialect.QuoteIdentifier(name)
}

func (q *query) toMany() bool {
	return slices.ContainsFunc(q.joins, (*joinStep).toMany)
}

func (q *query) selectList() string {
	var cols []string
	for _, a := range q.aliases {
		for _, col := range a.meta.Columns {
			cols = append(cols, q.column(a, col.Name))
		}
	}
	return strings.Join(cols, ", ")
}

func (q *query) fromClause() string {
	d := q.db.dialect
	var sql strings.Builder
	sql.WriteString(" FROM ")
	sql.WriteString(d.QuoteIdentifier(q.root.meta.Table))
	sql.WriteString(" AS ")
	sql.WriteString(q.root.sql)

	for _, j := range q.joins {
		src, dst := j.source, j.target
		switch {
		case j.fk != nil:
			fmt.Fprintf(&sql, " LEFT JOIN %s AS %s ON %s = %s",
				d.QuoteIdentifier(dst.meta.Table), dst.sql,
				q.column(dst, dst.meta.ID.Columns[0]), q.column(src, j.fk.Column))
		case j.ft != nil:
			fmt.Fprintf(&sql, " LEFT JOIN %s AS %s ON %s = %s",
				d.QuoteIdentifier(dst.meta.Table), dst.sql,
				q.column(dst, j.ft.ForeignKey.Column), q.column(src, src.meta.ID.Columns[0]))
		case j.jt != nil:
			fmt.Fprintf(&sql, " LEFT JOIN %s AS %s ON %s.%s = %s",
				d.QuoteIdentifier(j.jt.Table), j.link,
				j.link, d.QuoteIdentifier(j.jt.OwnerColumn), q.column(src, src.meta.ID.Columns[0]))
			fmt.Fprintf(&sql, " LEFT JOIN %s AS %s ON %s = %s.%s",
				d.QuoteIdentifier(dst.meta.Table), dst.sql,
				q.column(dst, dst.meta.ID.Columns[0]), j.link, d.QuoteIdentifier(j.jt.TargetColumn))
		}
	}
	return sql.String()
}

func (q *query) orderClause() (string, error) {
	var terms []string
	for _, o := range q.orderBy {
		column, _, err := q.resolve(o.Property)
		if err != nil {
			return "", err
		}
		direction := o.Direction
		if direction == "" {
			direction = Asc
		}
		terms = append(terms, column+" "+string(direction))
	}
	// Identifier tiebreakers keep rows of one root together.
	for _, a := range q.aliases {
		for _, id := range a.meta.ID.Columns {
			column := q.column(a, id)
			if !slices.ContainsFunc(terms, func(t string) bool { return strings.HasPrefix(t, column+" ") }) {
				terms = append(terms, column+" "+string(Asc))
			}
		}
	}
	return " ORDER BY " + strings.Join(terms, ", "), nil
}

func (q *query) render() (Statement, error) {
	if q.err != nil {
		return Statement{}, q.err
	}
	params := dialect.NewParamBuilder(q.db.dialect)

	var sql strings.Builder
	sql.WriteString("SELECT ")
	sql.WriteString(q.selectList())
	sql.WriteString(q.fromClause())

	where, err := newWhereBuilder(q.db.dialect, params, q).Build(q.where)
	if err != nil {
		return Statement{}, err
	}
	if where != "" {
		sql.WriteString(" ")
		sql.WriteString(where)
	}

	order, err := q.orderClause()
	if err != nil {
		return Statement{}, err
	}
	sql.WriteString(order)

	if !q.toMany() {
		sql.WriteString(limitClause(q.db.dialect, q.limit, q.offset))
	}
	return Statement{SQL: sql.String(), Args: params.Params()}, nil
}

func (q *query) renderCount() (Statement, error) {
	if q.err != nil {
		return Statement{}, q.err
	}
	params := dialect.NewParamBuilder(q.db.dialect)
	where, err := newWhereBuilder(q.db.dialect, params, q).Build(q.where)
	if err != nil {
		return Statement{}, err
	}
	if where != "" {
		where = " " + where
	}

	var sql string
	if q.toMany() {
		ids := make([]string, len(q.root.meta.ID.Columns))
		for i, id := range q.root.meta.ID.Columns {
			ids[i] = q.column(q.root, id)
		}
		sql = "SELECT COUNT(*) FROM (SELECT DISTINCT " + strings.Join(ids, ", ") + q.fromClause() + where + ") AS c"
	} else {
		sql = "SELECT COUNT(*)" + q.fromClause() + where
	}
	return Statement{SQL: sql, Args: params.Params()}, nil
}

func (q *query) all(ctx context.Context) ([]any, error) {
	stmt, err := q.render()
	if err != nil {
		return nil, err
	}
	m := newMaterializer(q.db)
	roots, err := m.fetch(ctx, stmt, q.aliases, q.joins)
	if err != nil {
		return nil, err
	}
	if q.toMany() {
		roots = window(roots, q.limit, q.offset)
	}
	return roots, nil
}

// window applies limit and offset to already materialized roots.
func window(roots []any, limit, offset *int) []any {
	if offset != nil {
		if *offset >= len(roots) {
			return nil
		}
		roots = roots[*offset:]
	}
	if limit != nil && *limit < len(roots) {
		roots = roots[:*limit]
	}
	return roots
}

// limitClause renders LIMIT and OFFSET. Dialects without a standalone OFFSET get
// an unbounded LIMIT.
func limitClause(d dialect.Dialect, limit, offset *int) string {
	var sql strings.Builder
	switch {
	case limit != nil:
		fmt.Fprintf(&sql, " LIMIT %d", *limit)
	case offset != nil && d.Name() == "mysql":
		sql.WriteString(" LIMIT 18446744073709551615")
	case offset != nil && d.Name() == "sqlite":
		sql.WriteString(" LIMIT -1")
	}
	if offset != nil {
		fmt.Fprintf(&sql, " OFFSET %d", *offset)
	}
	return sql.String()
}
