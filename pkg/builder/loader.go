package builder

import (
	"context"
	"fmt"
	"reflect"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// LoadEntity implements entity.Client. It fills an instance that only carries its
// identifier.
func (d *DB) LoadEntity(ctx context.Context, instance any) error {
	meta, err := d.registry.Get(reflect.TypeOf(instance))
	if err != nil {
		return err
	}
	ids, err := meta.IDValues(instance)
	if err != nil {
		return err
	}

	q := newQuery(d, meta)
	params := dialect.NewParamBuilder(d.dialect)
	stmt := Statement{
		SQL:  "SELECT " + q.selectList() + q.fromClause() + " WHERE " + q.idMatch(q.root, ids, params),
		Args: params.Params(),
	}

	m := newMaterializer(d)
	if err := m.seed(meta, instance); err != nil {
		return err
	}
	roots, err := m.fetch(ctx, stmt, q.aliases, nil)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		return fmt.Errorf("%s %v: %w", meta.Name, ids, runtime.ErrNotFound)
	}
	return nil
}

// LoadRelation implements entity.Client. It fetches the relationship property of
// owner and marks it loaded.
func (d *DB) LoadRelation(ctx context.Context, owner any, property string) error {
	meta, err := d.registry.Get(reflect.TypeOf(owner))
	if err != nil {
		return err
	}
	state, err := entity.Get(owner, d.Client())
	if err != nil {
		return err
	}
	ids, err := meta.IDValues(owner)
	if err != nil {
		return err
	}

	switch meta.RelationOf(property) {
	case schema.ForeignKeyRelation:
		fk := meta.ForeignKey(property)
		if ref := schema.Reference(owner, fk); ref != nil {
			if s := entity.Lookup(ref); s == nil || !s.Loaded() {
				if err := d.LoadEntity(ctx, ref); err != nil {
					return err
				}
			}
		}
		state.MarkLoaded(property)
		return nil

	case schema.ForeignTableRelation:
		ft := meta.ForeignTable(property)
		items, err := d.FindBy(ctx, ft.Target, ft.ForeignKey.Column, []any{ids[0]}, owner)
		if err != nil {
			return err
		}
		return resolveRelation(state, property, items)

	case schema.JoinTableRelation:
		items, err := d.findLinked(ctx, meta.JoinTable(property), ids[0], owner)
		if err != nil {
			return err
		}
		return resolveRelation(state, property, items)

	default:
		return &runtime.ModelAccessError{Type: meta.Name, Message: "no relationship " + property}
	}
}

func resolveRelation(state *entity.State, property string, items []any) error {
	rel, ok := state.Relation(property)
	if !ok {
		return &runtime.ModelAccessError{Type: fmt.Sprintf("%T", state.Instance()), Message: "no relationship handle " + property}
	}
	rel.Resolve(items)
	return nil
}

// FindBy returns the instances of meta whose column holds one of values, ordered by
// identifier. seed instances are reused when their rows or references show up.
func (d *DB) FindBy(ctx context.Context, meta *schema.EntityMetadata, column string, values []any, seed ...any) ([]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	q := newQuery(d, meta)
	params := dialect.NewParamBuilder(d.dialect)
	order, err := q.orderClause()
	if err != nil {
		return nil, err
	}
	stmt := Statement{
		SQL:  "SELECT " + q.selectList() + q.fromClause() + " WHERE " + q.in(q.root, column, values, params) + order,
		Args: params.Params(),
	}
	return d.materialize(ctx, stmt, q.aliases, seed)
}

// findLinked returns the targets linked to ownerID through jt.
func (d *DB) findLinked(ctx context.Context, jt *schema.JoinTableMetadata, ownerID any, seed ...any) ([]any, error) {
	q := newQuery(d, jt.Target)
	params := dialect.NewParamBuilder(d.dialect)
	order, err := q.orderClause()
	if err != nil {
		return nil, err
	}
	link := d.dialect.QuoteIdentifier(jt.Table)
	sql := "SELECT " + q.selectList() + q.fromClause() +
		" INNER JOIN " + link + " AS j1 ON j1." + d.dialect.QuoteIdentifier(jt.TargetColumn) + " = " + q.column(q.root, jt.Target.ID.Columns[0]) +
		" WHERE j1." + d.dialect.QuoteIdentifier(jt.OwnerColumn) + " = " + params.Add(ownerID) + order
	return d.materialize(ctx, Statement{SQL: sql, Args: params.Params()}, q.aliases, seed)
}

func (d *DB) materialize(ctx context.Context, stmt Statement, aliases []*alias, seed []any) ([]any, error) {
	m := newMaterializer(d)
	for _, instance := range seed {
		meta, err := d.registry.Get(reflect.TypeOf(instance))
		if err != nil {
			return nil, err
		}
		if err := m.seed(meta, instance); err != nil {
			return nil, err
		}
	}
	return m.fetch(ctx, stmt, aliases, nil)
}

// JoinRows returns the rows of jt whose owner column (or target column when byOwner
// is false) holds one of values. Identifiers are typed like the entity fields.
func (d *DB) JoinRows(ctx context.Context, jt *schema.JoinTableMetadata, byOwner bool, values []any) ([]schema.JoinRow, error) {
	if len(values) == 0 {
		return nil, nil
	}
	column := jt.TargetColumn
	if byOwner {
		column = jt.OwnerColumn
	}
	params := dialect.NewParamBuilder(d.dialect)
	q := &query{db: d}
	sql := "SELECT " + dialect.QuoteAll(d.dialect, []string{jt.OwnerColumn, jt.TargetColumn}) +
		" FROM " + d.dialect.QuoteIdentifier(jt.Table) +
		" WHERE " + q.in(nil, column, values, params)

	rows, err := d.Query(ctx, Statement{SQL: sql, Args: params.Params()})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.JoinRow
	for rows.Next() {
		var owner, target any
		if err := rows.Scan(&owner, &target); err != nil {
			return nil, fmt.Errorf("failed to scan join row: %w", err)
		}
		if owner, err = normalizeID(jt.Owner, owner); err != nil {
			return nil, err
		}
		if target, err = normalizeID(jt.Target, target); err != nil {
			return nil, err
		}
		out = append(out, schema.JoinRow{Owner: owner, Target: target})
	}
	return out, rows.Err()
}

// normalizeID converts a scanned identifier to the representation IDValues returns.
func normalizeID(meta *schema.EntityMetadata, raw any) (any, error) {
	if meta.GoType == nil {
		return raw, nil
	}
	instance := reflect.New(meta.GoType).Interface()
	if err := meta.SetColumnValue(instance, meta.IDColumns()[0], raw); err != nil {
		return nil, err
	}
	ids, err := meta.IDValues(instance)
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

func (q *query) idMatch(a *alias, ids []any, params *dialect.ParamBuilder) string {
	s := ""
	for i, id := range a.meta.ID.Columns {
		if i > 0 {
			s += " AND "
		}
		s += q.column(a, id) + " = " + params.Add(ids[i])
	}
	return s
}

// in matches column against values; a nil alias leaves the column unqualified.
func (q *query) in(a *alias, column string, values []any, params *dialect.ParamBuilder) string {
	name := q.db.dialect.QuoteIdentifier(column)
	if a != nil {
		name = q.column(a, column)
	}
	if len(values) == 1 {
		return name + " = " + params.Add(values[0])
	}
	placeholders := ""
	for i, v := range values {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += params.Add(v)
	}
	return name + " IN (" + placeholders + ")"
}
