package builder

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

type identityKey struct {
	entity string
	id     string
}

type loadedRef struct {
	instance any
	property string
}

// materializer turns result rows into entity instances. Each instance of a query
// is created once per identifier; foreign key values without a join become
// unloaded stubs, upgraded in place when their row shows up.
type materializer struct {
	db        *DB
	client    entity.Client
	identity  map[identityKey]any
	collected map[any]map[string][]any
	refs      []loadedRef
}

func newMaterializer(db *DB) *materializer {
	return &materializer{
		db:        db,
		client:    db.Client(),
		identity:  make(map[identityKey]any),
		collected: make(map[any]map[string][]any),
	}
}

// seed makes instance the one materialized for its identifier.
func (m *materializer) seed(meta *schema.EntityMetadata, instance any) error {
	key, err := m.key(meta, instance)
	if err != nil {
		return err
	}
	m.identity[key] = instance
	return nil
}

// fetch runs stmt and materializes rows laid out as the columns of every alias in
// order. It returns the distinct root instances in row order.
func (m *materializer) fetch(ctx context.Context, stmt Statement, aliases []*alias, joins []*joinStep) ([]any, error) {
	rows, err := m.db.Query(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	width := 0
	for _, a := range aliases {
		width += len(a.meta.Columns)
	}

	var roots []any
	seen := make(map[any]bool)
	for rows.Next() {
		values := make([]any, width)
		dest := make([]any, width)
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		instances := make([]any, len(aliases))
		offset := 0
		for i, a := range aliases {
			n := len(a.meta.Columns)
			if instances[i], err = m.entity(a.meta, values[offset:offset+n]); err != nil {
				return nil, err
			}
			offset += n
		}

		if root := instances[0]; root != nil && !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
		for _, j := range joins {
			if src := instances[j.source.index]; src != nil {
				m.relate(src, j.property, j.kind, instances[j.target.index])
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	m.resolve()
	return roots, nil
}

// entity returns the instance for one row segment, or nil when the segment is the
// empty side of an outer join.
func (m *materializer) entity(meta *schema.EntityMetadata, segment []any) (any, error) {
	instance := reflect.New(meta.GoType).Interface()
	null := true
	for i, col := range meta.Columns {
		if !meta.IsIDColumn(col.Name) {
			continue
		}
		if segment[i] != nil {
			null = false
		}
		if err := m.assign(meta, instance, col, segment[i]); err != nil {
			return nil, err
		}
	}
	if null {
		return nil, nil
	}

	key, err := m.key(meta, instance)
	if err != nil {
		return nil, err
	}
	if existing, ok := m.identity[key]; ok {
		if s := entity.Lookup(existing); s != nil && s.Loaded() && s.Status() != entity.Transient {
			return existing, nil
		}
		instance = existing
	}
	m.identity[key] = instance
	return instance, m.fill(meta, instance, segment)
}

// fill assigns every column, attaches a loaded state and records the snapshot.
func (m *materializer) fill(meta *schema.EntityMetadata, instance any, segment []any) error {
	for i, col := range meta.Columns {
		if err := m.assign(meta, instance, col, segment[i]); err != nil {
			return err
		}
	}
	ids, err := meta.IDValues(instance)
	if err != nil {
		return err
	}
	state, err := entity.Attach(instance, m.client, true, ids...)
	if err != nil {
		return err
	}
	for _, col := range meta.Columns {
		v, err := meta.ColumnValue(instance, col)
		if err != nil {
			return err
		}
		state.SetSnapshot(col.Name, v)
	}
	return nil
}

func (m *materializer) assign(meta *schema.EntityMetadata, instance any, col *schema.ColumnMetadata, value any) error {
	fk := col.ForeignKey
	if fk == nil || !fk.ByReference {
		return meta.SetColumnValue(instance, col, value)
	}
	if value == nil {
		schema.SetReference(instance, fk, nil)
		return nil
	}
	ref, err := m.stub(fk.Target, value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", meta.Name, fk.Property, err)
	}
	schema.SetReference(instance, fk, ref)
	return nil
}

// stub returns the instance for a referenced identifier, creating an unloaded one
// when the row was not read.
func (m *materializer) stub(meta *schema.EntityMetadata, id any) (any, error) {
	if meta == nil || meta.GoType == nil {
		return nil, &runtime.ModelAccessError{Type: "<unlinked>", Message: "foreign key target is not a managed type"}
	}
	instance := reflect.New(meta.GoType).Interface()
	if err := m.assign(meta, instance, meta.IDColumns()[0], id); err != nil {
		return nil, err
	}
	key, err := m.key(meta, instance)
	if err != nil {
		return nil, err
	}
	if existing, ok := m.identity[key]; ok {
		return existing, nil
	}
	ids, err := meta.IDValues(instance)
	if err != nil {
		return nil, err
	}
	if _, err := entity.Attach(instance, m.client, false, ids...); err != nil {
		return nil, err
	}
	m.identity[key] = instance
	return instance, nil
}

func (m *materializer) key(meta *schema.EntityMetadata, instance any) (identityKey, error) {
	ids, err := meta.IDValues(instance)
	if err != nil {
		return identityKey{}, err
	}
	return identityKey{entity: meta.Name, id: fmt.Sprintf("%v", ids)}, nil
}

// relate records that target was reached from source through property.
func (m *materializer) relate(source any, property string, kind schema.RelationKind, target any) {
	if kind == schema.ForeignKeyRelation {
		m.refs = append(m.refs, loadedRef{instance: source, property: property})
		return
	}
	byProperty, ok := m.collected[source]
	if !ok {
		byProperty = make(map[string][]any)
		m.collected[source] = byProperty
	}
	items := byProperty[property]
	if target != nil && !slices.Contains(items, target) {
		items = append(items, target)
	}
	byProperty[property] = items
}

// resolve marks joined relations loaded on every source instance.
func (m *materializer) resolve() {
	for _, ref := range m.refs {
		if s := entity.Lookup(ref.instance); s != nil {
			s.MarkLoaded(ref.property)
		}
	}
	for source, byProperty := range m.collected {
		s := entity.Lookup(source)
		if s == nil {
			continue
		}
		for property, items := range byProperty {
			if rel, ok := s.Relation(property); ok {
				rel.Resolve(items)
			}
		}
	}
}
