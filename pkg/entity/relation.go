package entity

import (
	"context"
	"iter"
	"reflect"
	"slices"

	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

// Relation is the contract shared by the lazy relationship handles Many and One.
// The persistence engine uses it to read and resolve handles without knowing T.
type Relation interface {
	// IsLoaded distinguishes "not fetched yet" from "fetched and empty".
	IsLoaded() bool
	// ElemType returns the entity struct type the relation points to.
	ElemType() reflect.Type
	// IsCollection reports whether the relation is to-many.
	IsCollection() bool
	// Current returns the related instances as *T values.
	Current() []any
	// Original returns the related instances as of the last load or save.
	Original() []any
	// Resolve stores fetched instances and marks the relation loaded.
	Resolve(items []any)
	// Commit makes the current items the new baseline.
	Commit()

	bind(owner *State, property string)
	markLoaded()
}

// Many is a to-many relationship: the inverse side of a foreign key, or a join table.
type Many[T any] struct {
	loaded   bool
	items    []*T
	baseline []*T
	owner    *State
	property string
}

// IsLoaded reports whether the relation holds fetched data. A handle on an
// instance that was never attached is always loaded.
func (m *Many[T]) IsLoaded() bool {
	return m.loaded || m.owner == nil
}

// Items returns the current items without fetching.
func (m *Many[T]) Items() []*T {
	return m.items
}

// Get returns the related instances, querying them on first access.
func (m *Many[T]) Get(ctx context.Context) ([]*T, error) {
	if m.IsLoaded() {
		return m.items, nil
	}
	if err := m.owner.load(ctx, m.property); err != nil {
		return nil, err
	}
	return m.items, nil
}

// All iterates over the related instances, querying them on first access.
func (m *Many[T]) All(ctx context.Context) iter.Seq2[*T, error] {
	return func(yield func(*T, error) bool) {
		items, err := m.Get(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// Set replaces the related instances. On a relation that was never loaded the
// baseline stays empty, so previously stored items are not detected as removed.
// Nil items are skipped.
func (m *Many[T]) Set(items ...*T) {
	m.items = slices.DeleteFunc(slices.Clone(items), isNil[T])
	m.loaded = true
}

// Add appends instances to the relation, skipping nil and already present ones.
func (m *Many[T]) Add(items ...*T) {
	next := slices.Clone(m.items)
	for _, item := range items {
		if item != nil && !slices.Contains(next, item) {
			next = append(next, item)
		}
	}
	m.items = next
	m.loaded = true
}

// Remove drops instances from the relation, compared by pointer identity.
// Slices returned earlier by Get or Items are left untouched.
func (m *Many[T]) Remove(items ...*T) {
	m.items = slices.DeleteFunc(slices.Clone(m.items), func(item *T) bool {
		return slices.Contains(items, item)
	})
	m.loaded = true
}

func isNil[T any](item *T) bool { return item == nil }

func (m *Many[T]) ElemType() reflect.Type { return reflect.TypeFor[T]() }
func (m *Many[T]) IsCollection() bool     { return true }
func (m *Many[T]) Current() []any         { return toAny(m.items) }
func (m *Many[T]) Original() []any        { return toAny(m.baseline) }

func (m *Many[T]) Resolve(items []any) {
	m.items = make([]*T, 0, len(items))
	for _, item := range items {
		if t, ok := item.(*T); ok {
			m.items = append(m.items, t)
		}
	}
	m.baseline = slices.Clone(m.items)
	m.loaded = true
}

func (m *Many[T]) Commit() {
	if m.IsLoaded() {
		m.baseline = slices.Clone(m.items)
		m.loaded = true
	}
}

func (m *Many[T]) bind(owner *State, property string) {
	m.owner = owner
	m.property = property
	if owner.status == Transient {
		m.loaded = true
		return
	}
	m.loaded = false
	m.items = nil
	m.baseline = nil
}

func (m *Many[T]) markLoaded() {
	m.baseline = slices.Clone(m.items)
	m.loaded = true
}

// One is a to-one inverse relationship: the single holder of a foreign key.
type One[T any] struct {
	loaded   bool
	item     *T
	baseline *T
	owner    *State
	property string
}

// IsLoaded reports whether the relation holds fetched data.
func (o *One[T]) IsLoaded() bool {
	return o.loaded || o.owner == nil
}

// Item returns the current instance without fetching.
func (o *One[T]) Item() *T {
	return o.item
}

// Get returns the related instance, querying it on first access. A loaded relation
// without a holder returns nil.
func (o *One[T]) Get(ctx context.Context) (*T, error) {
	if o.IsLoaded() {
		return o.item, nil
	}
	if err := o.owner.load(ctx, o.property); err != nil {
		return nil, err
	}
	return o.item, nil
}

// Set replaces the related instance.
func (o *One[T]) Set(item *T) {
	o.item = item
	o.loaded = true
}

func (o *One[T]) ElemType() reflect.Type { return reflect.TypeFor[T]() }
func (o *One[T]) IsCollection() bool     { return false }
func (o *One[T]) Current() []any         { return oneToAny(o.item) }
func (o *One[T]) Original() []any        { return oneToAny(o.baseline) }

func (o *One[T]) Resolve(items []any) {
	o.item = nil
	if len(items) > 0 {
		o.item, _ = items[0].(*T)
	}
	o.baseline = o.item
	o.loaded = true
}

func (o *One[T]) Commit() {
	if o.IsLoaded() {
		o.baseline = o.item
		o.loaded = true
	}
}

func (o *One[T]) bind(owner *State, property string) {
	o.owner = owner
	o.property = property
	if owner.status == Transient {
		o.loaded = true
		return
	}
	o.loaded = false
	o.item = nil
	o.baseline = nil
}

func (o *One[T]) markLoaded() {
	o.baseline = o.item
	o.loaded = true
}

// load asks the client to resolve property of the owning instance.
func (s *State) load(ctx context.Context, property string) error {
	if s.client == nil {
		return &runtime.ModelAccessError{
			Type:    typeName(s.instance),
			Message: "no client to load relation " + property,
		}
	}
	return s.client.LoadRelation(ctx, s.instance, property)
}

func toAny[T any](items []*T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

func oneToAny[T any](item *T) []any {
	if item == nil {
		return nil
	}
	return []any{item}
}
