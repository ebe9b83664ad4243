// Package entity tracks the persistence state of entity instances.
//
// Every managed struct embeds Entity, which holds an exclusively owned *State:
//
//	type Author struct {
//	    entity.Entity `po:"authors"`
//	    ID    int64              `po:"id,primaryKey,generated"`
//	    Books entity.Many[Book]  `po:"-,foreignTable(Author)"`
//	}
//
// A freshly constructed instance is TRANSIENT. Instances materialized from rows are
// PERSISTED. Relationship fields are lazy handles that know whether they were loaded.
package entity

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

// Status is the lifecycle status of an entity instance.
type Status int

const (
	// Transient instances were never persisted.
	Transient Status = iota
	// Persisted instances match the last known database row.
	Persisted
	// Modified instances changed since they were loaded or last saved. Plain field
	// assignments are not observed: an edited instance stays PERSISTED until
	// MarkModified records the change, which the client's DetectChanges does by
	// comparing fields with the last synchronized values. Save compares them anyway.
	Modified
	// Deleted instances had their row removed and cannot be saved again.
	Deleted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Transient:
		return "TRANSIENT"
	case Persisted:
		return "PERSISTED"
	case Modified:
		return "MODIFIED"
	case Deleted:
		return "DELETED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Entity is the state slot embedded in every managed struct. Its struct tag carries
// table-level declarations.
type Entity struct {
	state *State
}

func (e *Entity) stateSlot() **State {
	return &e.state
}

// holder is satisfied by any pointer to a struct embedding Entity.
type holder interface {
	stateSlot() **State
}

// Client is the weak association a State keeps to perform lazy fetches.
type Client interface {
	// CheckManaged returns an error when t is not a registered entity type.
	CheckManaged(t reflect.Type) error
	// LoadEntity fills an instance that only carries its identifier.
	LoadEntity(ctx context.Context, instance any) error
	// LoadRelation fetches and resolves the relationship property of owner.
	LoadRelation(ctx context.Context, owner any, property string) error
}

// State is the runtime record attached to one entity instance.
type State struct {
	status     Status
	loaded     bool
	ids        []any
	snapshot   map[string]any
	modified   []string
	loadedRefs map[string]bool
	relations  map[string]Relation
	instance   any
	client     Client
}

// Get returns the state attached to instance. A freshly created instance gets a
// TRANSIENT state on first access, which requires a client able to confirm the type
// is managed.
func Get(instance any, client Client) (*State, error) {
	slot, err := slotOf(instance)
	if err != nil {
		return nil, err
	}
	if s := *slot; s != nil {
		if s.client == nil && client != nil {
			s.client = client
		}
		return s, nil
	}
	if client == nil {
		return nil, &runtime.ModelAccessError{
			Type:    typeName(instance),
			Message: "no client available to attach entity state",
		}
	}
	if err := client.CheckManaged(reflect.TypeOf(instance)); err != nil {
		return nil, &runtime.ModelAccessError{
			Type:    typeName(instance),
			Message: "type is not managed",
			Err:     err,
		}
	}

	s := newState(instance, client, Transient)
	s.loaded = true
	*slot = s
	s.bindRelations()
	return s, nil
}

// Attach marks instance as backed by an existing row. When loaded is false the
// instance only carries its identifier and must be fetched before use.
func Attach(instance any, client Client, loaded bool, ids ...any) (*State, error) {
	slot, err := slotOf(instance)
	if err != nil {
		return nil, err
	}
	s := *slot
	if s == nil {
		s = newState(instance, client, Persisted)
		*slot = s
		s.bindRelations()
	} else {
		s.status = Persisted
		s.modified = nil
		if client != nil {
			s.client = client
		}
	}
	s.loaded = s.loaded || loaded
	s.ids = slices.Clone(ids)
	return s, nil
}

// Lookup returns the attached state, or nil when the instance has none yet.
func Lookup(instance any) *State {
	slot, err := slotOf(instance)
	if err != nil {
		return nil
	}
	return *slot
}

// StatusOf reports the status of instance. Instances without a state are TRANSIENT.
// Field edits since the last read or save show up as MODIFIED only once they were
// recorded through MarkModified.
func StatusOf(instance any) Status {
	if s := Lookup(instance); s != nil {
		return s.status
	}
	return Transient
}

// Fetch loads a reference that only carries its identifier, such as a foreign key
// target read without a join. Loaded references are returned as is.
func Fetch[T any](ctx context.Context, ref *T) (*T, error) {
	if ref == nil {
		return nil, nil
	}
	s := Lookup(ref)
	if s == nil || s.loaded {
		return ref, nil
	}
	if s.client == nil {
		return nil, &runtime.ModelAccessError{Type: typeName(ref), Message: "no client to fetch reference"}
	}
	if err := s.client.LoadEntity(ctx, ref); err != nil {
		return nil, err
	}
	return ref, nil
}

func newState(instance any, client Client, status Status) *State {
	return &State{
		status:     status,
		snapshot:   make(map[string]any),
		loadedRefs: make(map[string]bool),
		relations:  make(map[string]Relation),
		instance:   instance,
		client:     client,
	}
}

func slotOf(instance any) (**State, error) {
	h, ok := instance.(holder)
	if !ok {
		return nil, &runtime.ModelAccessError{
			Type:    typeName(instance),
			Message: "type does not embed entity.Entity",
		}
	}
	if v := reflect.ValueOf(instance); v.Kind() == reflect.Pointer && v.IsNil() {
		return nil, &runtime.ModelAccessError{Type: typeName(instance), Message: "nil instance"}
	}
	return h.stateSlot(), nil
}

// bindRelations connects every relationship handle of the instance to this state.
func (s *State) bindRelations() {
	v := reflect.ValueOf(s.instance)
	if v.Kind() != reflect.Pointer {
		return
	}
	v = v.Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		rel, ok := v.Field(i).Addr().Interface().(Relation)
		if !ok {
			continue
		}
		rel.bind(s, f.Name)
		s.relations[f.Name] = rel
	}
}

// Status returns the lifecycle status.
func (s *State) Status() Status {
	return s.status
}

// Loaded reports whether the row of the instance was read. References materialized
// from a foreign key column without a join are not loaded.
func (s *State) Loaded() bool {
	return s.loaded
}

// IDs returns the identifier values known for the instance.
func (s *State) IDs() []any {
	return s.ids
}

// Instance returns the entity instance owning the state.
func (s *State) Instance() any {
	return s.instance
}

// Client returns the client the state was attached with.
func (s *State) Client() Client {
	return s.client
}

// MarkPersisted records that the row now matches the instance.
func (s *State) MarkPersisted(ids ...any) error {
	if s.status == Deleted {
		return fmt.Errorf("%w: %s was deleted", runtime.ErrIllegalState, typeName(s.instance))
	}
	s.status = Persisted
	s.loaded = true
	s.modified = nil
	if len(ids) > 0 {
		s.ids = slices.Clone(ids)
	}
	return nil
}

// MarkModified records a change to property.
func (s *State) MarkModified(property string) {
	switch s.status {
	case Deleted:
		return
	case Persisted:
		s.status = Modified
	}
	if !slices.Contains(s.modified, property) {
		s.modified = append(s.modified, property)
	}
}

// MarkDeleted moves the state to the terminal DELETED status.
func (s *State) MarkDeleted() {
	s.status = Deleted
}

// ModifiedProperties returns the properties recorded through MarkModified.
func (s *State) ModifiedProperties() []string {
	return slices.Clone(s.modified)
}

// Snapshot returns the last synchronized value of column.
func (s *State) Snapshot(column string) (any, bool) {
	v, ok := s.snapshot[column]
	return v, ok
}

// SetSnapshot records the synchronized value of column.
func (s *State) SetSnapshot(column string, value any) {
	s.snapshot[column] = value
}

// IsLoaded reports whether the relationship property holds fetched data.
func (s *State) IsLoaded(property string) bool {
	if rel, ok := s.relations[property]; ok {
		return rel.IsLoaded()
	}
	return s.loadedRefs[property]
}

// MarkLoaded marks the relationship property as holding fetched data.
func (s *State) MarkLoaded(property string) {
	if rel, ok := s.relations[property]; ok {
		rel.markLoaded()
		return
	}
	s.loadedRefs[property] = true
}

// Relation returns the lazy handle bound to property.
func (s *State) Relation(property string) (Relation, bool) {
	rel, ok := s.relations[property]
	return rel, ok
}

func typeName(instance any) string {
	if instance == nil {
		return "<nil>"
	}
	t := reflect.TypeOf(instance)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}
