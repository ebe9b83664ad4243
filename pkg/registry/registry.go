// Package registry provides the process-wide entity metadata registry.
package registry

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// Registry is a thread-safe registry for entity metadata. Metadata is linked and
// validated when registered and is read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	parser *schema.Parser
	types  map[reflect.Type]*schema.EntityMetadata
	names  map[string]*schema.EntityMetadata
	tables map[string]*schema.EntityMetadata
}

// NewRegistry creates a new Registry instance.
func NewRegistry() *Registry {
	return &Registry{
		parser: schema.NewParser(),
		types:  make(map[reflect.Type]*schema.EntityMetadata),
		names:  make(map[string]*schema.EntityMetadata),
		tables: make(map[string]*schema.EntityMetadata),
	}
}

// Register registers entity types along with every entity type they reference.
// Nothing is registered when any of them is malformed.
func (r *Registry) Register(models ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []*schema.EntityMetadata
	for _, model := range models {
		modelType := reflect.TypeOf(model)
		if modelType == nil {
			r.remove(added)
			return fmt.Errorf("model must be a struct, got nil")
		}
		for modelType.Kind() == reflect.Pointer {
			modelType = modelType.Elem()
		}
		if modelType.Kind() != reflect.Struct {
			r.remove(added)
			return fmt.Errorf("model must be a struct, got %s", modelType.Kind())
		}
		if err := r.add(modelType, &added); err != nil {
			r.remove(added)
			return err
		}
	}

	if err := r.link(); err != nil {
		r.remove(added)
		_ = r.link()
		return err
	}
	return nil
}

// RegisterMetadata registers metadata built without Go types, e.g. from YAML
// declarations. References are resolved by entity name.
func (r *Registry) RegisterMetadata(metas ...*schema.EntityMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []*schema.EntityMetadata
	for _, meta := range metas {
		if _, ok := r.names[meta.Name]; ok {
			continue
		}
		if err := r.store(meta); err != nil {
			r.remove(added)
			return err
		}
		added = append(added, meta)
	}

	if err := r.link(); err != nil {
		r.remove(added)
		_ = r.link()
		return err
	}
	return nil
}

// add parses modelType and, recursively, the entity types it references.
func (r *Registry) add(modelType reflect.Type, added *[]*schema.EntityMetadata) error {
	if _, ok := r.types[modelType]; ok {
		return nil
	}
	meta, err := r.parser.Parse(modelType)
	if err != nil {
		return fmt.Errorf("failed to parse model %s: %w", modelType.Name(), err)
	}
	if err := r.store(meta); err != nil {
		return err
	}
	*added = append(*added, meta)

	for _, fk := range meta.ForeignKeys {
		if fk.TargetType != nil {
			if err := r.add(fk.TargetType, added); err != nil {
				return err
			}
		}
	}
	for _, ft := range meta.ForeignTables {
		if err := r.add(ft.TargetType, added); err != nil {
			return err
		}
	}
	for _, jt := range meta.JoinTables {
		if err := r.add(jt.TargetType, added); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) store(meta *schema.EntityMetadata) error {
	if other, ok := r.names[meta.Name]; ok && other != meta {
		return &runtime.ModelError{Entity: meta.Name, Message: "another entity is registered under the same name"}
	}
	if other, ok := r.tables[meta.Table]; ok && other != meta {
		return &runtime.ModelError{Entity: meta.Name, Message: fmt.Sprintf("table %s is already mapped by %s", meta.Table, other.Name)}
	}
	if meta.GoType != nil {
		r.types[meta.GoType] = meta
	}
	r.names[meta.Name] = meta
	r.tables[meta.Table] = meta
	return nil
}

func (r *Registry) remove(metas []*schema.EntityMetadata) {
	for _, meta := range metas {
		if meta.GoType != nil {
			delete(r.types, meta.GoType)
		}
		delete(r.names, meta.Name)
		delete(r.tables, meta.Table)
	}
}

// sorted returns the registered metadata ordered by entity name.
func (r *Registry) sorted() []*schema.EntityMetadata {
	all := make([]*schema.EntityMetadata, 0, len(r.names))
	for _, meta := range r.names {
		all = append(all, meta)
	}
	slices.SortFunc(all, func(a, b *schema.EntityMetadata) int {
		return strings.Compare(a.Name, b.Name)
	})
	return all
}

func (r *Registry) resolve(t reflect.Type, name string) *schema.EntityMetadata {
	if t != nil {
		if meta, ok := r.types[t]; ok {
			return meta
		}
	}
	return r.names[name]
}

// link resolves cross-entity references and validates them. It recomputes every
// derived field, so it can run again after a failed registration is rolled back.
func (r *Registry) link() error {
	all := r.sorted()
	for _, meta := range all {
		meta.Referrers = nil
		meta.IncomingJoinTables = nil
		for _, fk := range meta.ForeignKeys {
			fk.Inverse = nil
		}
		for _, jt := range meta.JoinTables {
			jt.Inverse = nil
		}
	}
	for _, meta := range all {
		for _, fk := range meta.ForeignKeys {
			if err := r.linkForeignKey(meta, fk); err != nil {
				return err
			}
		}
	}
	for _, meta := range all {
		for _, ft := range meta.ForeignTables {
			if err := r.linkForeignTable(meta, ft); err != nil {
				return err
			}
		}
	}
	for _, meta := range all {
		for _, jt := range meta.JoinTables {
			if err := r.linkJoinTable(meta, jt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) linkForeignKey(meta *schema.EntityMetadata, fk *schema.ForeignKeyMetadata) error {
	target := r.resolve(fk.TargetType, fk.TargetName)
	if target == nil {
		return &runtime.ModelError{Entity: meta.Name, Property: fk.Property, Message: fmt.Sprintf("references unregistered entity %s", fk.TargetName)}
	}
	if target.ID.Composite {
		return &runtime.ModelError{Entity: meta.Name, Property: fk.Property, Message: fmt.Sprintf("references %s which has a composite identifier", target.Name)}
	}
	if fk.ByReference && !target.Tracked {
		return &runtime.ModelError{Entity: meta.Name, Property: fk.Property, Message: fmt.Sprintf("references %s which does not embed entity.Entity", target.Name)}
	}

	idCol := identifierColumn(target)
	if idCol == nil {
		return &runtime.ModelError{Entity: target.Name, Message: "identifier is not resolvable"}
	}
	column := meta.Column(fk.Column)
	if !fk.ByReference && column.GoType != nil && idCol.GoType != nil {
		if deref(column.GoType) != deref(idCol.GoType) {
			return &runtime.ModelError{
				Entity:   meta.Name,
				Property: fk.Property,
				Message:  fmt.Sprintf("foreign key type %s does not match the identifier type %s of %s", column.GoType, idCol.GoType, target.Name),
			}
		}
	}
	if column.Kind == schema.KindUnknown || fk.ByReference {
		column.Kind = idCol.Kind
		column.SQLType = idCol.SQLType
		column.MaxLength = idCol.MaxLength
		column.Precision = idCol.Precision
		column.Scale = idCol.Scale
	}

	fk.Target = target
	target.Referrers = append(target.Referrers, fk)
	return nil
}

// identifierColumn returns the single identifier column of meta, following
// identifiers that are themselves object references.
func identifierColumn(meta *schema.EntityMetadata) *schema.ColumnMetadata {
	for range 8 {
		cols := meta.IDColumns()
		if len(cols) != 1 {
			return nil
		}
		col := cols[0]
		if col.ForeignKey == nil || !col.ForeignKey.ByReference || col.ForeignKey.Target == nil {
			return col
		}
		meta = col.ForeignKey.Target
	}
	return nil
}

func (r *Registry) linkForeignTable(meta *schema.EntityMetadata, ft *schema.ForeignTableMetadata) error {
	target := r.resolve(ft.TargetType, ft.TargetName)
	if target == nil {
		return &runtime.ModelError{Entity: meta.Name, Property: ft.Property, Message: fmt.Sprintf("references unregistered entity %s", ft.TargetName)}
	}
	if !target.Tracked && target.GoType != nil {
		return &runtime.ModelError{Entity: meta.Name, Property: ft.Property, Message: fmt.Sprintf("references %s which does not embed entity.Entity", target.Name)}
	}
	fk := target.ForeignKey(ft.JoinKey)
	if fk == nil {
		return &runtime.ModelError{Entity: meta.Name, Property: ft.Property, Message: fmt.Sprintf("foreignTable(%s): %s has no foreign key %s", ft.JoinKey, target.Name, ft.JoinKey)}
	}
	if fk.Target != meta {
		return &runtime.ModelError{Entity: meta.Name, Property: ft.Property, Message: fmt.Sprintf("foreignTable(%s): %s.%s does not reference %s", ft.JoinKey, target.Name, ft.JoinKey, meta.Name)}
	}
	if fk.Inverse != nil && fk.Inverse != ft {
		return &runtime.ModelError{Entity: meta.Name, Property: ft.Property, Message: fmt.Sprintf("%s.%s already has the inverse %s", target.Name, ft.JoinKey, fk.Inverse.Property)}
	}
	ft.Target = target
	ft.ForeignKey = fk
	fk.Inverse = ft
	return nil
}

func (r *Registry) linkJoinTable(meta *schema.EntityMetadata, jt *schema.JoinTableMetadata) error {
	target := r.resolve(jt.TargetType, jt.TargetName)
	if target == nil {
		return &runtime.ModelError{Entity: meta.Name, Property: jt.Property, Message: fmt.Sprintf("references unregistered entity %s", jt.TargetName)}
	}
	if target.ID.Composite || meta.ID.Composite {
		return &runtime.ModelError{Entity: meta.Name, Property: jt.Property, Message: "join tables require single identifiers on both sides"}
	}
	if !target.Tracked && target.GoType != nil {
		return &runtime.ModelError{Entity: meta.Name, Property: jt.Property, Message: fmt.Sprintf("references %s which does not embed entity.Entity", target.Name)}
	}
	jt.Target = target

	if jt.InverseProperty != "" {
		inv := target.JoinTable(jt.InverseProperty)
		if inv == nil {
			return &runtime.ModelError{Entity: meta.Name, Property: jt.Property, Message: fmt.Sprintf("inverse join table %s.%s does not exist", target.Name, jt.InverseProperty)}
		}
		if inv.TargetName != meta.Name {
			return &runtime.ModelError{Entity: meta.Name, Property: jt.Property, Message: fmt.Sprintf("inverse %s.%s targets %s, not %s", target.Name, inv.Property, inv.TargetName, meta.Name)}
		}
		if inv.InverseProperty != "" && inv.InverseProperty != jt.Property {
			return &runtime.ModelError{Entity: meta.Name, Property: jt.Property, Message: fmt.Sprintf("inverse %s.%s points back to %s", target.Name, inv.Property, inv.InverseProperty)}
		}
		if inv == jt {
			return &runtime.ModelError{Entity: meta.Name, Property: jt.Property, Message: "a join table cannot be its own inverse"}
		}
		switch {
		case jt.Table == "" && inv.Table != "":
			jt.Table = inv.Table
		case jt.Table != "" && inv.Table == "":
			inv.Table = jt.Table
		case jt.Table != "" && jt.Table != inv.Table:
			return &runtime.ModelError{Entity: meta.Name, Property: jt.Property, Message: fmt.Sprintf("join table %s differs from the inverse table %s", jt.Table, inv.Table)}
		}
		jt.Inverse = inv
	} else if inv := invertedBy(target, meta, jt); inv != nil {
		jt.Inverse = inv
		jt.InverseProperty = inv.Property
		if jt.Table == "" {
			jt.Table = inv.Table
		}
	}

	schema.FillJoinTableDefaults(jt)
	if jt.OwnerColumn == jt.TargetColumn {
		return &runtime.ModelError{Entity: meta.Name, Property: jt.Property, Message: fmt.Sprintf("join columns collide on %s; declare joinTable(InverseProperty)", jt.OwnerColumn)}
	}
	if jt.Inverse == nil {
		target.IncomingJoinTables = append(target.IncomingJoinTables, jt)
	}
	return nil
}

// invertedBy finds a join table on target that declares jt as its inverse.
func invertedBy(target, owner *schema.EntityMetadata, jt *schema.JoinTableMetadata) *schema.JoinTableMetadata {
	for _, other := range target.JoinTables {
		if other != jt && other.InverseProperty == jt.Property && other.TargetName == owner.Name {
			return other
		}
	}
	return nil
}

func deref(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// Validate re-links every registered entity and reports the first inconsistency.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link()
}

// Get retrieves EntityMetadata by Go type.
func (r *Registry) Get(modelType reflect.Type) (*schema.EntityMetadata, error) {
	modelType = deref(modelType)

	r.mu.RLock()
	meta, ok := r.types[modelType]
	r.mu.RUnlock()

	if !ok {
		return nil, &runtime.ModelAccessError{Type: modelType.String(), Message: "model type not registered"}
	}
	return meta, nil
}

// GetByName retrieves EntityMetadata by entity name.
func (r *Registry) GetByName(name string) (*schema.EntityMetadata, error) {
	r.mu.RLock()
	meta, ok := r.names[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &runtime.ModelAccessError{Type: name, Message: "entity not registered"}
	}
	return meta, nil
}

// GetByTable retrieves EntityMetadata by table name.
func (r *Registry) GetByTable(table string) (*schema.EntityMetadata, error) {
	r.mu.RLock()
	meta, ok := r.tables[table]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("table %s not registered", table)
	}
	return meta, nil
}

// GetOrRegister retrieves EntityMetadata or registers it if not found.
func (r *Registry) GetOrRegister(model any) (*schema.EntityMetadata, error) {
	modelType := reflect.TypeOf(model)
	if modelType == nil {
		return nil, fmt.Errorf("model must be a struct, got nil")
	}
	if r.Has(modelType) {
		return r.Get(modelType)
	}
	if err := r.Register(model); err != nil {
		return nil, err
	}
	return r.Get(modelType)
}

// CheckManaged returns an error when modelType is not registered.
func (r *Registry) CheckManaged(modelType reflect.Type) error {
	_, err := r.Get(modelType)
	return err
}

// All returns all registered metadata ordered by entity name.
func (r *Registry) All() []*schema.EntityMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted()
}

// AllNames returns all registered entity names, sorted.
func (r *Registry) AllNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Clear removes all registered models.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.parser = schema.NewParser()
	r.types = make(map[reflect.Type]*schema.EntityMetadata)
	r.names = make(map[string]*schema.EntityMetadata)
	r.tables = make(map[string]*schema.EntityMetadata)
}

// Has checks if a model type is registered.
func (r *Registry) Has(modelType reflect.Type) bool {
	modelType = deref(modelType)

	r.mu.RLock()
	_, ok := r.types[modelType]
	r.mu.RUnlock()

	return ok
}

// HasName checks if an entity name is registered.
func (r *Registry) HasName(name string) bool {
	r.mu.RLock()
	_, ok := r.names[name]
	r.mu.RUnlock()

	return ok
}

// globalRegistry is the default global registry instance.
var globalRegistry = NewRegistry()

// Default returns the global registry.
func Default() *Registry {
	return globalRegistry
}

// Register registers models in the global registry.
func Register(models ...any) error {
	return globalRegistry.Register(models...)
}

// RegisterMetadata registers metadata directly in the global registry.
func RegisterMetadata(metas ...*schema.EntityMetadata) error {
	return globalRegistry.RegisterMetadata(metas...)
}

// Get retrieves EntityMetadata from the global registry.
func Get(modelType reflect.Type) (*schema.EntityMetadata, error) {
	return globalRegistry.Get(modelType)
}

// GetByName retrieves EntityMetadata by name from the global registry.
func GetByName(name string) (*schema.EntityMetadata, error) {
	return globalRegistry.GetByName(name)
}

// GetOrRegister retrieves or registers a model in the global registry.
func GetOrRegister(model any) (*schema.EntityMetadata, error) {
	return globalRegistry.GetOrRegister(model)
}

// All returns all registered metadata from the global registry.
func All() []*schema.EntityMetadata {
	return globalRegistry.All()
}

// Clear clears the global registry.
func Clear() {
	globalRegistry.Clear()
}
