package schema

import (
	"reflect"
	"slices"
)

// GenerationStrategy describes how identifier values are produced.
type GenerationStrategy int

const (
	// NotGenerated identifiers are assigned by the application.
	NotGenerated GenerationStrategy = iota
	// GeneratedByDatabase identifiers come from an identity/auto-increment column.
	GeneratedByDatabase
	// GeneratedUUID identifiers are random UUIDs produced before insert.
	GeneratedUUID
)

// OnForeignDeleted is the policy applied to holders of a foreign key when the
// referenced entity is deleted.
type OnForeignDeleted int

const (
	// DeleteDependents deletes every row referencing the deleted entity.
	DeleteDependents OnForeignDeleted = iota
	// SetNull clears the foreign key of every row referencing the deleted entity.
	SetNull
)

// String returns the declaration name of the policy.
func (p OnForeignDeleted) String() string {
	if p == SetNull {
		return "SET_NULL"
	}
	return "DELETE"
}

// EntityMetadata describes one managed entity type.
type EntityMetadata struct {
	Name          string
	Table         string
	GoType        reflect.Type // nil for declarations loaded from YAML
	Tracked       bool         // embeds entity.Entity
	Columns       []*ColumnMetadata
	ID            IdentifierMetadata
	ForeignKeys   []*ForeignKeyMetadata
	ForeignTables []*ForeignTableMetadata
	JoinTables    []*JoinTableMetadata
	Indexes       []IndexMetadata

	// Referrers are the foreign keys of any entity that point to this one.
	Referrers []*ForeignKeyMetadata
	// IncomingJoinTables are one-sided join tables declared on other entities that target this one.
	IncomingJoinTables []*JoinTableMetadata
}

// ColumnMetadata describes one persistent property.
type ColumnMetadata struct {
	Name       string
	Property   string
	Index      []int
	GoType     reflect.Type
	Kind       ColumnKind
	SQLType    string
	Nullable   bool
	Generated  GenerationStrategy
	Default    *string
	Unique     bool
	Precision  int
	Scale      int
	MinLength  int
	MaxLength  int
	Position   int
	ForeignKey *ForeignKeyMetadata
}

// IdentifierMetadata describes the identifier shape of an entity.
type IdentifierMetadata struct {
	Properties []string
	Columns    []string
	Composite  bool
	Generated  GenerationStrategy
}

// ForeignKeyMetadata describes a property holding another entity's identifier.
type ForeignKeyMetadata struct {
	Owner            *EntityMetadata
	Property         string
	Column           string
	Index            []int
	TargetName       string
	TargetType       reflect.Type
	Target           *EntityMetadata
	ByReference      bool // the field is a *T pointing to the target instance
	Optional         bool
	OnForeignDeleted OnForeignDeleted
	CascadeDelete    bool
	Inverse          *ForeignTableMetadata
}

// ForeignTableMetadata is the read-only inverse navigation of a foreign key.
type ForeignTableMetadata struct {
	Owner      *EntityMetadata
	Property   string
	Index      []int
	TargetName string
	TargetType reflect.Type
	Target     *EntityMetadata
	JoinKey    string // foreign key property on the target
	ForeignKey *ForeignKeyMetadata
	Optional   bool
	Many       bool
}

// JoinTableMetadata is one side of a many-to-many association.
type JoinTableMetadata struct {
	Owner           *EntityMetadata
	Property        string
	Index           []int
	Table           string
	OwnerColumn     string
	TargetColumn    string
	TargetName      string
	TargetType      reflect.Type
	Target          *EntityMetadata
	InverseProperty string
	Inverse         *JoinTableMetadata
	CascadeDelete   bool
}

// IndexMetadata describes an index or uniqueness declaration.
type IndexMetadata struct {
	Name       string
	Properties []string
	Columns    []string
	Unique     bool
}

// RelationKind identifies the kind of a relationship property.
type RelationKind int

const (
	// NoRelation means the property is not a relationship.
	NoRelation RelationKind = iota
	// ForeignKeyRelation is a property holding a foreign key.
	ForeignKeyRelation
	// ForeignTableRelation is the inverse navigation of a foreign key.
	ForeignTableRelation
	// JoinTableRelation is a many-to-many association.
	JoinTableRelation
)

// Column returns the column with the given storage name.
func (m *EntityMetadata) Column(name string) *ColumnMetadata {
	for _, c := range m.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ColumnByProperty returns the column backing property.
func (m *EntityMetadata) ColumnByProperty(property string) *ColumnMetadata {
	for _, c := range m.Columns {
		if c.Property == property {
			return c
		}
	}
	return nil
}

// ForeignKey returns the foreign key declared on property.
func (m *EntityMetadata) ForeignKey(property string) *ForeignKeyMetadata {
	for _, fk := range m.ForeignKeys {
		if fk.Property == property {
			return fk
		}
	}
	return nil
}

// ForeignTable returns the foreign table declared on property.
func (m *EntityMetadata) ForeignTable(property string) *ForeignTableMetadata {
	for _, ft := range m.ForeignTables {
		if ft.Property == property {
			return ft
		}
	}
	return nil
}

// JoinTable returns the join table declared on property.
func (m *EntityMetadata) JoinTable(property string) *JoinTableMetadata {
	for _, jt := range m.JoinTables {
		if jt.Property == property {
			return jt
		}
	}
	return nil
}

// RelationOf returns the kind of relationship declared on property.
func (m *EntityMetadata) RelationOf(property string) RelationKind {
	switch {
	case m.ForeignKey(property) != nil:
		return ForeignKeyRelation
	case m.ForeignTable(property) != nil:
		return ForeignTableRelation
	case m.JoinTable(property) != nil:
		return JoinTableRelation
	default:
		return NoRelation
	}
}

// IDColumns returns the identifier columns in declaration order.
func (m *EntityMetadata) IDColumns() []*ColumnMetadata {
	cols := make([]*ColumnMetadata, 0, len(m.ID.Columns))
	for _, name := range m.ID.Columns {
		if c := m.Column(name); c != nil {
			cols = append(cols, c)
		}
	}
	return cols
}

// IsIDColumn reports whether column is part of the identifier.
func (m *EntityMetadata) IsIDColumn(column string) bool {
	return slices.Contains(m.ID.Columns, column)
}

// HasDeleteImpacts reports whether deleting an instance affects anything besides its
// own row: dependents through foreign keys, owner-side cascades or join rows.
func (m *EntityMetadata) HasDeleteImpacts() bool {
	if len(m.Referrers) > 0 || len(m.JoinTables) > 0 || len(m.IncomingJoinTables) > 0 {
		return true
	}
	for _, fk := range m.ForeignKeys {
		if fk.CascadeDelete {
			return true
		}
	}
	return false
}

// JoinRow is one row of a join table, holding the owner and target identifiers.
type JoinRow struct {
	Owner  any
	Target any
}
