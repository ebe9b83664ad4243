package loader

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// Document is the root of a YAML declaration file.
type Document struct {
	Entities []Entity `yaml:"entities"`
}

// Entity declares one entity type without a Go type.
type Entity struct {
	Name          string         `yaml:"name"`
	Table         string         `yaml:"table,omitempty"`
	ID            Identifier     `yaml:"id"`
	Properties    []Property     `yaml:"properties"`
	ForeignKeys   []ForeignKey   `yaml:"foreignKeys,omitempty"`
	ForeignTables []ForeignTable `yaml:"foreignTables,omitempty"`
	JoinTables    []JoinTable    `yaml:"joinTables,omitempty"`
	Indexes       []Index        `yaml:"indexes,omitempty"`
}

// Identifier names the identifier properties and how values are generated:
// "" (assigned), "auto" (database) or "uuid".
type Identifier struct {
	Properties []string `yaml:"properties"`
	Generated  string   `yaml:"generated,omitempty"`
}

// Property declares a plain column.
type Property struct {
	Name      string `yaml:"name"`
	Column    string `yaml:"column,omitempty"`
	Type      string `yaml:"type"`
	SQLType   string `yaml:"sqlType,omitempty"`
	Nullable  *bool  `yaml:"nullable,omitempty"`
	Unique    bool   `yaml:"unique,omitempty"`
	Default   string `yaml:"default,omitempty"`
	MinLength int    `yaml:"minLength,omitempty"`
	MaxLength int    `yaml:"maxLength,omitempty"`
	Precision int    `yaml:"precision,omitempty"`
	Scale     int    `yaml:"scale,omitempty"`
}

// ForeignKey declares a property holding another entity's identifier.
type ForeignKey struct {
	Property         string `yaml:"property"`
	Column           string `yaml:"column,omitempty"`
	Target           string `yaml:"target"`
	Optional         bool   `yaml:"optional,omitempty"`
	OnForeignDeleted string `yaml:"onForeignDeleted,omitempty"`
	CascadeDelete    bool   `yaml:"cascadeDelete,omitempty"`
}

// ForeignTable declares the inverse navigation of a foreign key.
type ForeignTable struct {
	Property   string `yaml:"property"`
	Target     string `yaml:"target"`
	ForeignKey string `yaml:"foreignKey"`
	Optional   bool   `yaml:"optional,omitempty"`
	One        bool   `yaml:"one,omitempty"`
}

// JoinTable declares one side of a many-to-many association.
type JoinTable struct {
	Property      string `yaml:"property"`
	Target        string `yaml:"target"`
	Table         string `yaml:"table,omitempty"`
	Inverse       string `yaml:"inverse,omitempty"`
	CascadeDelete bool   `yaml:"cascadeDelete,omitempty"`
}

// Index declares an index or a uniqueness constraint.
type Index struct {
	Name       string   `yaml:"name"`
	Properties []string `yaml:"properties"`
	Unique     bool     `yaml:"unique,omitempty"`
}

// ParseYAML decodes the entity declarations of a YAML document.
func ParseYAML(data []byte) ([]Entity, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid declarations: %w", err)
	}
	return doc.Entities, nil
}

// Build converts declarations to entity metadata. Cross-entity references are
// resolved by the registry the metadata is registered with.
func Build(decls []Entity) ([]*schema.EntityMetadata, error) {
	metas := make([]*schema.EntityMetadata, 0, len(decls))
	for _, d := range decls {
		meta, err := d.metadata()
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (d Entity) metadata() (*schema.EntityMetadata, error) {
	if d.Name == "" {
		return nil, &runtime.ModelError{Message: "entity declaration without a name"}
	}
	meta := &schema.EntityMetadata{Name: d.Name, Table: d.Table}
	if meta.Table == "" {
		meta.Table = schema.ToSnakeCase(d.Name)
	}
	fail := func(property, format string, args ...any) error {
		return &runtime.ModelError{Entity: d.Name, Property: property, Message: fmt.Sprintf(format, args...)}
	}

	for _, p := range d.Properties {
		kind := schema.KindString
		if p.Type != "" || p.SQLType == "" {
			k, err := schema.ParseKind(p.Type)
			if err != nil {
				return nil, fail(p.Name, "%v", err)
			}
			kind = k
		}
		col := &schema.ColumnMetadata{
			Name:      columnName(p.Column, p.Name),
			Property:  p.Name,
			Kind:      kind,
			SQLType:   p.SQLType,
			Nullable:  p.Nullable == nil || *p.Nullable,
			Unique:    p.Unique,
			MinLength: p.MinLength,
			MaxLength: p.MaxLength,
			Precision: p.Precision,
			Scale:     p.Scale,
			Position:  len(meta.Columns),
		}
		if p.Default != "" {
			if err := schema.ValidateDefaultValue(p.Default); err != nil {
				return nil, fail(p.Name, "%v", err)
			}
			col.Default = &p.Default
		}
		meta.Columns = append(meta.Columns, col)
	}

	for _, f := range d.ForeignKeys {
		if f.Target == "" {
			return nil, fail(f.Property, "foreign key without a target")
		}
		fk := &schema.ForeignKeyMetadata{
			Owner:         meta,
			Property:      f.Property,
			Column:        f.Column,
			TargetName:    f.Target,
			Optional:      f.Optional,
			CascadeDelete: f.CascadeDelete,
		}
		if fk.Column == "" {
			fk.Column = schema.ToSnakeCase(f.Property) + "_id"
		}
		switch strings.ToUpper(strings.TrimSpace(f.OnForeignDeleted)) {
		case "", "DELETE", "CASCADE":
		case "SET_NULL", "SET NULL":
			if !f.Optional {
				return nil, fail(f.Property, "SET_NULL requires an optional foreign key")
			}
			fk.OnForeignDeleted = schema.SetNull
		default:
			return nil, fail(f.Property, "unknown onForeignDeleted policy %q", f.OnForeignDeleted)
		}
		meta.ForeignKeys = append(meta.ForeignKeys, fk)
		meta.Columns = append(meta.Columns, &schema.ColumnMetadata{
			Name:       fk.Column,
			Property:   f.Property,
			Nullable:   f.Optional,
			Position:   len(meta.Columns),
			ForeignKey: fk,
		})
	}

	if err := d.identifier(meta, fail); err != nil {
		return nil, err
	}

	for _, f := range d.ForeignTables {
		meta.ForeignTables = append(meta.ForeignTables, &schema.ForeignTableMetadata{
			Owner:      meta,
			Property:   f.Property,
			TargetName: f.Target,
			JoinKey:    f.ForeignKey,
			Optional:   f.Optional,
			Many:       !f.One,
		})
	}
	for _, j := range d.JoinTables {
		meta.JoinTables = append(meta.JoinTables, &schema.JoinTableMetadata{
			Owner:           meta,
			Property:        j.Property,
			Table:           j.Table,
			TargetName:      j.Target,
			InverseProperty: j.Inverse,
			CascadeDelete:   j.CascadeDelete,
		})
	}

	for _, i := range d.Indexes {
		idx := schema.IndexMetadata{Name: i.Name, Unique: i.Unique}
		for _, prop := range i.Properties {
			col := meta.ColumnByProperty(prop)
			if col == nil {
				return nil, fail(prop, "index %s references an unknown property", i.Name)
			}
			idx.Properties = append(idx.Properties, prop)
			idx.Columns = append(idx.Columns, col.Name)
		}
		meta.Indexes = append(meta.Indexes, idx)
	}
	return meta, nil
}

func (d Entity) identifier(meta *schema.EntityMetadata, fail func(string, string, ...any) error) error {
	if len(d.ID.Properties) == 0 {
		return fail("", "no identifier declared")
	}
	var strategy schema.GenerationStrategy
	switch strings.ToLower(d.ID.Generated) {
	case "":
	case "auto", "identity":
		strategy = schema.GeneratedByDatabase
	case "uuid":
		strategy = schema.GeneratedUUID
	default:
		return fail("", "unknown generation strategy %q", d.ID.Generated)
	}
	meta.ID.Composite = len(d.ID.Properties) > 1
	if meta.ID.Composite && strategy != schema.NotGenerated {
		return fail("", "composite identifiers cannot be generated")
	}

	for _, prop := range d.ID.Properties {
		col := meta.ColumnByProperty(prop)
		if col == nil {
			return fail(prop, "identifier property does not exist")
		}
		col.Nullable = false
		col.Generated = strategy
		if strategy == schema.GeneratedUUID && col.Kind == schema.KindString {
			col.Kind = schema.KindUUID
		}
		meta.ID.Properties = append(meta.ID.Properties, prop)
		meta.ID.Columns = append(meta.ID.Columns, col.Name)
	}
	meta.ID.Generated = strategy
	return nil
}

func columnName(column, property string) string {
	if column != "" {
		return column
	}
	return schema.ToSnakeCase(property)
}
