// Package migration builds a relational schema model from entity metadata and
// renders, records and applies its DDL.
package migration

import (
	"fmt"
	"slices"
	"time"

	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// Schema is the relational layout of a set of entities: one table per entity
// type and one table per many-to-many association.
type Schema struct {
	Tables []*Table
}

// Table describes one table.
type Table struct {
	Name        string
	Entity      string // empty for join tables
	Columns     []*schema.ColumnMetadata
	PrimaryKey  []string
	Indexes     []schema.IndexMetadata
	ForeignKeys []ForeignKey
}

// ForeignKey is a foreign-key constraint.
type ForeignKey struct {
	Name      string
	Column    string
	RefTable  string
	RefColumn string
	SetNull   bool
}

// Table returns the table named name.
func (s *Schema) Table(name string) *Table {
	for _, t := range s.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// IsJoinTable reports whether the table stores a many-to-many association.
func (t *Table) IsJoinTable() bool { return t.Entity == "" }

// Column returns the column named name.
func (t *Table) Column(name string) *schema.ColumnMetadata {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// IsKeyColumn reports whether column takes part in the primary key, a foreign
// key or an index.
func (t *Table) IsKeyColumn(column string) bool {
	if slices.Contains(t.PrimaryKey, column) {
		return true
	}
	for _, fk := range t.ForeignKeys {
		if fk.Column == column {
			return true
		}
	}
	for _, idx := range t.Indexes {
		if slices.Contains(idx.Columns, column) {
			return true
		}
	}
	return false
}

// BuildSchema derives the schema of metas. Entity tables keep the order of metas;
// join tables follow, each once even when both sides declare it.
func BuildSchema(metas []*schema.EntityMetadata) *Schema {
	s := &Schema{}
	var joins []*Table
	seen := make(map[string]bool)

	for _, meta := range metas {
		t := &Table{
			Name:       meta.Table,
			Entity:     meta.Name,
			Columns:    meta.Columns,
			PrimaryKey: meta.ID.Columns,
			Indexes:    meta.Indexes,
		}
		for _, fk := range meta.ForeignKeys {
			if fk.Target == nil || len(fk.Target.ID.Columns) != 1 {
				continue
			}
			t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
				Name:      constraintName(meta.Table, fk.Column),
				Column:    fk.Column,
				RefTable:  fk.Target.Table,
				RefColumn: fk.Target.ID.Columns[0],
				SetNull:   fk.OnForeignDeleted == schema.SetNull,
			})
		}
		s.Tables = append(s.Tables, t)

		for _, jt := range meta.JoinTables {
			if seen[jt.Table] || jt.Target == nil {
				continue
			}
			seen[jt.Table] = true
			joins = append(joins, joinTable(jt))
		}
	}
	s.Tables = append(s.Tables, joins...)
	return s
}

func joinTable(jt *schema.JoinTableMetadata) *Table {
	owner := joinColumn(jt.Owner, jt.OwnerColumn)
	target := joinColumn(jt.Target, jt.TargetColumn)
	return &Table{
		Name:       jt.Table,
		Columns:    []*schema.ColumnMetadata{owner, target},
		PrimaryKey: []string{owner.Name, target.Name},
		ForeignKeys: []ForeignKey{
			{Name: constraintName(jt.Table, owner.Name), Column: owner.Name, RefTable: jt.Owner.Table, RefColumn: jt.Owner.ID.Columns[0]},
			{Name: constraintName(jt.Table, target.Name), Column: target.Name, RefTable: jt.Target.Table, RefColumn: jt.Target.ID.Columns[0]},
		},
	}
}

// joinColumn types a join column like the identifier it references.
func joinColumn(meta *schema.EntityMetadata, name string) *schema.ColumnMetadata {
	id := meta.IDColumns()[0]
	return &schema.ColumnMetadata{
		Name:      name,
		Property:  name,
		GoType:    id.GoType,
		Kind:      id.Kind,
		SQLType:   id.SQLType,
		MaxLength: id.MaxLength,
		Precision: id.Precision,
		Scale:     id.Scale,
	}
}

func constraintName(table, column string) string {
	return "fk_" + table + "_" + column
}

// Migration is a named set of DDL statements.
type Migration struct {
	Version string
	Name    string
	Up      []string
	Down    []string
}

// Record is an entry of the migrations tracking table.
type Record struct {
	Version   string
	Name      string
	AppliedAt time.Time
}

// GenerateVersion generates a timestamp-based version string (YYYYMMDDHHmmss).
func GenerateVersion() string {
	return time.Now().UTC().Format("20060102150405")
}

// GenerateFileName generates a migration file name: {version}_{name}.{up|down}.sql.
func GenerateFileName(version, name, direction string) string {
	return fmt.Sprintf("%s_%s.%s.sql", version, name, direction)
}
