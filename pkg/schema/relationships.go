package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jinzhu/inflection"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
)

// parseForeignKey parses a foreignKey property, in object form (*T) or scalar form
// (an identifier value with foreignKey(EntityName)).
func (p *Parser) parseForeignKey(meta *EntityMetadata, field reflect.StructField, opts *TagOptions) error {
	fk := &ForeignKeyMetadata{
		Owner:         meta,
		Property:      field.Name,
		Column:        opts.Name,
		Index:         field.Index,
		Optional:      opts.Has("optional"),
		CascadeDelete: opts.Has("cascadeDelete"),
	}
	if fk.Column == "" {
		fk.Column = toSnakeCase(field.Name) + "_id"
	}

	target := opts.Get("foreignKey")
	fieldType := field.Type
	if isEntityReference(fieldType) {
		fk.ByReference = true
		fk.TargetType = fieldType.Elem()
		fk.TargetName = fk.TargetType.Name()
		if target != "" && target != fk.TargetName {
			return &ModelErr{
				Entity:   meta.Name,
				Property: field.Name,
				Message:  fmt.Sprintf("foreignKey(%s) does not match the property type %s", target, fk.TargetName),
			}
		}
	} else {
		if target == "" {
			return &ModelErr{
				Entity:   meta.Name,
				Property: field.Name,
				Message:  "foreignKey on an identifier value must name the target entity",
			}
		}
		fk.TargetName = target
		if IsNullable(fieldType) {
			fk.Optional = true
		}
	}

	switch strings.ToUpper(strings.TrimSpace(opts.Get("onForeignDeleted"))) {
	case "", "DELETE", "CASCADE":
		fk.OnForeignDeleted = DeleteDependents
	case "SET_NULL", "SETNULL", "SET NULL":
		fk.OnForeignDeleted = SetNull
	default:
		return &ModelErr{
			Entity:   meta.Name,
			Property: field.Name,
			Message:  fmt.Sprintf("unknown onForeignDeleted policy %q", opts.Get("onForeignDeleted")),
		}
	}
	if fk.OnForeignDeleted == SetNull && !fk.Optional {
		return &ModelErr{Entity: meta.Name, Property: field.Name, Message: "SET_NULL requires an optional foreign key"}
	}

	column := &ColumnMetadata{
		Name:       fk.Column,
		Property:   field.Name,
		Index:      field.Index,
		GoType:     fieldType,
		Nullable:   fk.Optional,
		Position:   len(meta.Columns),
		ForeignKey: fk,
	}
	if !fk.ByReference {
		column.Kind = p.typeMapper.KindOf(fieldType)
	}

	meta.ForeignKeys = append(meta.ForeignKeys, fk)
	meta.Columns = append(meta.Columns, column)
	return nil
}

// parseRelationship parses an entity.Many or entity.One handle declared as a foreign
// table or a join table.
func (p *Parser) parseRelationship(meta *EntityMetadata, field reflect.StructField, opts *TagOptions) error {
	handle, ok := reflect.New(field.Type).Interface().(entity.Relation)
	if !ok {
		return &ModelErr{Entity: meta.Name, Property: field.Name, Message: "not a relationship handle"}
	}
	elem := handle.ElemType()

	switch {
	case opts.Has("foreignTable"):
		joinKey := opts.Get("foreignTable")
		if joinKey == "" {
			return &ModelErr{Entity: meta.Name, Property: field.Name, Message: "foreignTable must name the foreign key property of " + elem.Name()}
		}
		meta.ForeignTables = append(meta.ForeignTables, &ForeignTableMetadata{
			Owner:      meta,
			Property:   field.Name,
			Index:      field.Index,
			TargetName: elem.Name(),
			TargetType: elem,
			JoinKey:    joinKey,
			Optional:   opts.Has("optional"),
			Many:       handle.IsCollection(),
		})

	case opts.Has("joinTable"):
		if !handle.IsCollection() {
			return &ModelErr{Entity: meta.Name, Property: field.Name, Message: "joinTable requires an entity.Many property"}
		}
		jt := &JoinTableMetadata{
			Owner:           meta,
			Property:        field.Name,
			Index:           field.Index,
			TargetName:      elem.Name(),
			TargetType:      elem,
			InverseProperty: opts.Get("joinTable"),
			CascadeDelete:   opts.Has("cascadeDelete"),
		}
		if opts.Name != "" && opts.Name != "-" {
			jt.Table = opts.Name
		}
		meta.JoinTables = append(meta.JoinTables, jt)

	default:
		return &ModelErr{Entity: meta.Name, Property: field.Name, Message: "relationship handle needs foreignTable or joinTable"}
	}
	return nil
}

// isEntityReference reports whether t is a pointer to a struct that can be an entity.
func isEntityReference(t reflect.Type) bool {
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return false
	}
	return t.Elem() != reflect.TypeFor[time.Time]()
}

// FillJoinTableDefaults derives the table and column names a join table did not declare.
// The target metadata must be linked.
func FillJoinTableDefaults(jt *JoinTableMetadata) {
	self := jt.Target == jt.Owner
	if jt.Table == "" {
		if self {
			prop := jt.Property
			if jt.InverseProperty != "" && jt.InverseProperty < prop {
				prop = jt.InverseProperty
			}
			jt.Table = jt.Owner.Table + "_" + toSnakeCase(prop)
		} else {
			jt.Table = generateJunctionTableName(jt.Owner.Table, jt.Target.Table)
		}
	}
	if jt.OwnerColumn != "" && jt.TargetColumn != "" {
		return
	}
	if self {
		jt.OwnerColumn = joinColumn(jt.Owner.Table)
		if jt.InverseProperty != "" {
			jt.OwnerColumn = joinColumn(toSnakeCase(jt.InverseProperty))
		}
		jt.TargetColumn = joinColumn(toSnakeCase(jt.Property))
		return
	}
	jt.OwnerColumn = joinColumn(jt.Owner.Table)
	jt.TargetColumn = joinColumn(jt.Target.Table)
}

func joinColumn(name string) string {
	return inflection.Singular(name) + "_id"
}

// generateJunctionTableName generates a junction table name from two table names.
func generateJunctionTableName(table1, table2 string) string {
	// Sort alphabetically for consistency
	if table1 > table2 {
		table1, table2 = table2, table1
	}
	return table1 + "_" + table2
}
