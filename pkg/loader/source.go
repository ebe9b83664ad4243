package loader

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"strconv"
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// ParseGo reads the entity declarations of a Go source file: structs that embed
// entity.Entity or carry po tags. src may be nil, in which case filename is read.
// Custom table names can be given with a "// table_name: name" comment.
func ParseGo(filename string, src any) ([]Entity, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("failed to parse file: %w", err)
	}

	var decls []Entity
	for _, decl := range file.Decls {
		genDecl, ok := decl.(*ast.GenDecl)
		if !ok || genDecl.Tok != token.TYPE {
			continue
		}
		for _, spec := range genDecl.Specs {
			typeSpec, ok := spec.(*ast.TypeSpec)
			if !ok {
				continue
			}
			structType, ok := typeSpec.Type.(*ast.StructType)
			if !ok || !hasPebbleTags(structType) {
				continue
			}

			d, err := entityFromStruct(typeSpec.Name.Name, structType)
			if err != nil {
				return nil, err
			}
			for _, doc := range []*ast.CommentGroup{genDecl.Doc, typeSpec.Doc} {
				if name := tableNameFromComment(doc); name != "" {
					d.Table = name
				}
			}
			decls = append(decls, d)
		}
	}
	return decls, nil
}

func entityFromStruct(name string, st *ast.StructType) (Entity, error) {
	d := Entity{Name: name}
	fail := func(property string, err error) error {
		return fmt.Errorf("%s.%s: %w", name, property, err)
	}

	for _, field := range st.Fields.List {
		tag := poTag(field)

		if len(field.Names) == 0 {
			if isQualified(field.Type, "entity", "Entity") && tag != "" {
				opts, err := schema.ParseTagOptions(tag)
				if err != nil {
					return d, fail("Entity", err)
				}
				if err := d.applyEntityOptions(opts); err != nil {
					return d, fail("Entity", err)
				}
			}
			continue
		}
		if tag == "" || tag == "-" {
			continue
		}
		opts, err := schema.ParseTagOptions(tag)
		if err != nil {
			return d, fail(field.Names[0].Name, err)
		}

		for _, ident := range field.Names {
			if !ident.IsExported() {
				continue
			}
			if err := d.addField(ident.Name, field.Type, opts); err != nil {
				return d, fail(ident.Name, err)
			}
		}
	}
	return d, nil
}

func (d *Entity) applyEntityOptions(opts *schema.TagOptions) error {
	if opts.Name != "" && opts.Name != "-" {
		d.Table = opts.Name
	}
	if raw := opts.Get("compositeId"); raw != "" {
		d.ID.Properties = splitList(raw)
	}
	for _, kind := range []string{"index", "unique"} {
		for _, raw := range opts.GetAll(kind) {
			parts := splitList(raw)
			if len(parts) < 2 {
				return fmt.Errorf("%s(%s) needs a name and at least one property", kind, raw)
			}
			d.Indexes = append(d.Indexes, Index{Name: parts[0], Properties: parts[1:], Unique: kind == "unique"})
		}
	}
	return nil
}

func (d *Entity) addField(name string, expr ast.Expr, opts *schema.TagOptions) error {
	column := opts.Name
	if column == "-" {
		column = ""
	}

	if idx, ok := expr.(*ast.IndexExpr); ok {
		return d.addRelation(name, idx, opts)
	}

	pointer := false
	if star, ok := expr.(*ast.StarExpr); ok {
		pointer = true
		expr = star.X
	}

	if opts.Has("foreignKey") {
		target := opts.Get("foreignKey")
		byReference := false
		if ident, ok := expr.(*ast.Ident); ok && pointer && !isBuiltin(ident.Name) {
			target, byReference = ident.Name, true
		}
		if target == "" {
			return fmt.Errorf("foreignKey on an identifier value must name the target entity")
		}
		d.ForeignKeys = append(d.ForeignKeys, ForeignKey{
			Property:         name,
			Column:           column,
			Target:           target,
			Optional:         opts.Has("optional") || (pointer && !byReference),
			OnForeignDeleted: opts.Get("onForeignDeleted"),
			CascadeDelete:    opts.Has("cascadeDelete"),
		})
		return nil
	}

	typ := kindName(expr)
	if opts.Has("uuid") {
		typ = "uuid"
	}
	sqlType := opts.GetSQLType()
	if typ == "" && sqlType == "" {
		return fmt.Errorf("unsupported property type %s", exprString(expr))
	}

	primary := opts.Has("primaryKey")
	nullable := (!opts.Has("notNull") || pointer) && !primary
	p := Property{
		Name:     name,
		Column:   column,
		Type:     typ,
		SQLType:  sqlType,
		Nullable: &nullable,
		Unique:   opts.Has("unique"),
		Default:  opts.Get("default"),
	}
	for key, dst := range map[string]*int{
		"minLength": &p.MinLength,
		"maxLength": &p.MaxLength,
		"precision": &p.Precision,
		"scale":     &p.Scale,
	} {
		if !opts.Has(key) {
			continue
		}
		n, err := strconv.Atoi(opts.Get(key))
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s(%s)", key, opts.Get(key))
		}
		*dst = n
	}
	if p.Precision > 0 && typ != "time" {
		p.Type = "decimal"
	}
	d.Properties = append(d.Properties, p)

	if primary {
		d.ID.Properties = append(d.ID.Properties, name)
		strategy, err := schema.ParseGeneration(opts)
		if err != nil {
			return err
		}
		switch strategy {
		case schema.GeneratedByDatabase:
			d.ID.Generated = "auto"
		case schema.GeneratedUUID:
			d.ID.Generated = "uuid"
		}
	}
	if opts.Has("index") {
		idx := opts.Get("index")
		if idx == "" {
			idx = "idx_" + d.table() + "_" + columnName(column, name)
		}
		d.Indexes = append(d.Indexes, Index{Name: idx, Properties: []string{name}})
	}
	return nil
}

func (d *Entity) addRelation(name string, expr *ast.IndexExpr, opts *schema.TagOptions) error {
	sel, ok := expr.X.(*ast.SelectorExpr)
	if !ok || !isQualified(sel, "entity", sel.Sel.Name) || (sel.Sel.Name != "Many" && sel.Sel.Name != "One") {
		return fmt.Errorf("unsupported property type %s", exprString(expr))
	}
	target, ok := expr.Index.(*ast.Ident)
	if !ok {
		return fmt.Errorf("relationship target must be an entity type of the same file")
	}
	many := sel.Sel.Name == "Many"

	switch {
	case opts.Has("foreignTable"):
		if opts.Get("foreignTable") == "" {
			return fmt.Errorf("foreignTable must name the foreign key property of %s", target.Name)
		}
		d.ForeignTables = append(d.ForeignTables, ForeignTable{
			Property:   name,
			Target:     target.Name,
			ForeignKey: opts.Get("foreignTable"),
			Optional:   opts.Has("optional"),
			One:        !many,
		})
	case opts.Has("joinTable"):
		if !many {
			return fmt.Errorf("joinTable requires an entity.Many property")
		}
		jt := JoinTable{
			Property:      name,
			Target:        target.Name,
			Inverse:       opts.Get("joinTable"),
			CascadeDelete: opts.Has("cascadeDelete"),
		}
		if opts.Name != "-" {
			jt.Table = opts.Name
		}
		d.JoinTables = append(d.JoinTables, jt)
	default:
		return fmt.Errorf("relationship handle needs foreignTable or joinTable")
	}
	return nil
}

func (d *Entity) table() string {
	if d.Table != "" {
		return d.Table
	}
	return schema.ToSnakeCase(d.Name)
}

// kindName maps a field type expression to a declaration type name.
func kindName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		switch t.Name {
		case "string", "bool", "float32", "float64", "int16", "int32", "int64":
			return t.Name
		case "int", "uint", "uint32", "uint64":
			return "int64"
		case "int8", "uint8", "byte":
			return "int16"
		case "uint16":
			return "int32"
		}
	case *ast.SelectorExpr:
		switch exprString(t) {
		case "time.Time", "sql.NullTime":
			return "time"
		case "uuid.UUID":
			return "uuid"
		case "json.RawMessage":
			return "json"
		case "sql.NullString":
			return "string"
		case "sql.NullInt64":
			return "int64"
		case "sql.NullInt32":
			return "int32"
		case "sql.NullFloat64":
			return "float64"
		case "sql.NullBool":
			return "bool"
		}
	case *ast.ArrayType:
		if ident, ok := t.Elt.(*ast.Ident); ok && t.Len == nil && (ident.Name == "byte" || ident.Name == "uint8") {
			return "bytes"
		}
		return "json"
	case *ast.MapType:
		return "json"
	}
	return ""
}

func isBuiltin(name string) bool {
	return kindName(&ast.Ident{Name: name}) != ""
}

func isQualified(expr ast.Expr, pkg, name string) bool {
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	x, ok := sel.X.(*ast.Ident)
	return ok && x.Name == pkg && sel.Sel.Name == name
}

func exprString(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.ArrayType:
		return "[]" + exprString(t.Elt)
	case *ast.IndexExpr:
		return exprString(t.X) + "[" + exprString(t.Index) + "]"
	}
	return fmt.Sprintf("%T", expr)
}

func poTag(field *ast.Field) string {
	if field.Tag == nil {
		return ""
	}
	raw, err := strconv.Unquote(field.Tag.Value)
	if err != nil {
		return ""
	}
	return reflect.StructTag(raw).Get(schema.StructTagKey)
}

// hasPebbleTags checks if a struct has any fields with pebble tags
func hasPebbleTags(structType *ast.StructType) bool {
	if structType.Fields == nil {
		return false
	}
	for _, field := range structType.Fields.List {
		if len(field.Names) == 0 && isQualified(field.Type, "entity", "Entity") {
			return true
		}
		if poTag(field) != "" {
			return true
		}
	}
	return false
}

func tableNameFromComment(group *ast.CommentGroup) string {
	if group == nil {
		return ""
	}
	for _, c := range group.List {
		text := strings.TrimSpace(strings.TrimPrefix(c.Text, "//"))
		if name, ok := strings.CutPrefix(text, "table_name:"); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
