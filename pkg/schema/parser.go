package schema

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/marshallshelly/pebble-graph/pkg/entity"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

const (
	// StructTagKey is the key used in struct tags (e.g., `po:"..."`).
	StructTagKey = "po"
)

var (
	entityType   = reflect.TypeFor[entity.Entity]()
	relationType = reflect.TypeFor[entity.Relation]()
)

// Parser parses struct definitions to extract entity metadata.
type Parser struct {
	typeMapper *TypeMapper
	cache      map[reflect.Type]*EntityMetadata
}

// NewParser creates a new Parser instance.
func NewParser() *Parser {
	return &Parser{
		typeMapper: DefaultTypeMapper,
		cache:      make(map[reflect.Type]*EntityMetadata),
	}
}

// Parse extracts EntityMetadata from a Go struct type. Cross-entity references are
// left unresolved; the registry links them.
func (p *Parser) Parse(modelType reflect.Type) (*EntityMetadata, error) {
	for modelType.Kind() == reflect.Pointer {
		modelType = modelType.Elem()
	}
	if modelType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("model must be a struct, got %s", modelType.Kind())
	}
	if cached, ok := p.cache[modelType]; ok {
		return cached, nil
	}

	meta := &EntityMetadata{
		Name:   modelType.Name(),
		Table:  toSnakeCase(modelType.Name()),
		GoType: modelType,
	}

	var (
		entityOpts = &TagOptions{Options: map[string]string{}, values: map[string][]string{}}
		primary    []string
		relations  []string
		colIndexes []IndexMetadata
	)

	for i := 0; i < modelType.NumField(); i++ {
		field := modelType.Field(i)

		if field.Anonymous && field.Type == entityType {
			meta.Tracked = true
			if tag := field.Tag.Get(StructTagKey); tag != "" {
				opts, err := p.parseTag(tag)
				if err != nil {
					return nil, &ModelErr{Entity: meta.Name, Message: err.Error()}
				}
				if opts.Name != "" && opts.Name != "-" {
					meta.Table = opts.Name
				}
				entityOpts = opts
			}
			continue
		}

		if !field.IsExported() {
			continue
		}
		tagValue := field.Tag.Get(StructTagKey)
		if tagValue == "" || tagValue == "-" {
			continue
		}
		tagOpts, err := p.parseTag(tagValue)
		if err != nil {
			return nil, &ModelErr{Entity: meta.Name, Property: field.Name, Message: err.Error()}
		}

		switch {
		case isRelationField(field.Type):
			relations = append(relations, field.Name)
			if err := p.parseRelationship(meta, field, tagOpts); err != nil {
				return nil, err
			}
		case tagOpts.Has("foreignKey"):
			relations = append(relations, field.Name)
			if err := p.parseForeignKey(meta, field, tagOpts); err != nil {
				return nil, err
			}
		default:
			column, err := p.createColumnMetadata(meta, field, tagOpts)
			if err != nil {
				return nil, err
			}
			meta.Columns = append(meta.Columns, column)
			if tagOpts.Has("index") {
				colIndexes = append(colIndexes, IndexMetadata{
					Name:       tagOpts.Get("index"),
					Properties: []string{field.Name},
					Columns:    []string{column.Name},
				})
			}
		}

		if tagOpts.Has("primaryKey") {
			primary = append(primary, field.Name)
		}
	}

	if len(relations) > 0 && !meta.Tracked {
		return nil, &ModelErr{
			Entity:   meta.Name,
			Property: relations[0],
			Message:  "relationship declared on a type that does not embed entity.Entity",
		}
	}
	if err := parseIdentifier(meta, entityOpts, primary); err != nil {
		return nil, err
	}
	if err := parseIndexes(meta, entityOpts); err != nil {
		return nil, err
	}
	for _, idx := range colIndexes {
		if idx.Name == "" {
			idx.Name = "idx_" + meta.Table + "_" + idx.Columns[0]
		}
		meta.Indexes = append(meta.Indexes, idx)
	}

	p.cache[modelType] = meta
	return meta, nil
}

// createColumnMetadata creates a ColumnMetadata from a struct field.
func (p *Parser) createColumnMetadata(meta *EntityMetadata, field reflect.StructField, opts *TagOptions) (*ColumnMetadata, error) {
	column := &ColumnMetadata{
		Name:     opts.Name,
		Property: field.Name,
		Index:    field.Index,
		GoType:   field.Type,
		Position: len(meta.Columns),
		SQLType:  opts.GetSQLType(),
		Kind:     p.typeMapper.KindOf(field.Type),
	}
	if column.Name == "" {
		column.Name = toSnakeCase(field.Name)
	}
	if opts.Has("uuid") {
		column.Kind = KindUUID
	}

	column.Nullable = !opts.Has("notNull") && !opts.Has("primaryKey")
	if IsNullable(field.Type) && !opts.Has("primaryKey") {
		column.Nullable = true
	}

	if defaultVal := opts.Get("default"); defaultVal != "" {
		if err := ValidateDefaultValue(defaultVal); err != nil {
			return nil, &ModelErr{Entity: meta.Name, Property: field.Name, Message: err.Error()}
		}
		column.Default = &defaultVal
	}
	column.Unique = opts.Has("unique")

	var err error
	if column.Precision, err = intOption(opts, "precision"); err != nil {
		return nil, &ModelErr{Entity: meta.Name, Property: field.Name, Message: err.Error()}
	}
	if column.Scale, err = intOption(opts, "scale"); err != nil {
		return nil, &ModelErr{Entity: meta.Name, Property: field.Name, Message: err.Error()}
	}
	if column.MinLength, err = intOption(opts, "minLength"); err != nil {
		return nil, &ModelErr{Entity: meta.Name, Property: field.Name, Message: err.Error()}
	}
	if column.MaxLength, err = intOption(opts, "maxLength"); err != nil {
		return nil, &ModelErr{Entity: meta.Name, Property: field.Name, Message: err.Error()}
	}
	if column.Precision > 0 && column.Kind != KindDecimal && column.Kind != KindTime {
		column.Kind = KindDecimal
	}

	strategy, err := ParseGeneration(opts)
	if err != nil {
		return nil, &ModelErr{Entity: meta.Name, Property: field.Name, Message: err.Error()}
	}
	if strategy != NotGenerated && !opts.Has("primaryKey") {
		return nil, &ModelErr{Entity: meta.Name, Property: field.Name, Message: "value generation is only supported on the identifier"}
	}
	column.Generated = strategy
	if strategy == GeneratedUUID && column.Kind == KindString {
		column.Kind = KindUUID
	}

	if column.Kind == KindUnknown && column.SQLType == "" {
		return nil, &ModelErr{
			Entity:   meta.Name,
			Property: field.Name,
			Message:  fmt.Sprintf("unsupported property type %s", field.Type),
		}
	}
	return column, nil
}

// ParseGeneration reads the value generation options of an identifier column.
// The legacy identity/serial/autoIncrement options map to database generation.
func ParseGeneration(opts *TagOptions) (GenerationStrategy, error) {
	if opts.Has("autoIncrement") || opts.Has("serial") || opts.Has("identity") || opts.Has("identityByDefault") {
		return GeneratedByDatabase, nil
	}
	if !opts.Has("generated") {
		return NotGenerated, nil
	}
	switch strings.ToLower(opts.Get("generated")) {
	case "", "auto", "identity":
		return GeneratedByDatabase, nil
	case "uuid":
		return GeneratedUUID, nil
	default:
		return NotGenerated, fmt.Errorf("unknown generation strategy %q", opts.Get("generated"))
	}
}

// parseIdentifier resolves the identifier shape: one primaryKey property, several
// primaryKey properties, or a compositeId declaration on the embedded entity.Entity.
func parseIdentifier(meta *EntityMetadata, entityOpts *TagOptions, primary []string) error {
	var composite []string
	if raw := entityOpts.Get("compositeId"); raw != "" {
		for _, prop := range strings.Split(raw, ",") {
			if prop = strings.TrimSpace(prop); prop != "" {
				composite = append(composite, prop)
			}
		}
	}

	switch {
	case len(composite) > 0 && len(primary) > 0:
		return &ModelErr{Entity: meta.Name, Message: "declares both a primaryKey property and a compositeId"}
	case len(composite) == 0 && len(primary) == 0:
		return &ModelErr{Entity: meta.Name, Message: "no identifier declared"}
	case len(composite) > 0:
		meta.ID.Composite = true
		meta.ID.Properties = composite
	default:
		meta.ID.Composite = len(primary) > 1
		meta.ID.Properties = primary
	}

	for _, prop := range meta.ID.Properties {
		column := meta.ColumnByProperty(prop)
		if column == nil {
			return &ModelErr{Entity: meta.Name, Property: prop, Message: "identifier property does not exist"}
		}
		if column.ForeignKey != nil && column.ForeignKey.Optional {
			return &ModelErr{Entity: meta.Name, Property: prop, Message: "identifier cannot be an optional foreign key"}
		}
		column.Nullable = false
		meta.ID.Columns = append(meta.ID.Columns, column.Name)
		if column.Generated != NotGenerated {
			if meta.ID.Composite {
				return &ModelErr{Entity: meta.Name, Property: prop, Message: "composite identifiers cannot be generated"}
			}
			meta.ID.Generated = column.Generated
		}
	}
	return nil
}

// parseIndexes reads index(name,Prop,...) and unique(name,Prop,...) declarations
// from the embedded entity.Entity and the index option of columns.
func parseIndexes(meta *EntityMetadata, entityOpts *TagOptions) error {
	for _, kind := range []string{"index", "unique"} {
		for _, raw := range entityOpts.GetAll(kind) {
			parts := strings.Split(raw, ",")
			if len(parts) < 2 {
				return &ModelErr{Entity: meta.Name, Message: fmt.Sprintf("%s(%s) needs a name and at least one property", kind, raw)}
			}
			idx := IndexMetadata{Name: strings.TrimSpace(parts[0]), Unique: kind == "unique"}
			for _, prop := range parts[1:] {
				prop = strings.TrimSpace(prop)
				column := meta.ColumnByProperty(prop)
				if column == nil {
					return &ModelErr{Entity: meta.Name, Property: prop, Message: fmt.Sprintf("%s %s references an unknown property", kind, idx.Name)}
				}
				idx.Properties = append(idx.Properties, prop)
				idx.Columns = append(idx.Columns, column.Name)
			}
			meta.Indexes = append(meta.Indexes, idx)
		}
	}
	return nil
}

// isRelationField checks whether a field holds a lazy relationship handle.
func isRelationField(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && reflect.PointerTo(t).Implements(relationType)
}

func intOption(opts *TagOptions, key string) (int, error) {
	if !opts.Has(key) {
		return 0, nil
	}
	n, err := strconv.Atoi(opts.Get(key))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s(%s)", key, opts.Get(key))
	}
	return n, nil
}

// TagOptions represents parsed tag options.
type TagOptions struct {
	Name    string            // Column name (first element)
	Options map[string]string // Other options, last value wins
	values  map[string][]string
}

// parseTag parses a struct tag value into TagOptions.
// Format: "column_name,option1,option2(value),option3"
func (p *Parser) parseTag(tag string) (*TagOptions, error) {
	parts := splitTag(tag)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty tag value")
	}
	opts := &TagOptions{
		Name:    parts[0],
		Options: make(map[string]string),
		values:  make(map[string][]string),
	}
	for i := 1; i < len(parts); i++ {
		opt := parts[i]
		if opt == "" {
			continue
		}
		var key, value string
		if idx := strings.Index(opt, "("); idx != -1 {
			if !strings.HasSuffix(opt, ")") {
				return nil, fmt.Errorf("invalid option format: %s", opt)
			}
			key = opt[:idx]
			value = opt[idx+1 : len(opt)-1]
		} else if idx := strings.Index(opt, ":"); idx != -1 {
			key = opt[:idx]
			value = opt[idx+1:]
		} else {
			key = opt
		}
		opts.Options[key] = value
		opts.values[key] = append(opts.values[key], value)
	}
	return opts, nil
}

// ParseTagOptions parses a po tag value outside of a Parser, e.g. from source files.
func ParseTagOptions(tag string) (*TagOptions, error) {
	return (&Parser{}).parseTag(tag)
}

// Has checks if an option exists.
func (t *TagOptions) Has(key string) bool {
	_, ok := t.Options[key]
	return ok
}

// Get returns the value of an option.
func (t *TagOptions) Get(key string) string {
	return t.Options[key]
}

// GetAll returns every value given to a repeatable option such as index(...).
func (t *TagOptions) GetAll(key string) []string {
	return t.values[key]
}

// GetSQLType returns an explicit SQL type from tag options, used verbatim by every dialect.
func (t *TagOptions) GetSQLType() string {
	sqlTypes := []string{
		"varchar", "text", "char",
		"smallint", "integer", "bigint",
		"numeric", "decimal", "real", "double precision",
		"boolean",
		"date", "time", "timestamp",
		"json", "jsonb",
		"bytea", "blob",
	}
	for _, sqlType := range sqlTypes {
		if t.Has(sqlType) {
			if value := t.Get(sqlType); value != "" {
				return fmt.Sprintf("%s(%s)", sqlType, value)
			}
			return sqlType
		}
	}
	return ""
}

// splitTag splits a tag value by commas, handling nested parentheses.
func splitTag(tag string) []string {
	var parts []string
	var current strings.Builder
	depth := 0
	for _, ch := range tag {
		switch ch {
		case '(':
			depth++
			current.WriteRune(ch)
		case ')':
			depth--
			current.WriteRune(ch)
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(current.String()))
				current.Reset()
			} else {
				current.WriteRune(ch)
			}
		default:
			current.WriteRune(ch)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, strings.TrimSpace(current.String()))
	}
	return parts
}

// toSnakeCase converts a string from PascalCase to snake_case, keeping
// acronyms together ("ParentID" -> "parent_id").
func toSnakeCase(s string) string {
	runes := []rune(s)
	var result strings.Builder
	for i, ch := range runes {
		if unicode.IsUpper(ch) && i > 0 {
			prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
				result.WriteRune('_')
			}
		}
		result.WriteRune(unicode.ToLower(ch))
	}
	return result.String()
}

// ToSnakeCase exposes the naming rule used for default table and column names.
func ToSnakeCase(s string) string {
	return toSnakeCase(s)
}

// ModelErr is an alias kept short for use inside this package.
type ModelErr = runtime.ModelError
