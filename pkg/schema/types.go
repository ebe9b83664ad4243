package schema

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ColumnKind is the dialect-neutral storage type of a column.
type ColumnKind int

const (
	KindUnknown ColumnKind = iota
	KindBool
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindDecimal
	KindString
	KindBytes
	KindTime
	KindUUID
	KindJSON
)

var kindNames = map[ColumnKind]string{
	KindUnknown: "unknown",
	KindBool:    "bool",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindDecimal: "decimal",
	KindString:  "string",
	KindBytes:   "bytes",
	KindTime:    "time",
	KindUUID:    "uuid",
	KindJSON:    "json",
}

// String returns the declaration name of the kind.
func (k ColumnKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ColumnKind(%d)", int(k))
}

// ParseKind parses a declaration name such as "int64" or "string".
func ParseKind(name string) (ColumnKind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "int":
		return KindInt64, nil
	case "boolean":
		return KindBool, nil
	case "text":
		return KindString, nil
	case "timestamp", "datetime":
		return KindTime, nil
	}
	for kind, n := range kindNames {
		if kind != KindUnknown && n == strings.ToLower(strings.TrimSpace(name)) {
			return kind, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown column type %q", name)
}

// TypeMapper maps Go types to column kinds.
type TypeMapper struct {
	customMappings map[reflect.Type]ColumnKind
}

// NewTypeMapper creates a new TypeMapper instance.
func NewTypeMapper() *TypeMapper {
	return &TypeMapper{
		customMappings: make(map[reflect.Type]ColumnKind),
	}
}

// RegisterType registers a custom type mapping.
func (tm *TypeMapper) RegisterType(goType reflect.Type, kind ColumnKind) {
	tm.customMappings[goType] = kind
}

// KindOf maps a Go type to its column kind.
func (tm *TypeMapper) KindOf(t reflect.Type) ColumnKind {
	if kind, ok := tm.customMappings[t]; ok {
		return kind
	}

	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	switch t {
	case reflect.TypeFor[time.Time]():
		return KindTime
	case reflect.TypeFor[uuid.UUID]():
		return KindUUID
	case reflect.TypeFor[json.RawMessage]():
		return KindJSON
	case reflect.TypeFor[sql.NullString]():
		return KindString
	case reflect.TypeFor[sql.NullInt64]():
		return KindInt64
	case reflect.TypeFor[sql.NullInt32]():
		return KindInt32
	case reflect.TypeFor[sql.NullFloat64]():
		return KindFloat64
	case reflect.TypeFor[sql.NullBool]():
		return KindBool
	case reflect.TypeFor[sql.NullTime]():
		return KindTime
	}

	switch t.Kind() {
	case reflect.Bool:
		return KindBool
	case reflect.Int8, reflect.Int16, reflect.Uint8:
		return KindInt16
	case reflect.Int32, reflect.Uint16:
		return KindInt32
	case reflect.Int, reflect.Int64, reflect.Uint32, reflect.Uint64, reflect.Uint:
		return KindInt64
	case reflect.Float32:
		return KindFloat32
	case reflect.Float64:
		return KindFloat64
	case reflect.String:
		return KindString
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes
		}
		return KindJSON
	case reflect.Map, reflect.Struct:
		return KindJSON
	}

	return KindUnknown
}

// IsNullable checks if a Go type is nullable.
func IsNullable(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		return true
	}

	switch t {
	case reflect.TypeFor[sql.NullString](),
		reflect.TypeFor[sql.NullInt64](),
		reflect.TypeFor[sql.NullInt32](),
		reflect.TypeFor[sql.NullFloat64](),
		reflect.TypeFor[sql.NullBool](),
		reflect.TypeFor[sql.NullTime]():
		return true
	}

	return false
}

// DefaultTypeMapper is the global type mapper instance.
var DefaultTypeMapper = NewTypeMapper()
