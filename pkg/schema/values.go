package schema

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/marshallshelly/pebble-graph/pkg/runtime"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// structValue returns the addressable struct behind an entity pointer.
func structValue(instance any) reflect.Value {
	v := reflect.ValueOf(instance)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return v
}

// Field returns the addressable struct field at index.
func Field(instance any, index []int) reflect.Value {
	return structValue(instance).FieldByIndex(index)
}

// Reference returns the instance an object-form foreign key points to, or nil.
func Reference(instance any, fk *ForeignKeyMetadata) any {
	if !fk.ByReference {
		return nil
	}
	f := Field(instance, fk.Index)
	if f.IsNil() {
		return nil
	}
	return f.Interface()
}

// SetReference points an object-form foreign key at target. A nil target clears it.
func SetReference(instance any, fk *ForeignKeyMetadata, target any) {
	f := Field(instance, fk.Index)
	if target == nil {
		f.Set(reflect.Zero(f.Type()))
		return
	}
	f.Set(reflect.ValueOf(target))
}

// ColumnValue returns the value bound for column. Nil pointers bind NULL and object
// foreign keys bind the identifier of the referenced instance.
func (m *EntityMetadata) ColumnValue(instance any, column *ColumnMetadata) (any, error) {
	if fk := column.ForeignKey; fk != nil && fk.ByReference {
		ref := Reference(instance, fk)
		if ref == nil {
			return nil, nil
		}
		if fk.Target == nil {
			return nil, fmt.Errorf("foreign key %s.%s is not linked", m.Name, fk.Property)
		}
		ids, err := fk.Target.IDValues(ref)
		if err != nil {
			return nil, err
		}
		return ids[0], nil
	}
	return bindValue(Field(instance, column.Index), column)
}

// IDValues returns the identifier values of instance in declaration order.
func (m *EntityMetadata) IDValues(instance any) ([]any, error) {
	ids := make([]any, 0, len(m.ID.Columns))
	for _, column := range m.IDColumns() {
		v, err := m.ColumnValue(instance, column)
		if err != nil {
			return nil, err
		}
		ids = append(ids, v)
	}
	return ids, nil
}

// HasID reports whether every identifier property holds a non-zero value.
func (m *EntityMetadata) HasID(instance any) bool {
	for _, column := range m.IDColumns() {
		if fk := column.ForeignKey; fk != nil && fk.ByReference {
			ref := Reference(instance, fk)
			if ref == nil || fk.Target == nil || !fk.Target.HasID(ref) {
				return false
			}
			continue
		}
		if Field(instance, column.Index).IsZero() {
			return false
		}
	}
	return true
}

// SetColumnValue assigns a scanned or generated value to the field backing column.
// Object foreign keys are not handled here; they need a target instance.
func (m *EntityMetadata) SetColumnValue(instance any, column *ColumnMetadata, value any) error {
	if column.ForeignKey != nil && column.ForeignKey.ByReference {
		return fmt.Errorf("%w: %s.%s holds a reference", runtime.ErrInvalidType, m.Name, column.Property)
	}
	if err := Assign(Field(instance, column.Index), value); err != nil {
		return fmt.Errorf("%s.%s: %w", m.Name, column.Property, err)
	}
	return nil
}

// bindValue converts a field into a driver argument.
func bindValue(f reflect.Value, column *ColumnMetadata) (any, error) {
	if f.Kind() == reflect.Pointer {
		if f.IsNil() {
			return nil, nil
		}
		f = f.Elem()
	}
	v := f.Interface()
	if _, ok := v.(driver.Valuer); ok {
		return v, nil
	}
	if column.Kind == KindJSON {
		if raw, ok := v.(json.RawMessage); ok {
			return []byte(raw), nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", runtime.ErrInvalidType, err)
		}
		return string(data), nil
	}
	return v, nil
}

// Assign stores v into dst, converting between the representations drivers return
// and the declared field type.
func Assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	if dst.Kind() == reflect.Pointer {
		n := reflect.New(dst.Type().Elem())
		if err := Assign(n.Elem(), v); err != nil {
			return err
		}
		dst.Set(n)
		return nil
	}
	if b, ok := v.([16]byte); ok {
		v = uuid.UUID(b)
	}

	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if scanner, ok := dst.Addr().Interface().(sql.Scanner); ok {
		return scanner.Scan(v)
	}
	if valuer, ok := v.(driver.Valuer); ok {
		inner, err := valuer.Value()
		if err != nil {
			return err
		}
		return Assign(dst, inner)
	}

	switch dst.Kind() {
	case reflect.String:
		switch s := v.(type) {
		case string:
			dst.SetString(s)
			return nil
		case []byte:
			dst.SetString(string(s))
			return nil
		case fmt.Stringer:
			dst.SetString(s.String())
			return nil
		}
	case reflect.Bool:
		switch b := v.(type) {
		case int64:
			dst.SetBool(b != 0)
			return nil
		case []byte:
			return assignParsed(dst, string(b))
		case string:
			return assignParsed(dst, b)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		switch s := v.(type) {
		case []byte:
			return assignParsed(dst, string(s))
		case string:
			return assignParsed(dst, s)
		}
		if isNumberKind(src.Kind()) {
			dst.Set(src.Convert(dst.Type()))
			return nil
		}
	case reflect.Slice:
		if s, ok := v.(string); ok && dst.Type().Elem().Kind() == reflect.Uint8 {
			dst.SetBytes([]byte(s))
			return nil
		}
	case reflect.Struct:
		if dst.Type() == reflect.TypeFor[time.Time]() {
			switch s := v.(type) {
			case string:
				return assignTime(dst, s)
			case []byte:
				return assignTime(dst, string(s))
			}
		}
	}

	if jsonTarget(dst.Type()) {
		var data []byte
		switch s := v.(type) {
		case []byte:
			data = s
		case string:
			data = []byte(s)
		default:
			if src.Type().ConvertibleTo(dst.Type()) {
				dst.Set(src.Convert(dst.Type()))
				return nil
			}
			return fmt.Errorf("%w: cannot assign %T to %s", runtime.ErrInvalidType, v, dst.Type())
		}
		return json.Unmarshal(data, dst.Addr().Interface())
	}

	return fmt.Errorf("%w: cannot assign %T to %s", runtime.ErrInvalidType, v, dst.Type())
}

func assignParsed(dst reflect.Value, s string) error {
	switch dst.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrInvalidType, err)
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, dst.Type().Bits())
		if err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrInvalidType, err)
		}
		dst.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, dst.Type().Bits())
		if err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrInvalidType, err)
		}
		dst.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, dst.Type().Bits())
		if err != nil {
			return fmt.Errorf("%w: %v", runtime.ErrInvalidType, err)
		}
		dst.SetFloat(f)
	}
	return nil
}

func assignTime(dst reflect.Value, s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			dst.Set(reflect.ValueOf(t))
			return nil
		}
	}
	return fmt.Errorf("%w: cannot parse time %q", runtime.ErrInvalidType, s)
}

func isNumberKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func jsonTarget(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Map, reflect.Struct:
		return true
	case reflect.Slice:
		return t.Elem().Kind() != reflect.Uint8
	}
	return false
}
