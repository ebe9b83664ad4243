package builder

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// resolver maps a criteria property ("alias.Property" or "Property") to a
// qualified column.
type resolver interface {
	resolve(property string) (string, *schema.ColumnMetadata, error)
}

// WhereBuilder helps build WHERE clauses.
type WhereBuilder struct {
	dialect  dialect.Dialect
	params   *dialect.ParamBuilder
	resolver resolver
}

// newWhereBuilder creates a WhereBuilder appending parameters to params.
func newWhereBuilder(d dialect.Dialect, params *dialect.ParamBuilder, r resolver) *WhereBuilder {
	return &WhereBuilder{dialect: d, params: params, resolver: r}
}

// Build generates the WHERE clause for conditions combined with AND.
func (w *WhereBuilder) Build(conditions []Condition) (string, error) {
	if len(conditions) == 0 {
		return "", nil
	}
	sql, err := w.buildGroup(conditions, LogicAnd)
	if err != nil {
		return "", err
	}
	return "WHERE " + sql, nil
}

func (w *WhereBuilder) buildGroup(conditions []Condition, logic LogicOperator) (string, error) {
	if len(conditions) == 0 {
		if logic == LogicOr {
			return "1 = 0", nil
		}
		return "1 = 1", nil
	}
	parts := make([]string, 0, len(conditions))
	for _, cond := range conditions {
		sql, err := w.build(cond)
		if err != nil {
			return "", err
		}
		if cond.IsGroup() && len(conditions) > 1 && !cond.Not {
			sql = "(" + sql + ")"
		}
		parts = append(parts, sql)
	}
	return strings.Join(parts, " "+string(logic)+" "), nil
}

func (w *WhereBuilder) build(cond Condition) (string, error) {
	var (
		sql string
		err error
	)
	if cond.IsGroup() {
		sql, err = w.buildGroup(cond.Group, cond.Connector)
	} else {
		sql, err = w.buildCondition(cond)
	}
	if err != nil {
		return "", err
	}
	if cond.Not {
		return "NOT (" + sql + ")", nil
	}
	return sql, nil
}

// buildCondition builds a single comparison.
func (w *WhereBuilder) buildCondition(cond Condition) (string, error) {
	column, meta, err := w.resolver.resolve(cond.Property)
	if err != nil {
		return "", err
	}

	switch cond.Operator {
	case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		if cond.Value == nil {
			return "", &runtime.CriteriaError{Property: cond.Property, Operator: string(cond.Operator), Message: "nil operand; use IsNull or IsNotNull"}
		}
		return fmt.Sprintf("%s %s %s", column, cond.Operator, w.params.Add(operand(meta, cond.Value))), nil

	case OpLike, OpNotLike:
		pattern, ok := cond.Value.(string)
		if !ok {
			return "", &runtime.CriteriaError{Property: cond.Property, Operator: string(cond.Operator), Message: fmt.Sprintf("requires a string pattern, got %T", cond.Value)}
		}
		return fmt.Sprintf("%s %s %s", column, cond.Operator, w.params.Add(pattern)), nil

	case OpIn, OpNotIn:
		values, ok := collection(cond.Value)
		if !ok {
			return "", &runtime.CriteriaError{Property: cond.Property, Operator: string(cond.Operator), Message: fmt.Sprintf("requires a collection operand, got %T", cond.Value)}
		}
		if len(values) == 0 {
			if cond.Operator == OpIn {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = w.params.Add(operand(meta, v))
		}
		return fmt.Sprintf("%s %s (%s)", column, cond.Operator, strings.Join(placeholders, ", ")), nil

	case OpIsNull, OpIsNotNull:
		if cond.Value != nil {
			return "", &runtime.CriteriaError{Property: cond.Property, Operator: string(cond.Operator), Message: "takes no operand"}
		}
		return fmt.Sprintf("%s %s", column, cond.Operator), nil

	default:
		return "", &runtime.CriteriaError{Property: cond.Property, Operator: string(cond.Operator), Message: "unknown operator"}
	}
}

// operand converts entity references compared with a foreign key column to the
// referenced identifier.
func operand(col *schema.ColumnMetadata, v any) any {
	fk := col.ForeignKey
	if fk == nil || fk.Target == nil || v == nil {
		return v
	}
	if fk.TargetType != nil && reflect.TypeOf(v) == reflect.PointerTo(fk.TargetType) {
		if ids, err := fk.Target.IDValues(v); err == nil && len(ids) == 1 {
			return ids[0]
		}
	}
	return v
}

// collection expands slices and arrays into values. Byte slices are scalar values.
func collection(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// Helper functions for building conditions

// Eq creates an equality condition.
func Eq(property string, value any) Condition {
	return Condition{Property: property, Operator: OpEqual, Value: value}
}

// NotEq creates a not-equal condition.
func NotEq(property string, value any) Condition {
	return Condition{Property: property, Operator: OpNotEqual, Value: value}
}

// Gt creates a greater-than condition.
func Gt(property string, value any) Condition {
	return Condition{Property: property, Operator: OpGreaterThan, Value: value}
}

// Gte creates a greater-than-or-equal condition.
func Gte(property string, value any) Condition {
	return Condition{Property: property, Operator: OpGreaterThanOrEqual, Value: value}
}

// Lt creates a less-than condition.
func Lt(property string, value any) Condition {
	return Condition{Property: property, Operator: OpLessThan, Value: value}
}

// Lte creates a less-than-or-equal condition.
func Lte(property string, value any) Condition {
	return Condition{Property: property, Operator: OpLessThanOrEqual, Value: value}
}

// In creates an IN condition. values must be a slice or an array.
func In(property string, values any) Condition {
	return Condition{Property: property, Operator: OpIn, Value: values}
}

// NotIn creates a NOT IN condition. values must be a slice or an array.
func NotIn(property string, values any) Condition {
	return Condition{Property: property, Operator: OpNotIn, Value: values}
}

// Like creates a LIKE condition.
func Like(property string, pattern string) Condition {
	return Condition{Property: property, Operator: OpLike, Value: pattern}
}

// NotLike creates a NOT LIKE condition.
func NotLike(property string, pattern string) Condition {
	return Condition{Property: property, Operator: OpNotLike, Value: pattern}
}

// IsNull creates an IS NULL condition.
func IsNull(property string) Condition {
	return Condition{Property: property, Operator: OpIsNull}
}

// IsNotNull creates an IS NOT NULL condition.
func IsNotNull(property string) Condition {
	return Condition{Property: property, Operator: OpIsNotNull}
}

// And combines conditions with AND.
func And(conditions ...Condition) Condition {
	return Condition{Group: conditions, Connector: LogicAnd}
}

// Or combines conditions with OR.
func Or(conditions ...Condition) Condition {
	return Condition{Group: conditions, Connector: LogicOr}
}

// Not negates a condition.
func Not(cond Condition) Condition {
	cond.Not = !cond.Not
	return cond
}
