// Package builder renders criteria queries and write statements for a dialect, and
// materializes rows into entity graphs.
package builder

// Statement is a rendered SQL statement with its bound arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Condition represents a criteria expression node. Leaves compare a property with a
// value; groups combine children with a connector.
type Condition struct {
	Property  string
	Operator  Operator
	Value     any
	Not       bool
	Group     []Condition
	Connector LogicOperator
}

// IsGroup reports whether the condition combines other conditions.
func (c Condition) IsGroup() bool {
	return c.Connector != ""
}

// OrderBy represents an ORDER BY clause.
type OrderBy struct {
	Property  string
	Direction OrderDirection
}

// Operator represents a comparison operator.
type Operator string

const (
	// OpEqual represents the = operator.
	OpEqual Operator = "="
	// OpNotEqual represents the <> operator.
	OpNotEqual Operator = "<>"
	// OpGreaterThan represents the > operator.
	OpGreaterThan Operator = ">"
	// OpGreaterThanOrEqual represents the >= operator.
	OpGreaterThanOrEqual Operator = ">="
	// OpLessThan represents the < operator.
	OpLessThan Operator = "<"
	// OpLessThanOrEqual represents the <= operator.
	OpLessThanOrEqual Operator = "<="
	// OpIn represents the IN operator.
	OpIn Operator = "IN"
	// OpNotIn represents the NOT IN operator.
	OpNotIn Operator = "NOT IN"
	// OpLike represents the LIKE operator.
	OpLike Operator = "LIKE"
	// OpNotLike represents the NOT LIKE operator.
	OpNotLike Operator = "NOT LIKE"
	// OpIsNull represents the IS NULL operator.
	OpIsNull Operator = "IS NULL"
	// OpIsNotNull represents the IS NOT NULL operator.
	OpIsNotNull Operator = "IS NOT NULL"
)

// LogicOperator represents a logical operator (AND/OR).
type LogicOperator string

const (
	// LogicAnd represents the AND operator.
	LogicAnd LogicOperator = "AND"
	// LogicOr represents the OR operator.
	LogicOr LogicOperator = "OR"
)

// OrderDirection represents the sort direction.
type OrderDirection string

const (
	// Asc represents ascending order.
	Asc OrderDirection = "ASC"
	// Desc represents descending order.
	Desc OrderDirection = "DESC"
)
