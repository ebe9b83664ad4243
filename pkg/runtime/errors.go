// Package runtime provides the connection layer and error taxonomy of the engine.
package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrIllegalState is returned when an entity is used in a state that forbids the operation,
	// e.g. saving an entity that was deleted.
	ErrIllegalState = errors.New("illegal entity state")

	// ErrDuplicateKey is returned when a unique constraint is violated.
	ErrDuplicateKey = errors.New("duplicate key value")

	// ErrForeignKeyViolation is returned when a foreign key constraint is violated.
	ErrForeignKeyViolation = errors.New("foreign key violation")

	// ErrInvalidType is returned when a type conversion fails.
	ErrInvalidType = errors.New("invalid type")

	// ErrTransactionClosed is returned when operating on a closed transaction.
	ErrTransactionClosed = errors.New("transaction already closed")

	// ErrNoConnection is returned when no database connection is available.
	ErrNoConnection = errors.New("no database connection")

	// ErrUnsupportedDialect is returned when a dialect has no driver or is unknown.
	ErrUnsupportedDialect = errors.New("unsupported dialect")
)

// ModelError reports malformed entity metadata. It is raised while registering entity types,
// before any entity of the type is used.
type ModelError struct {
	Entity   string
	Property string
	Message  string
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("model error on %s: %s", e.Entity, e.Message)
	}
	return fmt.Sprintf("model error on %s.%s: %s", e.Entity, e.Property, e.Message)
}

// ModelAccessError reports an entity instance that cannot be handled at call time:
// a missing state slot, an unmanaged type or a missing client.
type ModelAccessError struct {
	Type    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ModelAccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model access error on %s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("model access error on %s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *ModelAccessError) Unwrap() error {
	return e.Err
}

// GraphError reports an entity graph that cannot be persisted. It is always raised
// before the first statement of the operation is issued.
type GraphError struct {
	Entity  string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("graph error on %s: %s: %v", e.Entity, e.Message, e.Err)
	}
	return fmt.Sprintf("graph error on %s: %s", e.Entity, e.Message)
}

// Unwrap returns the underlying error.
func (e *GraphError) Unwrap() error {
	return e.Err
}

// CriteriaError reports an invalid criteria expression, raised while building a statement.
type CriteriaError struct {
	Property string
	Operator string
	Message  string
}

// Error implements the error interface.
func (e *CriteriaError) Error() string {
	return fmt.Sprintf("criteria error on %s %s: %s", e.Property, e.Operator, e.Message)
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// QueryError represents a query execution error.
type QueryError struct {
	Query string
	Err   error
}

// Error implements the error interface.
func (e *QueryError) Error() string {
	return fmt.Sprintf("query error: %v\nQuery: %s", e.Err, e.Query)
}

// Unwrap returns the underlying error.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// PostgreSQL SQLSTATE codes for constraint violations.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry   = 1062
	mysqlForeignKeyParent = 1451
	mysqlForeignKeyChild  = 1452
)

// IsUniqueViolation reports whether err was caused by a unique constraint violation.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return containsAny(err.Error(), "UNIQUE constraint failed", "violates unique constraint", "Unique index or primary key violation")
}

// IsForeignKeyViolation reports whether err was caused by a foreign key constraint violation.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrForeignKeyViolation) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlForeignKeyParent || myErr.Number == mysqlForeignKeyChild
	}
	return containsAny(err.Error(), "FOREIGN KEY constraint failed", "violates foreign key constraint", "Referential integrity constraint violation")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
