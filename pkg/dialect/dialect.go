// Package dialect holds the per-database strategies used for type mapping, DDL and
// statement rendering.
package dialect

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/marshallshelly/pebble-graph/pkg/runtime"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// Dialect abstracts database-specific SQL generation and behavior.
type Dialect interface {
	// Name returns the canonical dialect name, e.g. "postgres".
	Name() string

	// DriverName returns the database/sql driver name, or "" when no Go driver is available.
	DriverName() string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// QuoteIdentifier quotes a table or column name.
	QuoteIdentifier(name string) string

	// ColumnType maps column metadata to the DDL type. key is set for columns that
	// take part in a primary key, foreign key or index.
	ColumnType(col *schema.ColumnMetadata, key bool) string

	// AutoIncrementClause returns the clause declaring a database-generated key.
	AutoIncrementClause(col *schema.ColumnMetadata) string

	// AutoIncrementIsPrimaryKey reports whether the auto-increment clause already
	// declares the primary key.
	AutoIncrementIsPrimaryKey() bool

	// SupportsReturning reports whether INSERT ... RETURNING yields generated keys.
	SupportsReturning() bool

	// SupportsIndexInTableDefinition reports whether CREATE TABLE accepts INDEX clauses.
	SupportsIndexInTableDefinition() bool

	// SupportsIfNotExists reports whether CREATE TABLE/INDEX accept IF NOT EXISTS.
	SupportsIfNotExists() bool

	// InlineForeignKeys reports whether foreign keys must be declared in CREATE TABLE.
	InlineForeignKeys() bool
}

var (
	mu       sync.RWMutex
	dialects = map[string]Dialect{}
	aliases  = map[string]string{
		"postgresql": "postgres",
		"pgx":        "postgres",
		"mariadb":    "mysql",
		"sqlite3":    "sqlite",
	}
)

// Register adds a dialect under its name. Dialects register themselves in init.
func Register(d Dialect) {
	mu.Lock()
	defer mu.Unlock()
	dialects[d.Name()] = d
}

// Get returns the dialect registered under name or one of its aliases.
func Get(name string) (Dialect, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	mu.RLock()
	d, ok := dialects[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", runtime.ErrUnsupportedDialect, name)
	}
	return d, nil
}

// Names returns the registered dialect names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ParamBuilder accumulates query parameters and generates dialect-specific placeholders.
type ParamBuilder struct {
	d      Dialect
	params []any
}

// NewParamBuilder creates a ParamBuilder for d.
func NewParamBuilder(d Dialect) *ParamBuilder {
	return &ParamBuilder{d: d}
}

// Add appends a value and returns its placeholder.
func (p *ParamBuilder) Add(v any) string {
	p.params = append(p.params, v)
	return p.d.Placeholder(len(p.params))
}

// Params returns all accumulated parameter values.
func (p *ParamBuilder) Params() []any { return p.params }

// Count returns the number of parameters added so far.
func (p *ParamBuilder) Count() int { return len(p.params) }

// QuoteAll quotes every name and joins them with ", ".
func QuoteAll(d Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = d.QuoteIdentifier(name)
	}
	return strings.Join(quoted, ", ")
}

func quoteWith(name, quote string) string {
	return quote + strings.ReplaceAll(name, quote, quote+quote) + quote
}

func decimalType(name string, col *schema.ColumnMetadata) string {
	switch {
	case col.Precision > 0 && col.Scale > 0:
		return fmt.Sprintf("%s(%d,%d)", name, col.Precision, col.Scale)
	case col.Precision > 0:
		return fmt.Sprintf("%s(%d)", name, col.Precision)
	}
	return name
}

func explicitType(col *schema.ColumnMetadata) string {
	return strings.ToUpper(col.SQLType)
}
