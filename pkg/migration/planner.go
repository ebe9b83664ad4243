package migration

import (
	"fmt"
	"slices"
	"strings"

	"github.com/marshallshelly/pebble-graph/pkg/dialect"
	"github.com/marshallshelly/pebble-graph/pkg/schema"
)

// PlannerOptions configures DDL generation.
type PlannerOptions struct {
	// IfNotExists adds IF NOT EXISTS to CREATE TABLE and CREATE INDEX statements
	// when the dialect supports it. Default: true.
	IfNotExists bool
}

// Planner renders the DDL of a schema for one dialect.
type Planner struct {
	dialect dialect.Dialect
	options PlannerOptions
}

// NewPlanner creates a planner for d with default options.
func NewPlanner(d dialect.Dialect) *Planner {
	return &Planner{
		dialect: d,
		options: PlannerOptions{IfNotExists: true},
	}
}

// NewPlannerWithOptions creates a planner for d with custom options.
func NewPlannerWithOptions(d dialect.Dialect, opts PlannerOptions) *Planner {
	return &Planner{dialect: d, options: opts}
}

// Dialect returns the dialect statements are rendered for.
func (p *Planner) Dialect() dialect.Dialect { return p.dialect }

// CreateStatements returns the statements creating s: every table with its
// indexes, then the foreign-key constraints so that tables may reference each
// other in any order. Dialects that only accept foreign keys in CREATE TABLE get
// them inline.
func (p *Planner) CreateStatements(s *Schema) []string {
	var statements, constraints []string
	for _, t := range s.Tables {
		statements = append(statements, p.createTable(t))
		if !p.dialect.SupportsIndexInTableDefinition() {
			for _, idx := range t.Indexes {
				statements = append(statements, p.createIndex(t, idx))
			}
		}
		if !p.dialect.InlineForeignKeys() {
			for _, fk := range t.ForeignKeys {
				constraints = append(constraints, fmt.Sprintf("ALTER TABLE %s ADD %s",
					p.quote(t.Name), p.foreignKeyDefinition(fk)))
			}
		}
	}
	return append(statements, constraints...)
}

// DropStatements returns the statements dropping s: foreign-key constraints
// first, then the tables in reverse order.
func (p *Planner) DropStatements(s *Schema) []string {
	var statements []string
	if !p.dialect.InlineForeignKeys() {
		for _, t := range s.Tables {
			for _, fk := range t.ForeignKeys {
				statements = append(statements, p.dropForeignKey(t, fk))
			}
		}
	}
	for i := len(s.Tables) - 1; i >= 0; i-- {
		clause := "DROP TABLE "
		if p.ifNotExists() {
			clause += "IF EXISTS "
		}
		statements = append(statements, clause+p.quote(s.Tables[i].Name))
	}
	return statements
}

// Script joins statements into a SQL script.
func Script(statements []string) string {
	if len(statements) == 0 {
		return ""
	}
	return strings.Join(statements, ";\n\n") + ";\n"
}

func (p *Planner) ifNotExists() bool {
	return p.options.IfNotExists && p.dialect.SupportsIfNotExists()
}

func (p *Planner) quote(name string) string {
	return p.dialect.QuoteIdentifier(name)
}

func (p *Planner) createTable(t *Table) string {
	var parts []string
	inlineKey := false
	for _, col := range t.Columns {
		def, declaresKey := p.columnDefinition(t, col)
		inlineKey = inlineKey || declaresKey
		parts = append(parts, "    "+def)
	}

	if len(t.PrimaryKey) > 0 && !inlineKey {
		parts = append(parts, fmt.Sprintf("    PRIMARY KEY (%s)", dialect.QuoteAll(p.dialect, t.PrimaryKey)))
	}

	if p.dialect.SupportsIndexInTableDefinition() {
		for _, idx := range t.Indexes {
			kind := "INDEX"
			if idx.Unique {
				kind = "UNIQUE INDEX"
			}
			parts = append(parts, fmt.Sprintf("    %s %s (%s)", kind, p.quote(idx.Name), dialect.QuoteAll(p.dialect, idx.Columns)))
		}
	}

	if p.dialect.InlineForeignKeys() {
		for _, fk := range t.ForeignKeys {
			parts = append(parts, "    "+p.foreignKeyDefinition(fk))
		}
	}

	clause := "CREATE TABLE "
	if p.ifNotExists() {
		clause += "IF NOT EXISTS "
	}
	return fmt.Sprintf("%s%s (\n%s\n)", clause, p.quote(t.Name), strings.Join(parts, ",\n"))
}

// columnDefinition renders one column. It reports whether the definition
// already declares the primary key.
func (p *Planner) columnDefinition(t *Table, col *schema.ColumnMetadata) (string, bool) {
	parts := []string{p.quote(col.Name), p.dialect.ColumnType(col, t.IsKeyColumn(col.Name))}

	if col.Generated == schema.GeneratedByDatabase {
		parts = append(parts, p.dialect.AutoIncrementClause(col))
		if p.dialect.AutoIncrementIsPrimaryKey() {
			return strings.Join(parts, " "), true
		}
	}

	if !col.Nullable || slices.Contains(t.PrimaryKey, col.Name) {
		parts = append(parts, "NOT NULL")
	}
	if col.Default != nil {
		parts = append(parts, "DEFAULT", *col.Default)
	}
	if col.Unique && !slices.Contains(t.PrimaryKey, col.Name) {
		parts = append(parts, "UNIQUE")
	}
	return strings.Join(parts, " "), false
}

func (p *Planner) foreignKeyDefinition(fk ForeignKey) string {
	def := fmt.Sprintf("CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		p.quote(fk.Name), p.quote(fk.Column), p.quote(fk.RefTable), p.quote(fk.RefColumn))
	if fk.SetNull {
		def += " ON DELETE SET NULL"
	}
	return def
}

func (p *Planner) dropForeignKey(t *Table, fk ForeignKey) string {
	if p.dialect.Name() == "mysql" {
		return fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", p.quote(t.Name), p.quote(fk.Name))
	}
	clause := "DROP CONSTRAINT "
	if p.ifNotExists() {
		clause += "IF EXISTS "
	}
	return fmt.Sprintf("ALTER TABLE %s %s%s", p.quote(t.Name), clause, p.quote(fk.Name))
}

func (p *Planner) createIndex(t *Table, idx schema.IndexMetadata) string {
	clause := "CREATE INDEX "
	if idx.Unique {
		clause = "CREATE UNIQUE INDEX "
	}
	if p.ifNotExists() {
		clause += "IF NOT EXISTS "
	}
	return fmt.Sprintf("%s%s ON %s (%s)", clause, p.quote(idx.Name), p.quote(t.Name), dialect.QuoteAll(p.dialect, idx.Columns))
}
