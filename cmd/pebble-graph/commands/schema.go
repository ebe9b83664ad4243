package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/marshallshelly/pebble-graph/cmd/pebble-graph/output"
	"github.com/marshallshelly/pebble-graph/pkg/migration"
)

var (
	// Schema flags
	schemaOutput string
	schemaDrop   bool
	noIfExists   bool
)

// schemaCmd renders DDL without touching a database
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Render the DDL of the declared entities",
	Long: `Render the CREATE (or DROP) statements of the declared entities for a dialect.

No database connection is made; the dialect comes from --dialect or the config.

Examples:
  pebble-graph schema --models ./models --dialect mysql
  pebble-graph schema --models library.yaml --dialect h2 -o schema.sql
  pebble-graph schema --models ./models --drop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchema()
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)

	schemaCmd.Flags().StringVarP(&schemaOutput, "output", "o", "", "Write the script to a file instead of stdout")
	schemaCmd.Flags().BoolVar(&schemaDrop, "drop", false, "Render DROP statements instead of CREATE")
	schemaCmd.Flags().BoolVar(&noIfExists, "no-if-exists", false, "Omit IF [NOT] EXISTS guards")
}

type tableSummary struct {
	Name        string   `json:"name"`
	Entity      string   `json:"entity,omitempty"`
	Columns     []string `json:"columns"`
	PrimaryKey  []string `json:"primary_key"`
	ForeignKeys []string `json:"foreign_keys,omitempty"`
}

func runSchema() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := cfg.Database.LookupDialect()
	if err != nil {
		return err
	}
	reg, err := loadModels()
	if err != nil {
		return err
	}

	s := migration.BuildSchema(reg.All())
	planner := migration.NewPlannerWithOptions(d, migration.PlannerOptions{IfNotExists: !noIfExists})

	if jsonOutput {
		return output.JSON(summarize(s))
	}

	statements := planner.CreateStatements(s)
	if schemaDrop {
		statements = planner.DropStatements(s)
	}

	if schemaOutput == "" {
		output.SQL(os.Stdout, statements, !isTerminal())
		return nil
	}

	header := fmt.Sprintf("-- Dialect: %s\n-- Entities: %s\n\n", d.Name(), strings.Join(reg.AllNames(), ", "))
	if err := os.WriteFile(schemaOutput, []byte(header+migration.Script(statements)), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", schemaOutput, err)
	}
	output.Success("Wrote %d statement(s) for %d table(s) to %s", len(statements), len(s.Tables), schemaOutput)
	return nil
}

func summarize(s *migration.Schema) []tableSummary {
	tables := make([]tableSummary, 0, len(s.Tables))
	for _, t := range s.Tables {
		summary := tableSummary{Name: t.Name, Entity: t.Entity, PrimaryKey: t.PrimaryKey}
		for _, col := range t.Columns {
			summary.Columns = append(summary.Columns, col.Name)
		}
		for _, fk := range t.ForeignKeys {
			summary.ForeignKeys = append(summary.ForeignKeys, fmt.Sprintf("%s -> %s(%s)", fk.Column, fk.RefTable, fk.RefColumn))
		}
		tables = append(tables, summary)
	}
	return tables
}

func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
