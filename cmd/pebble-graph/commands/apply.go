package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marshallshelly/pebble-graph/cmd/pebble-graph/output"
	"github.com/marshallshelly/pebble-graph/pkg/migration"
)

var applyDryRun bool

// applyCmd creates the schema in the configured database
var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create the tables of the declared entities",
	Long: `Create the tables, indexes and foreign keys of the declared entities in the
configured database, in one transaction. Existing tables are left untouched.

Examples:
  pebble-graph apply --config pebble.yaml --models ./models
  PEBBLE_DIALECT=sqlite PEBBLE_DB_NAME=app.db pebble-graph apply -m library.yaml
  pebble-graph apply -c pebble.yaml -m ./models --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApply(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Print the statements without executing them")
}

func runApply(ctx context.Context) error {
	if applyDryRun {
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
		output.Section("DRY RUN - Preview")
		output.SQL(os.Stdout, migration.NewPlanner(d).CreateStatements(migration.BuildSchema(reg.All())), false)
		return nil
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	names := client.Registry().AllNames()
	output.Info("Creating schema for %d entities on %s", len(names), client.Dialect().Name())
	if err := client.CreateSchema(ctx); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	for _, name := range names {
		output.Muted("  %s", name)
	}
	output.Success("Schema created")
	return nil
}
