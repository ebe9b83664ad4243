package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marshallshelly/pebble-graph/cmd/pebble-graph/output"
	"github.com/marshallshelly/pebble-graph/pkg/migration"
)

var (
	// Generate flags
	migrationName string
	empty         bool
)

// generateCmd generates migration files
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate migration files",
	Long: `Generate a timestamped up/down migration pair.

The up script creates every table of the declared entities and the down script
drops them, rendered for the configured dialect.

Examples:
  pebble-graph generate --name init --models ./models
  pebble-graph generate --name backfill --empty   # Empty scripts for manual editing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate()
	},
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&migrationName, "name", "n", "", "Migration name (required)")
	generateCmd.Flags().BoolVar(&empty, "empty", false, "Generate empty migration for manual editing")
	_ = generateCmd.MarkFlagRequired("name")
}

func runGenerate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := cfg.Database.LookupDialect()
	if err != nil {
		return err
	}
	generator := migration.NewGenerator(cfg.Migrations.Dir, migration.NewPlanner(d))

	var file *migration.File
	if empty {
		file, err = generator.GenerateEmpty(migrationName)
		if err != nil {
			return fmt.Errorf("failed to generate empty migration: %w", err)
		}
	} else {
		reg, err := loadModels()
		if err != nil {
			return err
		}
		s := migration.BuildSchema(reg.All())
		if len(s.Tables) == 0 {
			output.Warning("No entities declared in %s", modelsPath)
			return nil
		}

		output.Section("Tables")
		for _, t := range s.Tables {
			fmt.Printf("    + %s\n", t.Name)
		}
		fmt.Println()

		file, err = generator.Generate(migrationName, s)
		if err != nil {
			return fmt.Errorf("failed to generate migration: %w", err)
		}
	}

	output.Success("Created migration: %s", file.Version)
	output.Muted("  Up:   %s", file.UpPath)
	output.Muted("  Down: %s", file.DownPath)
	fmt.Println()
	if empty {
		output.Info("Edit the SQL files manually to add your migration logic.")
	} else {
		output.Info("Review the generated SQL files before applying the migration.")
	}
	return nil
}
