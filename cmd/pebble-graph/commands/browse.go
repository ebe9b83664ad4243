package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/marshallshelly/pebble-graph/cmd/pebble-graph/tui"
	"github.com/marshallshelly/pebble-graph/pkg/migration"
	"github.com/marshallshelly/pebble-graph/pkg/orm"
)

var offline bool

// browseCmd opens the interactive schema browser
var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse the declared tables interactively",
	Long: `Open a terminal UI listing the tables of the declared entities. Select a table
to read its DDL; press "a" to create the schema in the configured database.

Examples:
  pebble-graph browse --models ./models --config pebble.yaml
  pebble-graph browse --models library.yaml --dialect h2 --offline`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBrowse(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(browseCmd)

	browseCmd.Flags().BoolVar(&offline, "offline", false, "Do not connect; browse the DDL only")
}

func runBrowse(ctx context.Context) error {
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

	var apply tui.ApplyFunc
	if !offline {
		client, err := orm.Open(ctx, cfg, orm.WithRegistry(reg))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		apply = func(ctx context.Context) error {
			return client.CreateSchema(ctx)
		}
	}

	return tui.RunBrowser(migration.BuildSchema(reg.All()), migration.NewPlanner(d), apply)
}
