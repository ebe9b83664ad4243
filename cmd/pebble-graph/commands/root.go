package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marshallshelly/pebble-graph/pkg/config"
	"github.com/marshallshelly/pebble-graph/pkg/loader"
	"github.com/marshallshelly/pebble-graph/pkg/orm"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
)

var (
	// Global flags
	configPath    string
	modelsPath    string
	dialectName   string
	migrationsDir string
	verbose       bool
	jsonOutput    bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "pebble-graph",
	Short: "Pebble Graph - entity graph persistence for Go",
	Long: `Pebble Graph persists whole entity graphs: one save call inserts, updates,
links and unlinks everything reachable from the given entities, in dependency order.

The CLI works on entity declarations (YAML files or Go sources with po tags):
  - Render the DDL of the declared entities for H2, MySQL, PostgreSQL or SQLite
  - Create the schema in the configured database
  - Generate and run versioned migrations
  - Browse entities and their tables interactively`,
	Version:       "0.4.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: environment variables only)")
	rootCmd.PersistentFlags().StringVarP(&modelsPath, "models", "m", "", "Entity declarations: a .yaml/.go file or a directory")
	rootCmd.PersistentFlags().StringVarP(&dialectName, "dialect", "d", "", "Dialect override (h2, mysql, postgres, sqlite)")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "Directory for migration files (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

// loadConfig reads the config file, or the environment, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadEnv()
	}
	if err != nil {
		return nil, err
	}

	if dialectName != "" {
		cfg.Database.Dialect = dialectName
	}
	if migrationsDir != "" {
		cfg.Migrations.Dir = migrationsDir
	}
	if verbose {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}
	return cfg, cfg.Validate()
}

// loadModels registers the declarations found at --models in a fresh registry.
func loadModels() (*registry.Registry, error) {
	if modelsPath == "" {
		return nil, fmt.Errorf("--models flag is required")
	}
	reg := registry.NewRegistry()
	if _, err := loader.LoadModelsFromPath(modelsPath, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// connect loads the configuration and the declarations and opens a client.
func connect(ctx context.Context) (*orm.Client, error) {
	reg, err := loadModels()
	if err != nil {
		return nil, err
	}
	return open(ctx, reg)
}

// open connects to the configured database with reg as the entity registry.
func open(ctx context.Context, reg *registry.Registry) (*orm.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return orm.Open(ctx, cfg, orm.WithRegistry(reg))
}
