package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marshallshelly/pebble-graph/cmd/pebble-graph/output"
	"github.com/marshallshelly/pebble-graph/pkg/migration"
	"github.com/marshallshelly/pebble-graph/pkg/orm"
	"github.com/marshallshelly/pebble-graph/pkg/registry"
)

var (
	// Migrate flags
	dryRun bool
	all    bool
	steps  int
	target string
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run the migrations of the migrations directory against the configured database.

Subcommands:
  up      - Apply pending migrations
  down    - Rollback migrations
  status  - Show migration status`,
}

// migrateUpCmd applies pending migrations
var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Long: `Apply pending migrations in version order.

Examples:
  pebble-graph migrate up --all              # Apply all pending migrations
  pebble-graph migrate up --steps 1          # Apply next migration
  pebble-graph migrate up --dry-run --all    # Preview migrations without applying`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrateUp(cmd.Context())
	},
}

// migrateDownCmd rolls back migrations
var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Rollback migrations",
	Long: `Rollback applied migrations, newest first.

Examples:
  pebble-graph migrate down --steps 1        # Rollback last migration
  pebble-graph migrate down --target VERSION # Rollback everything after VERSION
  pebble-graph migrate down --dry-run        # Preview rollback without executing`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrateDown(cmd.Context())
	},
}

// migrateStatusCmd shows migration status
var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long: `Show every migration with its status: applied, pending, or orphaned when the
database records a version whose files are missing.

Examples:
  pebble-graph migrate status
  pebble-graph migrate status --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrateStatus(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)

	migrateUpCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview migrations without applying")
	migrateUpCmd.Flags().BoolVar(&all, "all", false, "Apply all pending migrations")
	migrateUpCmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply")

	migrateDownCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview rollback without executing")
	migrateDownCmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to rollback")
	migrateDownCmd.Flags().StringVar(&target, "target", "", "Rollback every migration newer than this version")
}

// migrationStatus is one row of the status listing.
type migrationStatus struct {
	Version   string     `json:"version"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// migrator bundles what every migrate subcommand needs.
type migrator struct {
	client     *orm.Client
	executor   *migration.Executor
	migrations []migration.Migration
	applied    []migration.Record
}

func openMigrator(ctx context.Context) (*migrator, error) {
	client, err := open(ctx, registry.NewRegistry())
	if err != nil {
		return nil, err
	}
	m := &migrator{
		client:   client,
		executor: migration.NewExecutor(client.Database(), client.Dialect(), client.Logger()),
	}
	if err := m.load(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return m, nil
}

func (m *migrator) load(ctx context.Context) error {
	if err := m.executor.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	generator := migration.NewGenerator(cfg.Migrations.Dir, migration.NewPlanner(m.client.Dialect()))
	files, err := generator.List()
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	m.migrations = m.migrations[:0]
	for _, file := range files {
		mig, err := generator.Read(file)
		if err != nil {
			return fmt.Errorf("failed to read migration: %w", err)
		}
		m.migrations = append(m.migrations, *mig)
	}

	m.applied, err = m.executor.Applied(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	return nil
}

func (m *migrator) Close() error {
	return m.client.Close()
}

func (m *migrator) status() []migrationStatus {
	return statusOf(m.migrations, m.applied)
}

// statusOf merges the migration files with the applied records. Records without
// a file come last.
func statusOf(migrations []migration.Migration, applied []migration.Record) []migrationStatus {
	records := make(map[string]migration.Record, len(applied))
	for _, r := range applied {
		records[r.Version] = r
	}

	var out []migrationStatus
	known := make(map[string]bool, len(migrations))
	for _, mig := range migrations {
		known[mig.Version] = true
		row := migrationStatus{Version: mig.Version, Name: mig.Name, Status: "pending"}
		if r, ok := records[mig.Version]; ok {
			appliedAt := r.AppliedAt
			row.Status = "applied"
			row.AppliedAt = &appliedAt
		}
		out = append(out, row)
	}
	for _, r := range applied {
		if known[r.Version] {
			continue
		}
		appliedAt := r.AppliedAt
		out = append(out, migrationStatus{Version: r.Version, Name: r.Name, Status: "orphaned", AppliedAt: &appliedAt})
	}
	return out
}

// pending returns up to limit pending migrations in version order; limit <= 0
// means all of them.
func pending(migrations []migration.Migration, applied []migration.Record, limit int) []migration.Migration {
	done := make(map[string]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}
	var out []migration.Migration
	for _, mig := range migrations {
		if done[mig.Version] {
			continue
		}
		out = append(out, mig)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// rollbackPlan returns the applied migrations to revert, newest first: the last
// count ones, or every one newer than target when target is set.
func rollbackPlan(migrations []migration.Migration, applied []migration.Record, count int, target string) ([]migration.Migration, error) {
	byVersion := make(map[string]migration.Migration, len(migrations))
	for _, mig := range migrations {
		byVersion[mig.Version] = mig
	}

	var out []migration.Migration
	for i := len(applied) - 1; i >= 0; i-- {
		record := applied[i]
		if target != "" {
			if record.Version <= target {
				break
			}
		} else if len(out) == count {
			break
		}
		mig, ok := byVersion[record.Version]
		if !ok {
			return nil, fmt.Errorf("migration file not found for version %s", record.Version)
		}
		out = append(out, mig)
	}
	return out, nil
}

func runMigrateUp(ctx context.Context) error {
	if !all && steps <= 0 {
		return fmt.Errorf("must specify --all or --steps")
	}

	m, err := openMigrator(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if len(m.migrations) == 0 {
		output.Warning("No migrations found")
		return nil
	}

	limit := steps
	if all {
		limit = 0
	}
	toApply := pending(m.migrations, m.applied, limit)
	if len(toApply) == 0 {
		output.Info("No pending migrations")
		return nil
	}

	if dryRun {
		output.Section("DRY RUN - Preview")
		output.Info("The following migrations would be applied:")
		for _, mig := range toApply {
			fmt.Printf("  %s %s - %s\n", output.StatusIcon("pending"), mig.Version, mig.Name)
		}
		return nil
	}

	output.Section("Applying Migrations")
	for _, mig := range toApply {
		output.Info("Applying %s - %s...", mig.Version, mig.Name)
		if err := m.executor.Apply(ctx, mig); err != nil {
			output.Error("Failed to apply migration %s: %v", mig.Version, err)
			return fmt.Errorf("failed to apply migration %s: %w", mig.Version, err)
		}
		output.Success("Applied %s", mig.Version)
	}

	fmt.Println()
	output.Success("Successfully applied %d migration(s)", len(toApply))
	return nil
}

func runMigrateDown(ctx context.Context) error {
	m, err := openMigrator(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	if len(m.applied) == 0 {
		output.Info("No migrations to rollback")
		return nil
	}

	toRollback, err := rollbackPlan(m.migrations, m.applied, steps, target)
	if err != nil {
		return err
	}
	if len(toRollback) == 0 {
		output.Info("Nothing newer than %s is applied", target)
		return nil
	}

	if dryRun {
		output.Section("DRY RUN - Preview")
		output.Info("The following migrations would be rolled back:")
		for _, mig := range toRollback {
			fmt.Printf("  %s %s - %s\n", output.StatusIcon("applied"), mig.Version, mig.Name)
		}
		return nil
	}

	output.Section("Rolling Back Migrations")
	for _, mig := range toRollback {
		output.Warning("Rolling back %s - %s...", mig.Version, mig.Name)
		if err := m.executor.Rollback(ctx, mig); err != nil {
			output.Error("Failed to rollback migration %s: %v", mig.Version, err)
			return fmt.Errorf("failed to rollback migration %s: %w", mig.Version, err)
		}
		output.Success("Rolled back %s", mig.Version)
	}

	fmt.Println()
	output.Success("Successfully rolled back %d migration(s)", len(toRollback))
	return nil
}

func runMigrateStatus(ctx context.Context) error {
	m, err := openMigrator(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	status := m.status()
	if jsonOutput {
		return output.JSON(status)
	}
	if len(status) == 0 {
		output.Warning("No migrations found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	_, _ = fmt.Fprintln(w, "-------\t----\t------\t----------")

	counts := make(map[string]int)
	for _, row := range status {
		appliedAt := "N/A"
		if row.AppliedAt != nil {
			appliedAt = row.AppliedAt.Format("2006-01-02 15:04:05")
		}
		counts[row.Status]++
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\n", row.Version, row.Name, output.StatusIcon(row.Status), row.Status, appliedAt)
	}
	_ = w.Flush()

	fmt.Printf("\nSummary: %d applied, %d pending", counts["applied"], counts["pending"])
	if counts["orphaned"] > 0 {
		fmt.Printf(", %d orphaned", counts["orphaned"])
	}
	fmt.Println()
	return nil
}
