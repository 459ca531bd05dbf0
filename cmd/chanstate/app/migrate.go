package app

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/spf13/cobra"

	"github.com/stacklok/chanstate/database"
	"github.com/stacklok/chanstate/internal/config"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tool",
		Long:  `Database migration tool for managing the postgres schema. Use with 'up' or 'down' subcommands.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Usage()
		},
	}
	cmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	cmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")
	cmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")
	if err := cmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending database migrations",
		Long: `Apply pending migrations to bring the schema up to date. The connection
parameters are read from storage.database of the config file.`,
		RunE: runMigrateUp,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Migrate the database down",
		Long: `Migrate the database schema down by reverting migrations.
WARNING: This operation can result in data loss. Use with caution.

Examples:
  # Migrate down by 1 step
  chanstate migrate down --config config.yaml --num-steps 1 --yes

  # Migrate down all the way (WARNING: destroys all data)
  chanstate migrate down --config config.yaml --yes`,
		RunE: runMigrateDown,
	})
	return cmd
}

// migrationTarget loads the config and returns the postgres connection string
// with the migration flags.
func migrationTarget(cmd *cobra.Command) (db *config.DatabaseConfig, connString string, steps uint, yes bool, err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, "", 0, false, err
	}
	if cfg.Storage.Type != config.StorageTypePostgres || cfg.Storage.Database == nil {
		return nil, "", 0, false, fmt.Errorf("migrations require postgres storage, got %q", cfg.Storage.Type)
	}

	connString, err = cfg.Storage.Database.GetConnectionString()
	if err != nil {
		return nil, "", 0, false, fmt.Errorf("failed to build connection string: %w", err)
	}
	if steps, err = cmd.Flags().GetUint("num-steps"); err != nil {
		return nil, "", 0, false, fmt.Errorf("failed to get num-steps flag: %w", err)
	}
	if steps > math.MaxInt32 {
		return nil, "", 0, false, fmt.Errorf("number of steps exceeds maximum allowed value")
	}
	if yes, err = cmd.Flags().GetBool("yes"); err != nil {
		return nil, "", 0, false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	return cfg.Storage.Database, connString, steps, yes, nil
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	db, connString, steps, yes, err := migrationTarget(cmd)
	if err != nil {
		return err
	}

	if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
		fmt.Sprintf("About to apply migrations to database %s. Continue?", db.Redacted())) {
		slog.Info("Migration cancelled by user")
		return nil
	}

	slog.Info("Applying database migrations", "database", db.Redacted(), "steps", steps)
	if err := database.MigrateUp(connString, steps); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	displayMigrationVersion(connString)
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	db, connString, steps, yes, err := migrationTarget(cmd)
	if err != nil {
		return err
	}

	if !yes {
		prompt := fmt.Sprintf("WARNING: This will migrate down %d step(s) of %s and may result in data loss. Continue?", steps, db.Redacted())
		if steps == 0 {
			prompt = fmt.Sprintf("WARNING: This will migrate down ALL steps of %s and may result in complete data loss. Continue?", db.Redacted())
		}
		if !confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt) {
			slog.Info("Migration cancelled")
			return fmt.Errorf("migration cancelled by user")
		}
	}

	if steps == 0 {
		slog.Warn("Migrating down all steps - this will remove all schema!")
	}
	if err := database.MigrateDown(connString, steps); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	displayMigrationVersion(connString)
	return nil
}

func displayMigrationVersion(connString string) {
	version, dirty, err := database.GetVersion(connString)
	switch {
	case err != nil:
		slog.Warn("Unable to get migration version", "error", err)
	case dirty:
		slog.Warn("Database is in a dirty state, manual intervention may be required", "version", version)
	case version == 0:
		slog.Info("Database schema is empty")
	default:
		slog.Info("Migrations applied successfully", "version", version)
	}
}
