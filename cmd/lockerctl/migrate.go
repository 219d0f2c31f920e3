package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lockerctl/lockerctl/internal/infrastructure/migrations"
)

// newMigrateCommand wraps the schema-migration toolchain (goose-backed,
// with pre-migration backup and post-migration health checks) as a
// lockerctl subcommand.
func newMigrateCommand() *cobra.Command {
	migrationConfig, err := migrations.LoadConfig()
	if err != nil {
		return failingCommand("migrate", fmt.Errorf("load migration config: %w", err))
	}

	backupConfig, err := migrations.LoadBackupConfig()
	if err != nil {
		return failingCommand("migrate", fmt.Errorf("load backup config: %w", err))
	}

	healthConfig, err := migrations.LoadHealthConfig()
	if err != nil {
		return failingCommand("migrate", fmt.Errorf("load health config: %w", err))
	}

	manager, err := migrations.NewMigrationManager(migrationConfig)
	if err != nil {
		return failingCommand("migrate", fmt.Errorf("create migration manager: %w", err))
	}

	backupManager := migrations.NewBackupManager(backupConfig, nil, migrationConfig.Logger)
	healthChecker := migrations.NewHealthChecker(nil, healthConfig, migrationConfig.Logger)

	cli := migrations.NewCLI(manager, backupManager, healthChecker, migrationConfig.Logger)
	return cli.GetRootCommand()
}

// failingCommand returns a placeholder command that reports a construction
// error on use, instead of failing lockerctl's entire command tree when the
// migration toolchain's environment-derived config can't be loaded.
func failingCommand(use string, cause error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("unavailable: %v", cause),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cause
		},
	}
}
