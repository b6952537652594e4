package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/pkg/state"
)

var migrateValidate bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the state schema to the current version",
	Long: `Creates the state tables on first run, or upgrades an older schema in
place after backing every table up. With --validate no changes are made:
the command fails if a migration would be required.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateValidate, "validate", false, "Fail instead of migrating when the schema is outdated")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	db, err := openDB()
	if err != nil {
		return err
	}

	migrator := state.NewMigrator(db, logger)
	if err := migrator.Migrate(cmd.Context(), migrateValidate); err != nil {
		return err
	}
	fmt.Printf("state schema at version %d (%s)\n", state.SchemaVersion, migrator.State())
	return nil
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the state tables from the last migration backup",
	RunE:  runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	db, err := openDB()
	if err != nil {
		return err
	}

	if err := state.NewMigrator(db, logger).Rollback(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("state tables restored from backup")
	return nil
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Show the stored schema and library versions",
	RunE:  runVersions,
}

func runVersions(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	db, err := openDB()
	if err != nil {
		return err
	}

	versions, err := state.New(db, logger).GetVersions(cmd.Context())
	if err != nil {
		return err
	}

	printTable([]string{"Component", "Stored", "Current"}, [][]string{
		{"schema", fmt.Sprintf("%d", versions.SchemaVersion), fmt.Sprintf("%d", state.SchemaVersion)},
		{"core", versions.CoreVersion, state.CoreVersion},
	})
	return nil
}
