package cli

import (
	"github.com/spf13/cobra"

	"core.ktrdr.dev/common"
	"core.ktrdr.dev/config"
	"core.ktrdr.dev/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func init() {
	RootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadCoordinator(cfgFile)
	if err != nil {
		return err
	}
	applyLogging(cfg)

	pg, err := db.NewPostgresDB(cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := db.CreateTables(cmd.Context(), pg); err != nil {
		return err
	}

	// Opening the worker store runs its own migration.
	workers, err := db.NewWorkerStore(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer workers.Close()

	common.Logger.Info("schema up to date")
	return nil
}
