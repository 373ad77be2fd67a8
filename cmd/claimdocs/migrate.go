package main

import (
	"github.com/spf13/cobra"

	"github.com/noah-isme/claimdocs-api/pkg/database"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logr, err := bootstrap()
			if err != nil {
				return err
			}
			defer logr.Sync() //nolint:errcheck

			db, err := database.NewPostgres(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			return database.Migrate(cmd.Context(), db, direction)
		},
	}
}
