package main

import (
	"github.com/spf13/cobra"

	"github.com/rpattn/assetimport/internal/config"
	"github.com/rpattn/assetimport/internal/db"
)

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(*cobra.Command, []string) error {
			return db.RunMigrations(cfg.Database)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		RunE: func(*cobra.Command, []string) error {
			return db.RollbackMigrations(cfg.Database, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")
	cmd.AddCommand(down)
	return cmd
}
