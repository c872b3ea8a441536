package main

import (
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpattn/assetimport/internal/classification"
	"github.com/rpattn/assetimport/internal/config"
	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/repository"
)

func newSeedCommand(cfg *config.Config) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Load classification codes for a tenant from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := uuid.Parse(tenant)
			if err != nil {
				return errors.Wrap(err, "invalid --tenant")
			}
			ctx := cmd.Context()
			conn, err := db.NewConnection(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer conn.Close()

			registry := classification.NewRegistry(repository.NewPostgresStore(conn).Classifications())
			seeded, err := registry.LoadYAMLFile(ctx, tenantID, args[0])
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"tenant_id":       tenantID,
				"classifications": len(seeded),
				"codes":           registry.Codes(tenantID),
			}).Info("classifications seeded")
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id the classifications belong to")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
