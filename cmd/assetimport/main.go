package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rpattn/assetimport/internal/config"
	"github.com/rpattn/assetimport/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("assetimport failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		cfg        config.Config
	)

	root := &cobra.Command{
		Use:           "assetimport",
		Short:         "Bulk spreadsheet import of tenant assets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			return logging.Setup(cfg.Log.Level, cfg.Log.Format)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml and .env")

	root.AddCommand(
		newServeCommand(&cfg),
		newWorkerCommand(&cfg),
		newMigrateCommand(&cfg),
		newSeedCommand(&cfg),
	)
	return root
}
