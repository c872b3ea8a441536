package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/assetimport/internal/config"
)

func newWorkerCommand(cfg *config.Config) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued import jobs from redis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfg, true)
			if err != nil {
				return err
			}
			defer a.close()

			g, gctx := errgroup.WithContext(ctx)
			runWorkers(gctx, g, a, workers)
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 1, "number of jobs processed concurrently")
	return cmd
}

// runWorkers requeues unfinished jobs and starts n job loops plus the registry refresher on g.
func runWorkers(ctx context.Context, g *errgroup.Group, a *app, n int) {
	if n < 1 {
		n = 1
	}
	g.Go(func() error {
		if err := a.service.Recover(ctx); err != nil {
			logrus.WithError(err).Warn("recover unfinished import jobs")
		}
		return nil
	})
	g.Go(func() error {
		a.refreshRegistry(ctx)
		return nil
	})
	for i := 0; i < n; i++ {
		g.Go(func() error {
			logrus.WithField("worker", i).Info("import worker started")
			return a.service.Run(ctx)
		})
	}
}
