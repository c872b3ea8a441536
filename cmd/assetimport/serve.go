package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rpattn/assetimport/internal/config"
	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/ingestion"
	"github.com/rpattn/assetimport/internal/middleware"
)

func newServeCommand(cfg *config.Config) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the import API, running jobs in-process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if migrate {
				if err := db.RunMigrations(cfg.Database); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations before serving")
	return cmd
}

func newRouter(cfg config.Config, service *ingestion.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.LoggingMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/imports", ingestion.NewHTTPHandler(service))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Disposition", middleware.RequestIDHeader},
	})
	return corsHandler.Handler(r)
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(cfg, a.service),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", cfg.Server.Addr).Info("starting import API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("shutting down import API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Server.Workers > 0 {
		runWorkers(gctx, g, a, cfg.Server.Workers)
	}
	return g.Wait()
}
