package main

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rpattn/assetimport/internal/classification"
	"github.com/rpattn/assetimport/internal/config"
	"github.com/rpattn/assetimport/internal/db"
	"github.com/rpattn/assetimport/internal/ingestion"
	"github.com/rpattn/assetimport/internal/queue"
	"github.com/rpattn/assetimport/internal/repository"
	"github.com/rpattn/assetimport/internal/spreadsheet"
)

const registryRefreshInterval = time.Minute

// app holds the wired services shared by the serve and worker commands.
type app struct {
	conn     *db.Connection
	store    repository.Store
	registry *classification.Registry
	queue    queue.Queue
	service  *ingestion.Service
	redis    *redis.Client
}

func newApp(ctx context.Context, cfg config.Config, requireSharedQueue bool) (*app, error) {
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{conn: conn, store: repository.NewPostgresStore(conn)}

	a.registry = classification.NewRegistry(a.store.Classifications())
	if err := a.registry.Refresh(ctx); err != nil {
		a.close()
		return nil, errors.Wrap(err, "load classifications")
	}

	switch {
	case cfg.Redis.Addr != "":
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, errors.Wrap(err, "connect to redis")
		}
		a.queue = queue.NewRedisQueue(a.redis, cfg.Redis.QueueName)
	case requireSharedQueue:
		a.close()
		return nil, errors.New("a standalone worker needs redis.addr to share the job queue")
	default:
		logrus.Warn("redis.addr not set, using an in-process job queue")
		a.queue = queue.NewMemoryQueue()
	}

	parser := spreadsheet.NewParser(spreadsheet.Config{MaxRows: cfg.Import.MaxRows, SampleRows: cfg.Import.SampleRows})
	a.service = ingestion.NewService(a.store, a.queue, parser, a.registry,
		ingestion.WithMaxUploadBytes(cfg.Import.MaxUploadBytes),
		ingestion.WithConcurrency(cfg.Import.Concurrency),
		ingestion.WithProgressEvery(cfg.Import.ProgressEvery),
		ingestion.WithProgressInterval(cfg.Import.ProgressInterval),
		ingestion.WithSubmitRetry(cfg.Import.SubmitMaxAttempts, cfg.Import.SubmitInitialBackoff),
		ingestion.WithJobTimeout(cfg.Import.JobTimeout),
	)
	return a, nil
}

// refreshRegistry reloads classifications periodically so codes seeded by
// another process become visible.
func (a *app) refreshRegistry(ctx context.Context) {
	ticker := time.NewTicker(registryRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registry.Refresh(ctx); err != nil {
				logrus.WithError(err).Warn("refresh classifications")
			}
		}
	}
}

func (a *app) close() {
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
}
