package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
	"github.com/kb-dk/Yggdrasil-sub000/internal/progress"
	"github.com/kb-dk/Yggdrasil-sub000/internal/remote"
	"github.com/kb-dk/Yggdrasil-sub000/internal/storage"
	"github.com/kb-dk/Yggdrasil-sub000/internal/store"
)

// openStore opens the configured durable store behind a circuit breaker.
func openStore(ctx context.Context, cfg *config.Config) (*store.CircuitBreakerStore, error) {
	var real store.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Store.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		slog.Info("Store: connected to PostgreSQL",
			"host", cfg.Store.Database.Host, "port", cfg.Store.Database.Port, "database", cfg.Store.Database.Database)
		real = pg
	default:
		b, err := store.OpenBadger(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("Store: opened badger", "path", cfg.Store.Path)
		real = b
	}
	return store.NewCircuitBreakerStore(real, cfg.Store.CircuitBreaker), nil
}

// newStorageClient builds every configured pillar and the client over them.
func newStorageClient(cfg *config.Config) (*storage.Client, error) {
	pillars := make(map[string]storage.Pillar, len(cfg.Pillars))
	for _, pcfg := range cfg.Pillars {
		p, err := storage.NewPillar(pcfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize pillar %s: %w", pcfg.Name, err)
		}
		pillars[pcfg.Name] = p
		slog.Info("Storage: pillar configured",
			"pillar", pcfg.Name, "type", pcfg.Type, "endpoint", pcfg.Endpoint, "bucket", pcfg.Bucket)
	}
	return storage.NewClient(pillars, cfg.Collections, cfg.Storage)
}

// newReporter builds the lifecycle reporter. Without a notifier URL updates
// are only logged.
func newReporter(cfg *config.Config, s store.Store) *progress.Reporter {
	var n progress.Notifier
	if cfg.Notifier.URL != "" {
		n = remote.NewNotifier(cfg.Notifier)
	} else {
		slog.Warn("Notifier: no URL configured, lifecycle updates are only logged")
	}
	return progress.NewReporter(n, s)
}
