// Package main provides medsafectl, the operator CLI for the medication
// safety engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/config"
	"github.com/drfirst/go-medsafe/internal/domain/knowledge"
	"github.com/drfirst/go-medsafe/internal/domain/knowledge/refdata"
	"github.com/drfirst/go-medsafe/internal/domain/safety"
	"github.com/drfirst/go-medsafe/internal/engine"
	"github.com/drfirst/go-medsafe/internal/infrastructure/cache"
	"github.com/drfirst/go-medsafe/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	a := &app{
		out:   os.Stdout,
		group: cfg.ConsumerGroup,
		open: func(ctx context.Context) (*engine.Registry, func(), error) {
			return openRegistry(ctx, cfg, logger)
		},
		admin: func() (topicAdmin, error) {
			return redpanda.NewAdmin(cfg.KafkaBrokers, logger.Named("admin"))
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openRegistry builds a registry over the configured cache backend. With the
// memory backend every invocation starts from the bundled reference data.
func openRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*engine.Registry, func(), error) {
	var store cache.Cache = cache.NewMemory()
	cleanup := func() {}
	if cfg.CacheBackend == config.CachePostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := postgres.NewCache(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store = pg
		cleanup = pool.Close
	}

	registry := engine.New(engine.Options{
		Cache:     store,
		Dataset:   refdata.Bundled(),
		Seed:      refdata.Bundled(),
		Knowledge: knowledge.Config{CacheTTL: cfg.CacheTTL},
		Safety:    safety.Config{CacheTTL: cfg.CacheTTL},
		Logger:    logger,
	})
	return registry, cleanup, nil
}
