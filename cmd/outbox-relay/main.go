// Package main provides the outbox relay entry point.
// Publishes domain events written to the outbox table by the safety worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/api"
	"github.com/drfirst/go-medsafe/internal/api/handlers"
	"github.com/drfirst/go-medsafe/internal/config"
	"github.com/drfirst/go-medsafe/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/observability/logging"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	version     = "0.1.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	base, err := logging.New(cfg.LogLevel, !cfg.IsProduction())
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	logger := logging.Service(base, serviceName, version)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("outbox relay failed", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if !cfg.HasDatabase() {
		return errors.New("DATABASE_URL is required")
	}

	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg, serviceName, version))
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}()

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := postgres.EnsureOutboxSchema(ctx, pool); err != nil {
		return err
	}
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, logger.Named("producer"))
	if err != nil {
		return fmt.Errorf("producer creation failed: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), logger.Named("outbox"))
	relay.Start()
	defer relay.Stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	scrape := metrics.Handler(reg)

	ops := handlers.NewOpsHandler(serviceName, version, nil, nil,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if stats, err := relay.Stats(r.Context()); err == nil {
				m.ObserveOutbox(stats.Pending, stats.Failed)
			}
			scrape.ServeHTTP(w, r)
		}), logger)
	ops.AddCheck("postgres", pool.Ping)
	ops.AddCheck("kafka", producer.Ping)

	server := api.NewServer(cfg.Addr(), api.NewRouter(serviceName, ops, logger))
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ops listener started", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go reportBacklog(ctx, relay, logger)

	logger.Info("outbox relay ready", zap.String("addr", server.Addr))

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		logger.Error("ops listener failed", zap.Error(err))
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(sctx)
	return err
}

// reportBacklog logs the outbox backlog once a minute while it is non-empty
func reportBacklog(ctx context.Context, relay *postgres.Relay, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := relay.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats unavailable", zap.Error(err))
				continue
			}
			if stats.Pending == 0 && stats.Failed == 0 {
				continue
			}
			fields := []zap.Field{
				zap.Int64("pending", stats.Pending),
				zap.Int64("failed", stats.Failed),
			}
			if stats.OldestPending != nil {
				fields = append(fields, zap.Duration("oldest_age", time.Since(*stats.OldestPending)))
			}
			logger.Info("outbox backlog", fields...)
		}
	}
}
