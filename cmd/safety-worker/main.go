// Package main provides the safety worker entry point.
// Consumes prescription, fulfillment and safety report events and feeds them
// into the Safety Monitor.
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
	"github.com/drfirst/go-medsafe/internal/domain/knowledge"
	"github.com/drfirst/go-medsafe/internal/domain/knowledge/refdata"
	"github.com/drfirst/go-medsafe/internal/domain/safety"
	"github.com/drfirst/go-medsafe/internal/engine"
	"github.com/drfirst/go-medsafe/internal/infrastructure/cache"
	"github.com/drfirst/go-medsafe/internal/infrastructure/postgres"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/observability/logging"
	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/internal/observability/tracing"
	"github.com/drfirst/go-medsafe/internal/worker"
	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
)

const (
	serviceName = "safety-worker"
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
		logger.Fatal("safety worker failed", zap.Error(err))
	}
	logger.Info("safety worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg, serviceName, version))
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownWithin(5*time.Second, tp.Shutdown)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	breakers := circuitbreaker.NewManager(logger)

	// Connect to database
	var pool *pgxpool.Pool
	if cfg.HasDatabase() {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		logger.Info("connected to database")
	}

	store, err := openCache(ctx, cfg, pool, breakers, logger)
	if err != nil {
		return err
	}

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = serviceName
	producer, err := redpanda.NewProducer(producerCfg, logger.Named("producer"))
	if err != nil {
		return fmt.Errorf("producer creation failed: %w", err)
	}
	defer producer.Close()

	ensureTopics(ctx, cfg.KafkaBrokers, logger)

	// events go through the outbox when a database is available
	var publisher safety.EventPublisher = redpanda.NewEventPublisher(producer)
	if pool != nil {
		if err := postgres.EnsureOutboxSchema(ctx, pool); err != nil {
			return err
		}
		publisher = postgres.NewEventWriter(pool, redpanda.TopicForEvent)
		logger.Info("publishing domain events through the outbox")
	}

	registry := engine.New(engine.Options{
		Cache:     store,
		Dataset:   refdata.Bundled(),
		Seed:      refdata.Bundled(),
		Publisher: publisher,
		Recorder:  m,
		Knowledge: knowledge.Config{CacheTTL: cfg.CacheTTL},
		Safety:    safety.Config{CacheTTL: cfg.CacheTTL},
		Logger:    logger,
	})
	go warmUp(ctx, registry, logger)

	var (
		inbox   idempotency.Processor = idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig())
		pgInbox *idempotency.PostgresInbox
	)
	if pool != nil {
		pgInbox = idempotency.NewPostgresInbox(pool, idempotency.DefaultInboxConfig(), logger.Named("inbox"))
		if err := pgInbox.EnsureSchema(ctx); err != nil {
			return err
		}
		pgInbox.StartSweeper()
		defer pgInbox.Stop()
		inbox = pgInbox
	}

	handler := worker.NewHandler(func(ctx context.Context) (worker.Monitor, error) {
		return registry.Safety(ctx)
	}, inbox, producer, m, logger.Named("handler"))

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.ClientID = serviceName
	consumerCfg.Concurrency = cfg.Workers
	consumer, err := redpanda.NewConsumer(consumerCfg, handler.Handle, logger.Named("consumer"))
	if err != nil {
		return fmt.Errorf("consumer creation failed: %w", err)
	}
	consumer.Start()

	// Ops listener
	scrape := metrics.Handler(reg)
	ops := handlers.NewOpsHandler(serviceName, version, registry, breakers,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ObservePool(consumer.PoolStats())
			m.ObserveBreakers(breakers.GetHealthStatus())
			if pgInbox != nil {
				if stats, err := pgInbox.Stats(r.Context()); err == nil {
					m.ObserveInbox(stats)
				}
			}
			scrape.ServeHTTP(w, r)
		}), logger)
	ops.AddCheck("kafka", producer.Ping)
	if pool != nil {
		ops.AddCheck("postgres", pool.Ping)
	}
	ops.AddCheck("consumer", func(context.Context) error {
		if !consumer.Healthy() {
			return errors.New("partition queue saturated")
		}
		return nil
	})

	server := api.NewServer(cfg.Addr(), api.NewRouter(serviceName, ops, logger))
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ops listener started", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("safety worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.ConsumerGroup),
		zap.String("cache", cfg.CacheBackend),
		zap.Int("workers", cfg.Workers))

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		logger.Error("ops listener failed", zap.Error(err))
	}

	logger.Info("shutting down")
	shutdownWithin(10*time.Second, server.Shutdown)
	if stopErr := consumer.Stop(); stopErr != nil {
		logger.Warn("consumer stop", zap.Error(stopErr))
	}
	return err
}

func openCache(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, breakers *circuitbreaker.Manager, logger *zap.Logger) (cache.Cache, error) {
	var backend cache.Cache
	switch cfg.CacheBackend {
	case config.CachePostgres:
		pg := postgres.NewCache(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		backend = pg
	default:
		mem := cache.NewMemory()
		go mem.RunJanitor(ctx, time.Minute)
		backend = mem
	}

	cb, err := breakers.GetOrCreate("cache", circuitbreaker.DefaultConfig("cache"))
	if err != nil {
		return nil, err
	}
	logger.Info("cache ready", zap.String("backend", cfg.CacheBackend))
	return cache.NewBreaker(backend, cb), nil
}

func ensureTopics(ctx context.Context, brokers []string, logger *zap.Logger) {
	admin, err := redpanda.NewAdmin(brokers, logger.Named("admin"))
	if err != nil {
		logger.Warn("topic admin unavailable", zap.Error(err))
		return
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("could not ensure topics", zap.Error(err))
	}
}

// warmUp loads both engine components before the first message needs them,
// retrying while the cache backend is unavailable.
func warmUp(ctx context.Context, registry *engine.Registry, logger *zap.Logger) {
	delay := time.Second
	for {
		_, err := registry.Safety(ctx)
		if err == nil {
			logger.Info("engine ready")
			return
		}
		logger.Warn("engine initialization failed", zap.Error(err), zap.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func shutdownWithin(d time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = fn(ctx)
}
