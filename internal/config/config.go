// Package config loads process settings from the environment. A .env file in
// the working directory is read first when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Cache backends
const (
	CacheMemory   = "memory"
	CachePostgres = "postgres"
)

// Config holds settings shared by the safety worker, outbox relay and CLI
type Config struct {
	Port           string
	Environment    string
	DatabaseURL    string
	KafkaBrokers   []string
	ConsumerGroup  string
	CacheBackend   string
	CacheTTL       time.Duration
	Workers        int
	LogLevel       string
	TracingEnabled bool
	OTLPEndpoint   string
	SampleRate     float64
}

// Load reads .env if present and then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, applying defaults for unset keys
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := &Config{
		Port:          get("PORT", "9090"),
		Environment:   get("ENV", "development"),
		DatabaseURL:   get("DATABASE_URL", ""),
		KafkaBrokers:  splitList(get("KAFKA_BROKERS", "localhost:9092")),
		ConsumerGroup: get("CONSUMER_GROUP", "medsafe-safety-worker"),
		CacheBackend:  strings.ToLower(get("CACHE_BACKEND", CacheMemory)),
		LogLevel:      get("LOG_LEVEL", "info"),
		OTLPEndpoint:  get("OTLP_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.CacheTTL, err = time.ParseDuration(get("CACHE_TTL", "0s")); err != nil {
		return nil, fmt.Errorf("CACHE_TTL: %w", err)
	}
	if cfg.Workers, err = strconv.Atoi(get("WORKERS", "8")); err != nil {
		return nil, fmt.Errorf("WORKERS: %w", err)
	}
	if cfg.TracingEnabled, err = strconv.ParseBool(get("TRACING_ENABLED", "false")); err != nil {
		return nil, fmt.Errorf("TRACING_ENABLED: %w", err)
	}
	if cfg.SampleRate, err = strconv.ParseFloat(get("TRACE_SAMPLE_RATE", "1"), 64); err != nil {
		return nil, fmt.Errorf("TRACE_SAMPLE_RATE: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.CacheBackend {
	case CacheMemory:
	case CachePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CACHE_BACKEND=%s", CachePostgres)
		}
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.CacheBackend)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is empty")
	}
	return nil
}

// HasDatabase reports whether a Postgres connection is configured
func (c *Config) HasDatabase() bool { return c.DatabaseURL != "" }

// IsProduction returns true when ENV=production
func (c *Config) IsProduction() bool { return c.Environment == "production" }

// Addr returns the ops listener address
func (c *Config) Addr() string { return ":" + c.Port }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
