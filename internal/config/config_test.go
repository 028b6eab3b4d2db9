package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, ":9090", cfg.Addr())
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "medsafe-safety-worker", cfg.ConsumerGroup)
	assert.Equal(t, CacheMemory, cfg.CacheBackend)
	assert.Zero(t, cfg.CacheTTL)
	assert.Equal(t, 8, cfg.Workers)
	assert.False(t, cfg.TracingEnabled)
	assert.False(t, cfg.HasDatabase())
	assert.False(t, cfg.IsProduction())
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"PORT":            "8081",
		"ENV":             "production",
		"DATABASE_URL":    "postgres://medsafe@db/medsafe",
		"KAFKA_BROKERS":   "rp-0:9092, rp-1:9092,,",
		"CACHE_BACKEND":   "Postgres",
		"CACHE_TTL":       "24h",
		"WORKERS":         "4",
		"TRACING_ENABLED": "true",
		"LOG_LEVEL":       "debug",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"rp-0:9092", "rp-1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, CachePostgres, cfg.CacheBackend)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.TracingEnabled)
	assert.True(t, cfg.HasDatabase())
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad ttl", map[string]string{"CACHE_TTL": "soon"}, "CACHE_TTL"},
		{"bad workers", map[string]string{"WORKERS": "many"}, "WORKERS"},
		{"zero workers", map[string]string{"WORKERS": "0"}, "WORKERS must be positive"},
		{"postgres without url", map[string]string{"CACHE_BACKEND": "postgres"}, "DATABASE_URL is required"},
		{"unknown backend", map[string]string{"CACHE_BACKEND": "redis"}, "unknown CACHE_BACKEND"},
		{"bad tracing flag", map[string]string{"TRACING_ENABLED": "sometimes"}, "TRACING_ENABLED"},
		{"empty brokers", map[string]string{"KAFKA_BROKERS": ","}, "KAFKA_BROKERS is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(envMap(tt.env))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
