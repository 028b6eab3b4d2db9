package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-medsafe/internal/infrastructure/cache"
)

// CacheSchema creates the key-value table behind Cache
const CacheSchema = `
CREATE TABLE IF NOT EXISTS engine_cache (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// DB is the subset of pgxpool.Pool used by this package
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var (
	_ DB          = (*pgxpool.Pool)(nil)
	_ cache.Cache = (*Cache)(nil)
)

// Cache stores engine collections in PostgreSQL so they survive restarts
// and are shared between worker replicas.
type Cache struct {
	db     DB
	tracer trace.Tracer
}

// NewCache creates a cache over db. Call EnsureSchema once at startup.
func NewCache(db DB) *Cache {
	return &Cache{db: db, tracer: otel.Tracer("postgres-cache")}
}

// EnsureSchema creates the cache table if it does not exist
func (c *Cache) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, CacheSchema); err != nil {
		return fmt.Errorf("create engine_cache: %w", err)
	}
	return nil
}

// Get returns the unexpired value stored under key
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := c.tracer.Start(ctx, "cache_get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	var value []byte
	err := c.db.QueryRow(ctx, `
		SELECT value FROM engine_cache
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, fmt.Errorf("select %q: %w", key, err)
	}
	span.SetAttributes(attribute.Int("value_size", len(value)))
	return value, true, nil
}

// Set upserts value under key. A zero ttl stores it without expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := c.tracer.Start(ctx, "cache_set", trace.WithAttributes(
		attribute.String("key", key),
		attribute.Int("value_size", len(value)),
	))
	defer span.End()

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	_, err := c.db.Exec(ctx, `
		INSERT INTO engine_cache (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`, key, value, expiresAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

// Delete removes key
func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.Exec(ctx, `DELETE FROM engine_cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Sweep removes expired rows and reports how many were deleted
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	tag, err := c.db.Exec(ctx, `DELETE FROM engine_cache WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("sweep engine_cache: %w", err)
	}
	return tag.RowsAffected(), nil
}
