// Package cache defines the key-value collaborator the engine persists its
// collections through, plus the in-memory and circuit-breaking implementations.
package cache

import (
	"context"
	"time"
)

// Cache is an opaque key-value store. Values are serialized collections.
type Cache interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
