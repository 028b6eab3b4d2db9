package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrCorruptEntry marks a cache entry that exists but cannot be decoded
var ErrCorruptEntry = errors.New("corrupt cache entry")

// GetCollection reads a JSON array stored under key. A missing entry reports
// found=false so the caller can seed it. An entry that does not decode is an
// error wrapping ErrCorruptEntry; callers must not write over it.
func GetCollection[T any](ctx context.Context, c Cache, key string) (items []T, found bool, err error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("read cache %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false, fmt.Errorf("decode cache %q: %w: %w", key, ErrCorruptEntry, err)
	}
	return items, true, nil
}

// SetJSON stores v JSON-encoded under key
func SetJSON(ctx context.Context, c Cache, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	if err := c.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("write cache %q: %w", key, err)
	}
	return nil
}
