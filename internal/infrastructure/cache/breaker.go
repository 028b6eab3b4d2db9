package cache

import (
	"context"
	"time"

	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
)

// Breaker routes every call to the wrapped Cache through a circuit breaker
type Breaker struct {
	next Cache
	cb   *circuitbreaker.CircuitBreaker
}

// NewBreaker wraps next with cb
func NewBreaker(next Cache, cb *circuitbreaker.CircuitBreaker) *Breaker {
	return &Breaker{next: next, cb: cb}
}

type lookup struct {
	value []byte
	found bool
}

// Get reads through the breaker
func (b *Breaker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := circuitbreaker.Do(ctx, b.cb, func(ctx context.Context) (lookup, error) {
		v, ok, err := b.next.Get(ctx, key)
		return lookup{value: v, found: ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	return res.value, res.found, nil
}

// Set writes through the breaker
func (b *Breaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.cb.Execute(ctx, func(ctx context.Context) error {
		return b.next.Set(ctx, key, value, ttl)
	})
}

// Delete deletes through the breaker
func (b *Breaker) Delete(ctx context.Context, key string) error {
	return b.cb.Execute(ctx, func(ctx context.Context) error {
		return b.next.Delete(ctx, key)
	})
}
