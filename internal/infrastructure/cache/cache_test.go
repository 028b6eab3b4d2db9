package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-medsafe/pkg/circuitbreaker"
)

func TestMemory_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "medications")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "medications", []byte(`[]`), 0))

	v, ok, err := m.Get(ctx, "medications")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(`[]`), v)

	require.NoError(t, m.Delete(ctx, "medications"))
	_, ok, _ = m.Get(ctx, "medications")
	assert.False(t, ok)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	in := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", in, 0))
	in[0] = 'z'

	out, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(out))
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok, _ := m.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok)

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.Len())
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemory().Set(ctx, "k", nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

type failingCache struct{ err error }

func (f failingCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingCache) Set(context.Context, string, []byte, time.Duration) error {
	return f.err
}
func (f failingCache) Delete(context.Context, string) error { return f.err }

func TestBreaker_ShedsFailingBackend(t *testing.T) {
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("cache"), nil)
	require.NoError(t, err)

	down := errors.New("dial tcp: connection refused")
	b := NewBreaker(failingCache{err: down}, cb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Set(ctx, "k", nil, 0), down)
	}

	_, _, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestBreaker_PassesThrough(t *testing.T) {
	cb, err := circuitbreaker.New(circuitbreaker.DefaultConfig("cache"), nil)
	require.NoError(t, err)

	b := NewBreaker(NewMemory(), cb)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))
	require.NoError(t, b.Delete(ctx, "k"))
}
