package circuitbreaker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, err := New(DefaultConfig("cache"), zap.NewNop())
	require.NoError(t, err)

	boom := errors.New("connection refused")
	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err = cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open circuit must not reach the backend")
}

func TestCircuitBreaker_CancelledCallsDoNotTrip(t *testing.T) {
	cb, err := New(DefaultConfig("cache"), zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestDo_ReturnsValue(t *testing.T) {
	cb, err := New(DefaultConfig("cache"), nil)
	require.NoError(t, err)

	v, err := Do(context.Background(), cb, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestManager_GetOrCreateReturnsSameBreaker(t *testing.T) {
	m := NewManager(nil)

	a, err := m.GetOrCreate("cache", DefaultConfig(""))
	require.NoError(t, err)
	b, err := m.GetOrCreate("cache", DefaultConfig(""))
	require.NoError(t, err)
	_, err = m.GetOrCreate("publisher", DefaultConfig(""))
	require.NoError(t, err)

	assert.Same(t, a, b)

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "cache", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
}
