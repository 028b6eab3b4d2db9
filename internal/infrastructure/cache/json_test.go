package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestGetCollection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, found, err := GetCollection[record](ctx, m, "records")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, m, "records", []record{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}, 0))
	got, found, err := GetCollection[record](ctx, m, "records")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []record{{ID: "1", Name: "a"}, {ID: "2", Name: "b"}}, got)
}

func TestGetCollection_CorruptEntryIsAnError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "records", []byte("{not json"), 0))

	got, found, err := GetCollection[record](ctx, m, "records")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptEntry)
	assert.Contains(t, err.Error(), `decode cache "records"`)
	assert.False(t, found)
	assert.Nil(t, got)

	raw, ok, err := m.Get(ctx, "records")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "{not json", string(raw))
}

func TestJSONHelpers_WrapBackendErrors(t *testing.T) {
	ctx := context.Background()

	_, _, err := GetCollection[record](ctx, failingCache{err: errors.New("timeout")}, "records")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `read cache "records"`)

	err = SetJSON(ctx, failingCache{err: errors.New("timeout")}, "records", []record{}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `write cache "records"`)

	err = SetJSON(ctx, NewMemory(), "bad", make(chan int), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `encode "bad"`)
}
