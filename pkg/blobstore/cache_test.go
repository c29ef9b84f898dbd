package blobstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	objects map[string]Object
	data    map[string][]byte
	gets    map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{
		objects: make(map[string]Object),
		data:    make(map[string][]byte),
		gets:    make(map[string]int),
	}
}

func (s *countingStore) put(name, content string, updated time.Time) {
	s.objects[name] = Object{Name: name, Updated: updated}
	s.data[name] = []byte(content)
}

func (s *countingStore) List(_ context.Context, _ string) ([]Object, error) {
	out := make([]Object, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o)
	}

	return out, nil
}

func (s *countingStore) Get(_ context.Context, name string) ([]byte, error) {
	s.gets[name]++

	data, ok := s.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return data, nil
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	inner.put("ds/a.sql", "SELECT 1", t0)

	store, err := NewCachedStore(inner, 8)
	require.NoError(t, err)

	// Not yet listed, so reads pass through
	_, err = store.Get(ctx, "ds/a.sql")
	require.NoError(t, err)
	_, err = store.Get(ctx, "ds/a.sql")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.gets["ds/a.sql"])

	_, err = store.List(ctx, "")
	require.NoError(t, err)

	for range 3 {
		data, err := store.Get(ctx, "ds/a.sql")
		require.NoError(t, err)
		assert.Equal(t, "SELECT 1", string(data))
	}

	assert.Equal(t, 3, inner.gets["ds/a.sql"])

	// A newer version invalidates the cached content
	inner.put("ds/a.sql", "SELECT 2", t0.Add(time.Minute))

	_, err = store.List(ctx, "")
	require.NoError(t, err)

	data, err := store.Get(ctx, "ds/a.sql")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", string(data))
	assert.Equal(t, 4, inner.gets["ds/a.sql"])

	_, err = store.Get(ctx, "ds/missing.sql")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewCachedStore_InvalidSize(t *testing.T) {
	_, err := NewCachedStore(newCountingStore(), 0)
	require.Error(t, err)
}
