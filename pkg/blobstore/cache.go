package blobstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/matview/pkg/observability"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore keeps recently read blob contents in memory, keyed by name and
// the update time seen in the latest listing. A blob whose update time
// changes is therefore read again. Blobs that were never listed are not
// cached.
type CachedStore struct {
	inner Store
	cache *lru.Cache[string, []byte]

	mu      sync.RWMutex
	updated map[string]time.Time
}

// NewCachedStore wraps inner with an LRU of the given size.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob cache: %w", err)
	}

	return &CachedStore{
		inner:   inner,
		cache:   cache,
		updated: make(map[string]time.Time),
	}, nil
}

func (c *CachedStore) List(ctx context.Context, prefix string) ([]Object, error) {
	objects, err := c.inner.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name := range c.updated {
		if strings.HasPrefix(name, prefix) {
			delete(c.updated, name)
		}
	}

	for _, obj := range objects {
		c.updated[obj.Name] = obj.Updated
	}

	return objects, nil
}

func (c *CachedStore) Get(ctx context.Context, name string) ([]byte, error) {
	c.mu.RLock()
	updated, listed := c.updated[name]
	c.mu.RUnlock()

	if !listed {
		return c.inner.Get(ctx, name)
	}

	key := fmt.Sprintf("%s@%d", name, updated.UnixNano())

	if data, ok := c.cache.Get(key); ok {
		observability.RecordBlobCache(true)

		return data, nil
	}

	observability.RecordBlobCache(false)

	data, err := c.inner.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	c.cache.Add(key, data)

	return data, nil
}
