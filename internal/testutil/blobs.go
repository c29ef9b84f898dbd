package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/matview/pkg/blobstore"
)

// MemoryStore is an in-memory blob store with controllable update times.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryBlob
	clock   time.Time
}

type memoryBlob struct {
	data    []byte
	updated time.Time
}

// NewMemoryStore creates an empty store whose clock starts at start.
func NewMemoryStore(start time.Time) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memoryBlob),
		clock:   start,
	}
}

// Put stores content under name and advances the store clock by a second, so
// every write gets a distinct, later update time.
func (m *MemoryStore) Put(name, content string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock = m.clock.Add(time.Second)
	m.objects[name] = memoryBlob{data: []byte(content), updated: m.clock}

	return m.clock
}

// Remove deletes name.
func (m *MemoryStore) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, name)
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]blobstore.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]blobstore.Object, 0, len(m.objects))

	for name, blob := range m.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, blobstore.Object{Name: name, Updated: blob.updated})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.objects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrNotFound, name)
	}

	return blob.data, nil
}
