// Package registry stores the managed view entries and the last observed blob
// listing in Redis.
//
// Reads need no coordination. Every mutation goes through a Writer bound to a
// held registry lock, and each write first confirms the lock is still ours.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	viewsKey   = "registry:views"
	listingKey = "registry:listing"
)

var (
	// ErrLockNotHeld is returned when a mutation is attempted without the registry lock
	ErrLockNotHeld = errors.New("registry lock not held")
	// ErrViewNotFound is returned when advancing a view that is not registered
	ErrViewNotFound = errors.New("view not found in registry")
	// ErrLastRunRegression is returned when a new last run is older than the stored one
	ErrLastRunRegression = errors.New("last run cannot move backwards")
)

// Reader is the lock-free read side of the registry.
type Reader interface {
	// Get returns nil, nil when the view is not registered
	Get(ctx context.Context, id string) (*ManagedView, error)
	// List returns every entry sorted by ID
	List(ctx context.Context) ([]ManagedView, error)
	// Listing returns the cached blob listing, nil before the first update pass
	Listing(ctx context.Context) (*Listing, error)
}

// Writer mutates the registry under a held registry lock.
type Writer interface {
	// Upsert applies the patch to an existing entry or creates a new one
	Upsert(ctx context.Context, id string, patch Patch) (*ManagedView, error)
	// Delete removes an entry and reports whether it existed
	Delete(ctx context.Context, id string) (bool, error)
	// Advance moves LastRun forward and clears QueryModified
	Advance(ctx context.Context, id string, lastRun time.Time) error
	// Restart sets LastRun to the end of the first window of a freshly
	// created table, which may be earlier than the stored value, and clears
	// QueryModified
	Restart(ctx context.Context, id string, lastRun time.Time) error
	// Verify returns ErrLockNotHeld once the registry lock is lost
	Verify(ctx context.Context) error
	// SaveListing persists the blob listing observed by an update pass
	SaveListing(ctx context.Context, listing *Listing) error
}

// Registry is the Redis-backed view registry.
type Registry interface {
	Reader
	// WithLock returns a Writer that only writes while l is still held
	WithLock(l *lock.Lock) Writer
}

type registry struct {
	log     logrus.FieldLogger
	redis   *redis.Client
	views   string
	listing string
}

// New creates a registry. keyFn maps registry keys to their Redis keys.
func New(log logrus.FieldLogger, client *redis.Client, keyFn func(string) string) Registry {
	if keyFn == nil {
		keyFn = func(key string) string { return key }
	}

	return &registry{
		log:     log.WithField("component", "registry"),
		redis:   client,
		views:   keyFn(viewsKey),
		listing: keyFn(listingKey),
	}
}

func (r *registry) Get(ctx context.Context, id string) (*ManagedView, error) {
	raw, err := r.redis.HGet(ctx, r.views, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get view %s: %w", id, err)
	}

	var view ManagedView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, fmt.Errorf("failed to decode view %s: %w", id, err)
	}

	return &view, nil
}

func (r *registry) List(ctx context.Context) ([]ManagedView, error) {
	raw, err := r.redis.HGetAll(ctx, r.views).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}

	views := make([]ManagedView, 0, len(raw))

	for id, data := range raw {
		var view ManagedView
		if err := json.Unmarshal([]byte(data), &view); err != nil {
			r.log.WithError(err).WithField("view_id", id).Warn("Skipping undecodable registry entry")

			continue
		}

		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].ID < views[j].ID
	})

	return views, nil
}

func (r *registry) Listing(ctx context.Context) (*Listing, error) {
	raw, err := r.redis.Get(ctx, r.listing).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get blob listing: %w", err)
	}

	var listing Listing
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("failed to decode blob listing: %w", err)
	}

	return &listing, nil
}

func (r *registry) WithLock(l *lock.Lock) Writer {
	return &writer{registry: r, lock: l}
}

func (r *registry) put(ctx context.Context, view *ManagedView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode view %s: %w", view.ID, err)
	}

	if err := r.redis.HSet(ctx, r.views, view.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store view %s: %w", view.ID, err)
	}

	return nil
}
