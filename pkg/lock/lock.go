// Package lock implements named distributed locks on Redis.
//
// A lock is a single key set with NX and a TTL whose value is a random owner
// token. Release and extension only touch the key while it still carries the
// caller's token, so a lock that expired and was taken by another owner is
// never removed by the previous holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// RegistryLock guards every registry mutation.
	RegistryLock = "registry"
	// MaterializeLock keeps materialize passes from overlapping.
	MaterializeLock = "materialize"
	// SchedulerLock is the leader lease of the pass scheduler.
	SchedulerLock = "scheduler"
)

var (
	// ErrLockHeld is returned when another owner holds the lock
	ErrLockHeld = errors.New("lock is held by another owner")
	// ErrNotHeld is returned when the caller no longer owns the lock
	ErrNotHeld = errors.New("lock is no longer held")
)

//nolint:gochecknoglobals // scripts are immutable and shared by all locks
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a held distributed lock.
type Lock struct {
	log    logrus.FieldLogger
	client *redis.Client
	name   string
	key    string
	token  string

	mu        sync.Mutex
	expiresAt time.Time
	released  bool
}

// Name returns the lock name.
func (l *Lock) Name() string {
	return l.name
}

// Token returns the owner token stored under the lock key.
func (l *Lock) Token() string {
	return l.token
}

// Held reports whether the lock has not been released and its TTL has not
// elapsed according to the local clock.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return !l.released && time.Now().Before(l.expiresAt)
}

// Verify confirms with Redis that the lock key still carries our token.
func (l *Lock) Verify(ctx context.Context) error {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()

	if released {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.name)
	}

	owner, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s expired", ErrNotHeld, l.name)
		}

		return fmt.Errorf("failed to verify lock %s: %w", l.name, err)
	}

	if owner != l.token {
		return fmt.Errorf("%w: %s taken by another owner", ErrNotHeld, l.name)
	}

	return nil
}

// Extend resets the lock TTL if we still own it.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.name)
	}

	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", l.name, err)
	}

	if res == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, l.name)
	}

	l.expiresAt = time.Now().Add(ttl)

	return nil
}

// Release deletes the lock key if we still own it. Calling Release more than
// once is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}

	res, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}

	l.released = true

	if res == 0 {
		l.log.WithField("lock", l.name).Warn("Lock expired before release")
	} else {
		l.log.WithField("lock", l.name).Debug("Released lock")
	}

	return nil
}
