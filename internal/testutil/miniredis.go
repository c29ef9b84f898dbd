package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NewMiniredis creates an in-memory Redis for unit tests (no Docker needed).
// The server is automatically closed when the test completes.
func NewMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	return miniredis.RunT(t)
}

// NewMiniredisClient returns both a miniredis server and a connected client.
// Both are automatically closed when the test completes.
func NewMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("failed to close miniredis client: %v", err)
		}
	})

	return mr, client
}

// NewLogger returns a logger that only prints errors.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// LockConfig returns lock settings suited to tests: a long TTL and no
// probe wait.
func LockConfig() *lock.Config {
	return &lock.Config{
		TTL:            time.Hour,
		ProbeWait:      0,
		AcquireTimeout: time.Second,
		RetryInterval:  10 * time.Millisecond,
	}
}

// HoldLock acquires the named lock and releases it when the test completes.
func HoldLock(t *testing.T, client *redis.Client, name string) *lock.Lock {
	t.Helper()

	m := lock.NewManager(NewLogger(), client, LockConfig(), nil)

	l, err := m.TryAcquire(context.Background(), name, LockConfig().Options(lock.ModeProbe))
	if err != nil {
		t.Fatalf("failed to acquire lock %s: %v", name, err)
	}

	t.Cleanup(func() {
		_ = l.Release(context.Background())
	})

	return l
}
