package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/matview/pkg/observability"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const releaseTimeout = 10 * time.Second

// Mode selects how a lock is acquired.
type Mode int

const (
	// ModeProbe gives up quickly and reports ErrLockHeld.
	ModeProbe Mode = iota
	// ModeSerialize waits until the lock is free or the acquire timeout elapses.
	ModeSerialize
)

func (m Mode) String() string {
	if m == ModeProbe {
		return "probe"
	}

	return "serialize"
}

// Options controls a single acquisition.
type Options struct {
	TTL           time.Duration
	Wait          time.Duration
	RetryInterval time.Duration
}

// Manager hands out named distributed locks.
type Manager interface {
	// TryAcquire attempts the lock for at most opts.Wait and returns ErrLockHeld on failure
	TryAcquire(ctx context.Context, name string, opts Options) (*Lock, error)
	// Acquire retries until the lock is obtained, opts.Wait elapses or ctx is done
	Acquire(ctx context.Context, name string, opts Options) (*Lock, error)
	// Do acquires the named locks in order, runs fn while renewing them and
	// releases them on every exit path
	Do(ctx context.Context, mode Mode, fn func(ctx context.Context, locks []*Lock) error, names ...string) error
}

type manager struct {
	log    logrus.FieldLogger
	client *redis.Client
	cfg    *Config
	prefix func(string) string
}

// NewManager creates a lock manager. keyFn maps a lock name to its Redis key.
func NewManager(log logrus.FieldLogger, client *redis.Client, cfg *Config, keyFn func(string) string) Manager {
	if keyFn == nil {
		keyFn = func(key string) string { return key }
	}

	return &manager{
		log:    log.WithField("component", "lock"),
		client: client,
		cfg:    cfg,
		prefix: keyFn,
	}
}

func (m *manager) TryAcquire(ctx context.Context, name string, opts Options) (*Lock, error) {
	return m.acquire(ctx, name, opts)
}

func (m *manager) Acquire(ctx context.Context, name string, opts Options) (*Lock, error) {
	return m.acquire(ctx, name, opts)
}

func (m *manager) acquire(ctx context.Context, name string, opts Options) (*Lock, error) {
	if opts.TTL <= 0 {
		return nil, ErrInvalidTTL
	}

	retry := opts.RetryInterval
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}

	key := m.prefix("lock:" + name)
	token := uuid.New().String()
	deadline := time.Now().Add(opts.Wait)

	for {
		ok, err := m.client.SetNX(ctx, key, token, opts.TTL).Result()
		if err != nil {
			observability.RecordLockAcquisition(name, "error")

			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}

		if ok {
			observability.RecordLockAcquisition(name, "acquired")

			m.log.WithFields(logrus.Fields{
				"lock": name,
				"ttl":  opts.TTL,
			}).Debug("Acquired lock")

			return &Lock{
				log:       m.log,
				client:    m.client,
				name:      name,
				key:       key,
				token:     token,
				expiresAt: time.Now().Add(opts.TTL),
			}, nil
		}

		if !time.Now().Add(retry).Before(deadline) {
			observability.RecordLockAcquisition(name, "held")

			return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *manager) Do(ctx context.Context, mode Mode, fn func(ctx context.Context, locks []*Lock) error, names ...string) error {
	opts := m.cfg.Options(mode)
	locks := make([]*Lock, 0, len(names))

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		for i := len(locks) - 1; i >= 0; i-- {
			if err := locks[i].Release(releaseCtx); err != nil {
				m.log.WithError(err).WithField("lock", locks[i].Name()).Warn("Failed to release lock")
			}
		}
	}()

	for _, name := range names {
		var (
			l   *Lock
			err error
		)

		if mode == ModeProbe {
			l, err = m.TryAcquire(ctx, name, opts)
		} else {
			l, err = m.Acquire(ctx, name, opts)
		}

		if err != nil {
			if errors.Is(err, ErrLockHeld) {
				m.log.WithFields(logrus.Fields{
					"lock": name,
					"mode": mode.String(),
				}).Info("Lock held elsewhere")
			}

			return err
		}

		locks = append(locks, l)
	}

	renewCtx, stop := context.WithCancel(ctx)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		m.renew(renewCtx, locks, opts.TTL)
	}()

	defer func() {
		stop()
		wg.Wait()
	}()

	return fn(ctx, locks)
}

// renew extends every lock until ctx is done. A lock that cannot be extended
// is reported and left to the writers' own checks.
func (m *manager) renew(ctx context.Context, locks []*Lock, ttl time.Duration) {
	ticker := time.NewTicker(m.cfg.renewInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range locks {
				if err := l.Extend(ctx, ttl); err != nil {
					if ctx.Err() != nil {
						return
					}

					observability.RecordLockAcquisition(l.Name(), "lost")

					m.log.WithError(err).WithField("lock", l.Name()).Warn("Failed to renew lock")
				}
			}
		}
	}
}
