package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/sirupsen/logrus"
)

// LeaderElector decides which instance registers the pass schedules. Every
// instance executes triggered passes; only the leader enqueues them.
type LeaderElector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	Promoted() <-chan struct{}
	Demoted() <-chan struct{}
}

type elector struct {
	log   logrus.FieldLogger
	locks lock.Manager
	ttl   time.Duration
	renew time.Duration

	mu    sync.RWMutex
	lease *lock.Lock

	done chan struct{}
	wg   sync.WaitGroup

	promoted chan struct{}
	demoted  chan struct{}
}

// NewLeaderElector creates an elector holding the scheduler lease through locks.
func NewLeaderElector(log logrus.FieldLogger, locks lock.Manager, ttl, renew time.Duration) LeaderElector {
	return &elector{
		log:      log.WithField("component", "election"),
		locks:    locks,
		ttl:      ttl,
		renew:    renew,
		done:     make(chan struct{}),
		promoted: make(chan struct{}, 1),
		demoted:  make(chan struct{}, 1),
	}
}

func (e *elector) Start(ctx context.Context) error {
	e.log.Info("Starting leader election")

	e.wg.Add(1)
	go e.run(ctx)

	return nil
}

func (e *elector) Stop() error {
	e.log.Info("Stopping leader election")
	close(e.done)

	e.wg.Wait()

	e.mu.Lock()
	lease := e.lease
	e.lease = nil
	e.mu.Unlock()

	if lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := lease.Release(ctx); err != nil {
			e.log.WithError(err).Warn("Failed to release leader lease")
		} else {
			e.log.Info("Relinquished leadership")
		}
	}

	return nil
}

func (e *elector) run(ctx context.Context) {
	defer e.wg.Done()

	e.tick(ctx)

	ticker := time.NewTicker(e.renew)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick renews a held lease or tries to take a free one.
func (e *elector) tick(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lease != nil {
		err := e.lease.Extend(ctx, e.ttl)
		if err == nil {
			return
		}

		e.log.WithError(err).Warn("Lost leader lease")
		e.lease = nil

		notify(e.demoted)

		return
	}

	lease, err := e.locks.TryAcquire(ctx, lock.SchedulerLock, lock.Options{TTL: e.ttl})
	if err != nil {
		if !errors.Is(err, lock.ErrLockHeld) {
			e.log.WithError(err).Debug("Failed to acquire leader lease")
		}

		return
	}

	e.lease = lease
	e.log.WithField("ttl", e.ttl).Info("Promoted to leader")

	notify(e.promoted)
}

func (e *elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.lease != nil
}

func (e *elector) Promoted() <-chan struct{} {
	return e.promoted
}

func (e *elector) Demoted() <-chan struct{} {
	return e.demoted
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var _ LeaderElector = (*elector)(nil)
