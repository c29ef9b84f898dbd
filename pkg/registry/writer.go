package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/sirupsen/logrus"
)

type writer struct {
	*registry
	lock *lock.Lock
}

func (w *writer) guard(ctx context.Context) error {
	if w.lock == nil || w.lock.Name() != lock.RegistryLock {
		return ErrLockNotHeld
	}

	if err := w.lock.Verify(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrLockNotHeld, err)
	}

	return nil
}

func (w *writer) Verify(ctx context.Context) error {
	return w.guard(ctx)
}

func (w *writer) Upsert(ctx context.Context, id string, patch Patch) (*ManagedView, error) {
	if err := w.guard(ctx); err != nil {
		return nil, err
	}

	view, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	created := view == nil
	if created {
		view = &ManagedView{ID: id}
	}

	if !patch.apply(view) && !created {
		return view, nil
	}

	if err := w.put(ctx, view); err != nil {
		return nil, err
	}

	w.log.WithFields(logrus.Fields{
		"view_id":        id,
		"created":        created,
		"cron":           view.CronExpression,
		"materialized":   view.Materialized,
		"query_modified": view.QueryModified,
	}).Debug("Upserted view")

	return view, nil
}

func (w *writer) Delete(ctx context.Context, id string) (bool, error) {
	if err := w.guard(ctx); err != nil {
		return false, err
	}

	n, err := w.redis.HDel(ctx, w.views, id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete view %s: %w", id, err)
	}

	if n > 0 {
		w.log.WithField("view_id", id).Debug("Deleted view")
	}

	return n > 0, nil
}

func (w *writer) Advance(ctx context.Context, id string, lastRun time.Time) error {
	if err := w.guard(ctx); err != nil {
		return err
	}

	view, err := w.Get(ctx, id)
	if err != nil {
		return err
	}

	if view == nil {
		return fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}

	if view.LastRun != nil && lastRun.Before(*view.LastRun) {
		return fmt.Errorf("%w: %s from %s to %s", ErrLastRunRegression, id,
			view.LastRun.UTC().Format(time.RFC3339), lastRun.UTC().Format(time.RFC3339))
	}

	ts := lastRun.UTC()
	view.LastRun = &ts
	view.QueryModified = false

	return w.put(ctx, view)
}

func (w *writer) Restart(ctx context.Context, id string, lastRun time.Time) error {
	if err := w.guard(ctx); err != nil {
		return err
	}

	view, err := w.Get(ctx, id)
	if err != nil {
		return err
	}

	if view == nil {
		return fmt.Errorf("%w: %s", ErrViewNotFound, id)
	}

	ts := lastRun.UTC()
	view.LastRun = &ts
	view.QueryModified = false

	return w.put(ctx, view)
}

func (w *writer) SaveListing(ctx context.Context, listing *Listing) error {
	if err := w.guard(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("failed to encode blob listing: %w", err)
	}

	if err := w.redis.Set(ctx, w.listing, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store blob listing: %w", err)
	}

	return nil
}
