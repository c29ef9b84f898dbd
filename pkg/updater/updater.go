// Package updater applies detected blob changes to the view registry.
package updater

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/matview/pkg/blobstore"
	"github.com/ethpandaops/matview/pkg/detector"
	"github.com/ethpandaops/matview/pkg/observability"
	"github.com/ethpandaops/matview/pkg/registry"
	"github.com/ethpandaops/matview/pkg/render"
	"github.com/ethpandaops/matview/pkg/viewconfig"
	"github.com/ethpandaops/matview/pkg/viewid"
	"github.com/ethpandaops/matview/pkg/window"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Warehouse is the part of the query engine the updater maintains directly.
type Warehouse interface {
	DropTable(ctx context.Context, id string) error
	CreateOrReplaceView(ctx context.Context, id, query string) error
}

// Result summarises an Apply call.
type Result struct {
	Upserted []string
	Deleted  []string
	// Replaced lists plain views that were (re)created
	Replaced []string
}

// Updater turns blob changes into registry mutations.
type Updater struct {
	log       logrus.FieldLogger
	loader    *viewconfig.Loader
	renderer  *render.Renderer
	warehouse Warehouse
	now       func() time.Time
}

// New creates an updater.
func New(log logrus.FieldLogger, loader *viewconfig.Loader, renderer *render.Renderer, warehouse Warehouse) *Updater {
	return &Updater{
		log:       log.WithField("component", "updater"),
		loader:    loader,
		renderer:  renderer,
		warehouse: warehouse,
		now:       time.Now,
	}
}

// pass holds the state of one Apply call.
type pass struct {
	reader registry.Reader
	writer registry.Writer
	result *Result
	// replace maps plain views to recreate to whether an existing table must be dropped first
	replace map[string]bool
}

// Apply applies deletions first, then defaults, view config and query
// changes. Failures of individual changes are collected and returned
// together; losing the registry lock aborts immediately.
func (u *Updater) Apply(ctx context.Context, reader registry.Reader, w registry.Writer, changes *detector.Changes) (*Result, error) {
	p := &pass{
		reader:  reader,
		writer:  w,
		result:  &Result{},
		replace: map[string]bool{},
	}

	var errs error

	for _, c := range changes.Deleted {
		err := u.applyDeletion(ctx, p, c)
		if errors.Is(err, registry.ErrLockNotHeld) {
			return p.result, err
		}

		errs = multierr.Append(errs, err)

		observability.RecordRegistryChange(c.Kind.String(), "deleted")
	}

	for _, kind := range []viewconfig.Kind{viewconfig.KindDefaults, viewconfig.KindViewConfig, viewconfig.KindQuery} {
		for _, c := range changes.Modified {
			if c.Kind != kind {
				continue
			}

			var err error

			switch kind {
			case viewconfig.KindDefaults:
				err = u.applyDefaults(ctx, p, c.Dataset)
			case viewconfig.KindViewConfig:
				err = u.applyViewConfig(ctx, p, c.ViewID())
			case viewconfig.KindQuery:
				err = u.applyQuery(ctx, p, c.ViewID())
			}

			if errors.Is(err, registry.ErrLockNotHeld) {
				return p.result, err
			}

			errs = multierr.Append(errs, err)

			observability.RecordRegistryChange(kind.String(), "modified")
		}
	}

	ids := make([]string, 0, len(p.replace))
	for id := range p.replace {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		err := u.replaceView(ctx, p, id, p.replace[id])
		if errors.Is(err, registry.ErrLockNotHeld) {
			return p.result, err
		}

		errs = multierr.Append(errs, err)
	}

	u.log.WithFields(logrus.Fields{
		"upserted": len(p.result.Upserted),
		"deleted":  len(p.result.Deleted),
		"replaced": len(p.result.Replaced),
		"errors":   len(multierr.Errors(errs)),
	}).Info("Applied blob changes")

	return p.result, errs
}

func (u *Updater) applyDeletion(ctx context.Context, p *pass, c detector.Change) error {
	switch c.Kind {
	case viewconfig.KindQuery:
		return u.deleteView(ctx, p, c.ViewID())
	case viewconfig.KindViewConfig:
		return u.revertOverride(ctx, p, c.ViewID())
	case viewconfig.KindDefaults:
		views, err := p.reader.List(ctx)
		if err != nil {
			return err
		}

		var errs error

		for i := range views {
			if views[i].Dataset() != c.Dataset {
				continue
			}

			err := u.deleteView(ctx, p, views[i].ID)
			if errors.Is(err, registry.ErrLockNotHeld) {
				return err
			}

			errs = multierr.Append(errs, err)
		}

		return errs
	default:
		return nil
	}
}

// deleteView removes a view from the registry and drops its table. Dropping
// is best effort.
func (u *Updater) deleteView(ctx context.Context, p *pass, id string) error {
	existed, err := p.writer.Delete(ctx, id)
	if err != nil {
		return err
	}

	delete(p.replace, id)

	if err := u.warehouse.DropTable(ctx, id); err != nil {
		observability.RecordError("updater", "drop_table")
		u.log.WithError(err).WithField("view_id", id).Warn("Failed to drop table of deleted view")
	}

	if existed {
		p.result.Deleted = append(p.result.Deleted, id)
		u.log.WithField("view_id", id).Info("Deleted view")
	}

	return nil
}

// revertOverride falls back to the dataset cron when a view's override
// document is removed but its query remains.
func (u *Updater) revertOverride(ctx context.Context, p *pass, id string) error {
	view, err := p.reader.Get(ctx, id)
	if err != nil || view == nil {
		return err
	}

	defaults, err := u.defaults(ctx, view.Dataset())
	if err != nil {
		return err
	}

	return u.upsert(ctx, p, id, registry.Patch{CronExpression: registry.String(defaults.Cron(nil))})
}

func (u *Updater) applyDefaults(ctx context.Context, p *pass, dataset string) error {
	defaults, err := u.loader.Defaults(ctx, dataset)
	if err != nil {
		return fmt.Errorf("dataset %s: %w", dataset, err)
	}

	names := make([]string, 0, len(defaults.Views))
	for name := range defaults.Views {
		names = append(names, name)
	}

	sort.Strings(names)

	var errs error

	for _, name := range names {
		id := viewid.Format(dataset, name)

		override, err := u.loader.Override(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("view %s: %w", id, err))

			continue
		}

		existing, err := p.reader.Get(ctx, id)
		if err != nil {
			return err
		}

		materialized := defaults.IsMaterialized(name)
		deps := defaults.Views[name].DependsOn
		if deps == nil {
			deps = []string{}
		}

		patch := registry.Patch{
			CronExpression: registry.String(defaults.Cron(override)),
			Materialized:   registry.Bool(materialized),
			DependsOn:      deps,
		}

		// Switching between table and plain view rebuilds the object
		if existing != nil && existing.Materialized != materialized {
			patch.QueryModified = registry.Bool(true)

			if !materialized {
				p.replace[id] = true
			}
		}

		if err := u.upsert(ctx, p, id, patch); err != nil {
			if errors.Is(err, registry.ErrLockNotHeld) {
				return err
			}

			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func (u *Updater) applyViewConfig(ctx context.Context, p *pass, id string) error {
	existing, err := p.reader.Get(ctx, id)
	if err != nil {
		return err
	}

	override, err := u.loader.Override(ctx, id)
	if err != nil {
		return fmt.Errorf("view %s: %w", id, err)
	}

	if override == nil {
		// Removed again before we got to it
		return nil
	}

	defaults, err := u.defaults(ctx, viewid.Dataset(id))
	if err != nil {
		return err
	}

	if existing != nil {
		return u.upsert(ctx, p, id, registry.Patch{CronExpression: registry.String(defaults.Cron(override))})
	}

	return u.upsert(ctx, p, id, u.inherit(defaults, id, override))
}

func (u *Updater) applyQuery(ctx context.Context, p *pass, id string) error {
	existing, err := p.reader.Get(ctx, id)
	if err != nil {
		return err
	}

	patch := registry.Patch{QueryModified: registry.Bool(true)}

	if existing == nil {
		defaults, err := u.defaults(ctx, viewid.Dataset(id))
		if err != nil {
			return err
		}

		override, err := u.loader.Override(ctx, id)
		if err != nil {
			return fmt.Errorf("view %s: %w", id, err)
		}

		patch = u.inherit(defaults, id, override)
		patch.QueryModified = registry.Bool(true)
	}

	if err := u.upsert(ctx, p, id, patch); err != nil {
		return err
	}

	view, err := p.reader.Get(ctx, id)
	if err != nil {
		return err
	}

	if view != nil && !view.Materialized {
		if _, ok := p.replace[id]; !ok {
			p.replace[id] = false
		}
	}

	return nil
}

// replaceView (re)creates a plain view from its current query.
func (u *Updater) replaceView(ctx context.Context, p *pass, id string, dropFirst bool) error {
	src, err := u.loader.Source(ctx, id)
	if err != nil {
		return fmt.Errorf("view %s: %w", id, err)
	}

	w := window.Window{Start: time.Unix(0, 0).UTC(), End: u.now().UTC()}

	if start := src.Config.Backfill.StartTimestamp; start != "" {
		if w.Start, err = window.ParseTimestamp(start); err != nil {
			return fmt.Errorf("view %s: %w", id, err)
		}
	}

	sql, err := u.renderer.Template(&render.Source{ID: id, Query: src.Query, Config: src.Config}, w)
	if err != nil {
		return fmt.Errorf("view %s: %w", id, err)
	}

	if dropFirst {
		if err := u.warehouse.DropTable(ctx, id); err != nil {
			return fmt.Errorf("view %s: %w", id, err)
		}
	}

	if err := u.warehouse.CreateOrReplaceView(ctx, id, sql); err != nil {
		return fmt.Errorf("view %s: %w", id, err)
	}

	if err := u.upsert(ctx, p, id, registry.Patch{QueryModified: registry.Bool(false)}); err != nil {
		return err
	}

	p.result.Replaced = append(p.result.Replaced, id)

	return nil
}

// defaults loads the dataset defaults, or empty defaults when the dataset has none.
func (u *Updater) defaults(ctx context.Context, dataset string) (*viewconfig.DatasetDefaults, error) {
	defaults, err := u.loader.Defaults(ctx, dataset)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return &viewconfig.DatasetDefaults{}, nil
		}

		return nil, fmt.Errorf("dataset %s: %w", dataset, err)
	}

	return defaults, nil
}

// inherit builds the patch that creates a view from its dataset defaults.
func (u *Updater) inherit(defaults *viewconfig.DatasetDefaults, id string, override *viewconfig.ViewOverride) registry.Patch {
	_, name, _ := viewid.Parse(id)

	deps := defaults.Views[name].DependsOn
	if deps == nil {
		deps = []string{}
	}

	return registry.Patch{
		CronExpression: registry.String(defaults.Cron(override)),
		Materialized:   registry.Bool(defaults.IsMaterialized(name)),
		DependsOn:      deps,
	}
}

func (u *Updater) upsert(ctx context.Context, p *pass, id string, patch registry.Patch) error {
	if _, err := p.writer.Upsert(ctx, id, patch); err != nil {
		return fmt.Errorf("view %s: %w", id, err)
	}

	p.result.Upserted = append(p.result.Upserted, id)

	return nil
}
