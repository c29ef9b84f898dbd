package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/matview/pkg/graph"
	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/ethpandaops/matview/pkg/materializer"
	"github.com/ethpandaops/matview/pkg/observability"
	"github.com/ethpandaops/matview/pkg/registry"
	"github.com/ethpandaops/matview/pkg/render"
	"github.com/ethpandaops/matview/pkg/window"
	"github.com/sirupsen/logrus"
)

// ViewStatus is the outcome of one view in a materialize pass.
type ViewStatus string

const (
	// StatusSucceeded means the view is up to date
	StatusSucceeded ViewStatus = "succeeded"
	// StatusFailed means the view failed and keeps its committed windows
	StatusFailed ViewStatus = "failed"
	// StatusBlocked means a dependency of the view failed in the same pass
	StatusBlocked ViewStatus = "blocked"
)

// ViewOutcome reports one view of a materialize pass.
type ViewOutcome struct {
	ID       string
	Status   ViewStatus
	Attempts int
	Result   *materializer.Result
	Err      error
}

// MaterializeResult reports a materialize pass.
type MaterializeResult struct {
	// Skipped is set when another pass holds one of the locks
	Skipped bool
	Reason  string
	// Order is the topological order of the due views
	Order []string
	Views []ViewOutcome
}

// Outcome returns the outcome of a view.
func (r *MaterializeResult) Outcome(id string) (ViewOutcome, bool) {
	for _, o := range r.Views {
		if o.ID == id {
			return o, true
		}
	}

	return ViewOutcome{}, false
}

// run is the state of one materialize pass.
type run struct {
	now     time.Time
	writer  registry.Writer
	graph   *graph.Graph
	sources map[string]*render.Source
	// done holds views materialized in this pass, failed the ones that did not
	done   map[string]bool
	failed map[string]bool
}

// MaterializePass probes the materialize and registry locks, returning a
// skipped result when either is held elsewhere. Due materialized views run
// in dependency order. A query engine failure aborts the pass; any other
// failure only fails the view and blocks its dependents.
func (s *service) MaterializePass(ctx context.Context) (*MaterializeResult, error) {
	start := time.Now()
	res := &MaterializeResult{}

	err := s.locks.Do(ctx, lock.ModeProbe, func(ctx context.Context, locks []*lock.Lock) error {
		return s.materialize(ctx, s.registry.WithLock(locks[1]), res)
	}, lock.MaterializeLock, lock.RegistryLock)

	duration := time.Since(start)

	switch {
	case errors.Is(err, lock.ErrLockHeld):
		res.Skipped = true
		res.Reason = err.Error()

		observability.RecordPass(passMaterialize, "skipped", duration.Seconds())

		s.log.WithField("reason", res.Reason).Info("Materialize pass skipped")

		return res, nil
	case err != nil:
		observability.RecordPass(passMaterialize, "failed", duration.Seconds())

		return res, fmt.Errorf("materialize pass failed: %w", err)
	}

	observability.RecordPass(passMaterialize, "succeeded", duration.Seconds())

	s.log.WithFields(logrus.Fields{
		"views":    len(res.Views),
		"duration": duration,
	}).Info("Materialize pass completed")

	return res, nil
}

func (s *service) materialize(ctx context.Context, w registry.Writer, res *MaterializeResult) error {
	now := s.now().UTC()

	due, err := s.dueViews(ctx, now)
	if err != nil {
		return err
	}

	if len(due) == 0 {
		s.log.Debug("No views due")

		return nil
	}

	g, err := graph.Build(ctx, s.log, s.registry, due)
	if err != nil {
		observability.RecordError("coordinator", "graph")

		return err
	}

	res.Order = g.Order()

	r := &run{
		now:     now,
		writer:  w,
		graph:   g,
		sources: make(map[string]*render.Source, len(res.Order)),
		done:    make(map[string]bool, len(res.Order)),
		failed:  make(map[string]bool),
	}

	for _, id := range res.Order {
		if blocker := r.blockedBy(id); blocker != "" {
			r.failed[id] = true
			res.Views = append(res.Views, ViewOutcome{
				ID:     id,
				Status: StatusBlocked,
				Err:    fmt.Errorf("dependency %s failed", blocker),
			})

			observability.RecordViewRun(id, "", string(StatusBlocked))

			s.log.WithFields(logrus.Fields{
				"view_id":    id,
				"dependency": blocker,
			}).Warn("Skipping view after dependency failure")

			continue
		}

		outcome := s.runView(ctx, r, id)
		res.Views = append(res.Views, outcome)

		path := ""
		if outcome.Result != nil {
			path = string(outcome.Result.Path)
		}

		observability.RecordViewRun(id, path, string(outcome.Status))

		if outcome.Status == StatusSucceeded {
			r.done[id] = true

			continue
		}

		r.failed[id] = true

		if errors.Is(outcome.Err, materializer.ErrExecution) {
			observability.RecordError("coordinator", "execution")

			s.log.WithError(outcome.Err).WithFields(logrus.Fields{
				"view_id": id,
				"alert":   "critical",
			}).Error("Query engine failure, aborting materialize pass")

			return fmt.Errorf("view %s: %w", id, outcome.Err)
		}

		if errors.Is(outcome.Err, registry.ErrLockNotHeld) {
			return fmt.Errorf("view %s: %w", id, outcome.Err)
		}

		observability.RecordError("coordinator", "view")

		s.log.WithError(outcome.Err).WithField("view_id", id).Error("View failed")
	}

	return nil
}

// dueViews lists the materialized views whose schedule is due at now.
func (s *service) dueViews(ctx context.Context, now time.Time) ([]string, error) {
	views, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	due := make([]string, 0, len(views))

	for i := range views {
		v := &views[i]
		if !v.Materialized {
			continue
		}

		ok, err := s.evaluator.IsDue(v.CronExpression, now, v.LastRun)
		if err != nil {
			s.log.WithError(err).WithField("view_id", v.ID).Warn("Skipping view with invalid schedule")

			continue
		}

		if ok {
			due = append(due, v.ID)
		}
	}

	return due, nil
}

// blockedBy returns a failed in-pass dependency of id, "" when there is none.
func (r *run) blockedBy(id string) string {
	for _, dep := range r.graph.Dependencies(id) {
		if r.failed[dep] {
			return dep
		}
	}

	return ""
}

// runView materializes one view, retrying query engine failures.
func (s *service) runView(ctx context.Context, r *run, id string) ViewOutcome {
	outcome := ViewOutcome{ID: id}
	log := s.log.WithField("view_id", id)

	for {
		outcome.Attempts++

		result, err := s.attempt(ctx, r, id)
		outcome.Result = result
		outcome.Err = err

		if err == nil {
			outcome.Status = StatusSucceeded

			return outcome
		}

		outcome.Status = StatusFailed

		if !errors.Is(err, materializer.ErrExecution) || outcome.Attempts > s.cfg.Retries {
			return outcome
		}

		log.WithError(err).WithFields(logrus.Fields{
			"attempt":     outcome.Attempts,
			"retry_delay": s.cfg.RetryDelay,
		}).Warn("Retrying view")

		if err := s.sleep(ctx, s.cfg.RetryDelay); err != nil {
			return outcome
		}
	}
}

// attempt reloads the view, so a retry continues after the windows an
// earlier attempt committed.
func (s *service) attempt(ctx context.Context, r *run, id string) (*materializer.Result, error) {
	view, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if view == nil {
		return nil, fmt.Errorf("%w: %s", registry.ErrViewNotFound, id)
	}

	src, err := s.source(ctx, r, view)
	if err != nil {
		return nil, err
	}

	inline := make(map[string]*render.Source)

	for _, dep := range r.graph.Dependencies(id) {
		if r.done[dep] {
			inline[dep] = r.sources[dep]
		}
	}

	job := &materializer.Job{
		View:   view,
		Config: src.Config,
		Now:    r.now,
		Render: func(w window.Window) (string, error) {
			out, err := s.renderer.Render(render.Request{Source: src, Window: w, Inline: inline})
			if err != nil {
				return "", err
			}

			return out.SQL, nil
		},
	}

	return s.mat.Run(ctx, r.writer, job)
}

// source loads and caches the render source of a view.
func (s *service) source(ctx context.Context, r *run, view *registry.ManagedView) (*render.Source, error) {
	if src, ok := r.sources[view.ID]; ok {
		return src, nil
	}

	loaded, err := s.loader.Source(ctx, view.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load view %s: %w", view.ID, err)
	}

	src := &render.Source{
		ID:        view.ID,
		Query:     loaded.Query,
		Config:    loaded.Config,
		DependsOn: view.DependsOn,
	}

	r.sources[view.ID] = src

	return src, nil
}
