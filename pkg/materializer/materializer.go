// Package materializer brings a view's table up to date window by window.
package materializer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/matview/pkg/clickhouse"
	"github.com/ethpandaops/matview/pkg/observability"
	"github.com/ethpandaops/matview/pkg/registry"
	"github.com/ethpandaops/matview/pkg/viewconfig"
	"github.com/ethpandaops/matview/pkg/window"
	"github.com/sirupsen/logrus"
)

var (
	// ErrExecution wraps every query engine failure
	ErrExecution = errors.New("query engine execution failed")
	// ErrBackfillStartRequired is returned when there is no point to start materializing from
	ErrBackfillStartRequired = errors.New("backfill start_timestamp is required")
	// ErrNotMaterialized is returned for plain views
	ErrNotMaterialized = errors.New("view is not materialized")
)

// Path is how a view's table is brought up to date.
type Path string

const (
	// PathCreate creates the missing table from the backfill start
	PathCreate Path = "create"
	// PathInsert appends windows since the last run
	PathInsert Path = "insert"
	// PathRebuild drops and recreates a table whose query changed
	PathRebuild Path = "rebuild"
)

// DecidePath selects the path from whether the table exists and whether
// the query changed since the last run.
func DecidePath(exists, modified bool) Path {
	switch {
	case !exists:
		return PathCreate
	case modified:
		return PathRebuild
	default:
		return PathInsert
	}
}

// Warehouse is the query engine surface the materializer needs.
type Warehouse interface {
	TableType(ctx context.Context, id string) (string, error)
	DropTable(ctx context.Context, id string) error
	CreateTableAs(ctx context.Context, id string, spec clickhouse.TableSpec, query string) error
	Query(ctx context.Context, query string) ([]json.RawMessage, error)
	InsertRows(ctx context.Context, id string, rows []json.RawMessage) error
}

// RenderFunc renders a view's SQL for one window.
type RenderFunc func(w window.Window) (string, error)

// Job is one view to materialize.
type Job struct {
	View   *registry.ManagedView
	Config *viewconfig.QueryConfig
	Render RenderFunc
	// Now is the end of the last window, the current time when zero
	Now time.Time
}

// Result reports what a Run committed.
type Result struct {
	ViewID  string
	Path    Path
	Windows int
	Rows    int
	LastRun *time.Time
}

// Materializer runs jobs against a warehouse.
type Materializer struct {
	log       logrus.FieldLogger
	warehouse Warehouse
	now       func() time.Time
}

// New creates a materializer.
func New(log logrus.FieldLogger, warehouse Warehouse) *Materializer {
	return &Materializer{
		log:       log.WithField("component", "materializer"),
		warehouse: warehouse,
		now:       time.Now,
	}
}

// Plan returns the path and windows a job would run, without touching the warehouse.
func (m *Materializer) Plan(job *Job, exists bool) (Path, []window.Window, error) {
	path := DecidePath(exists, job.View.QueryModified)

	var start time.Time

	if path == PathInsert && job.View.LastRun != nil {
		start = job.View.LastRun.UTC()
	} else {
		if job.Config.Backfill.StartTimestamp == "" {
			return path, nil, fmt.Errorf("%w: %s", ErrBackfillStartRequired, job.View.ID)
		}

		var err error

		start, err = window.ParseTimestamp(job.Config.Backfill.StartTimestamp)
		if err != nil {
			return path, nil, err
		}
	}

	step, err := window.ParseInterval(job.Config.Backfill.Interval)
	if err != nil {
		return path, nil, err
	}

	end := job.Now
	if end.IsZero() {
		end = m.now()
	}

	return path, window.Split(start, end.UTC(), step), nil
}

// Run materializes job. Each committed window advances the view's last run
// through w, so a failure keeps the windows before it. Warehouse failures
// are wrapped in ErrExecution.
func (m *Materializer) Run(ctx context.Context, w registry.Writer, job *Job) (*Result, error) {
	view := job.View
	if !view.Materialized {
		return nil, fmt.Errorf("%w: %s", ErrNotMaterialized, view.ID)
	}

	engine, err := m.warehouse.TableType(ctx, view.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExecution, err)
	}

	exists := engine != ""

	// A plain view left behind by an earlier configuration is replaced
	if engine == clickhouse.EngineView && !view.QueryModified {
		view = copyView(view)
		view.QueryModified = true
		job = &Job{View: view, Config: job.Config, Render: job.Render, Now: job.Now}
	}

	path, windows, err := m.Plan(job, exists)
	if err != nil {
		return nil, err
	}

	res := &Result{ViewID: view.ID, Path: path, LastRun: view.LastRun}

	log := m.log.WithFields(logrus.Fields{
		"view_id": view.ID,
		"path":    path,
		"windows": len(windows),
	})

	if len(windows) == 0 {
		if path != PathInsert {
			// The backfill start is not reached yet, so the table is left as
			// it is and the view stays pending until a window fits
			log.Warn("No windows before the backfill start, postponing table creation")

			return res, nil
		}

		log.Debug("View is up to date")

		return res, nil
	}

	log.Info("Materializing view")

	spec, err := tableSpec(job.Config)
	if err != nil {
		return res, err
	}

	if path == PathRebuild {
		if err := w.Verify(ctx); err != nil {
			return res, err
		}

		if err := m.warehouse.DropTable(ctx, view.ID); err != nil {
			return res, fmt.Errorf("%w: %w", ErrExecution, err)
		}
	}

	for i, win := range windows {
		sql, err := job.Render(win)
		if err != nil {
			return res, fmt.Errorf("failed to render %s for %s: %w", view.ID, win, err)
		}

		create := i == 0 && path != PathInsert

		// Stop before writing rows once the registry lock is lost
		if err := w.Verify(ctx); err != nil {
			return res, err
		}

		rows, err := m.commit(ctx, view.ID, spec, sql, create)
		if err != nil {
			return res, err
		}

		if create {
			err = w.Restart(ctx, view.ID, win.End)
		} else {
			err = w.Advance(ctx, view.ID, win.End)
		}

		if err != nil {
			return res, err
		}

		end := win.End
		res.LastRun = &end
		res.Windows++
		res.Rows += rows

		observability.RecordWindowCommitted(view.ID, rows, float64(win.End.Unix()))

		log.WithFields(logrus.Fields{
			"window_start": win.Start.Format(window.Layout),
			"window_end":   win.End.Format(window.Layout),
			"rows":         rows,
		}).Debug("Committed window")
	}

	return res, nil
}

// commit writes one window, creating the table when create is set.
func (m *Materializer) commit(ctx context.Context, id string, spec clickhouse.TableSpec, sql string, create bool) (int, error) {
	if create {
		if err := m.warehouse.CreateTableAs(ctx, id, spec, sql); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrExecution, err)
		}

		return 0, nil
	}

	rows, err := m.warehouse.Query(ctx, sql)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExecution, err)
	}

	if len(rows) == 0 {
		return 0, nil
	}

	if err := m.warehouse.InsertRows(ctx, id, rows); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrExecution, err)
	}

	return len(rows), nil
}

func tableSpec(cfg *viewconfig.QueryConfig) (clickhouse.TableSpec, error) {
	partitionBy, err := cfg.Partitioning.PartitionBy()
	if err != nil {
		return clickhouse.TableSpec{}, err
	}

	return clickhouse.TableSpec{
		Engine:      cfg.Table.Engine,
		PartitionBy: partitionBy,
		OrderBy:     cfg.Table.OrderBy,
	}, nil
}

func copyView(v *registry.ManagedView) *registry.ManagedView {
	out := *v
	out.DependsOn = append([]string(nil), v.DependsOn...)

	return &out
}
