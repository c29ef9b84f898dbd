// Package coordinator runs the update and materialize passes under the
// cluster-wide locks.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/matview/pkg/blobstore"
	"github.com/ethpandaops/matview/pkg/detector"
	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/ethpandaops/matview/pkg/materializer"
	"github.com/ethpandaops/matview/pkg/observability"
	"github.com/ethpandaops/matview/pkg/registry"
	"github.com/ethpandaops/matview/pkg/render"
	"github.com/ethpandaops/matview/pkg/schedule"
	"github.com/ethpandaops/matview/pkg/updater"
	"github.com/ethpandaops/matview/pkg/viewconfig"
	"github.com/sirupsen/logrus"
)

const (
	passUpdate      = "update"
	passMaterialize = "materialize"
)

// Warehouse is everything the passes do against the query engine.
type Warehouse interface {
	materializer.Warehouse
	updater.Warehouse
}

// Service runs orchestration passes.
type Service interface {
	// UpdatePass syncs the registry with the blob store
	UpdatePass(ctx context.Context) (*UpdateResult, error)
	// MaterializePass brings every due materialized view up to date
	MaterializePass(ctx context.Context) (*MaterializeResult, error)
}

// Deps are the collaborators of the service.
type Deps struct {
	Locks      lock.Manager
	Registry   registry.Registry
	Store      blobstore.Store
	BlobPrefix string
	Warehouse  Warehouse
	Renderer   *render.Renderer
}

// UpdateResult reports an update pass.
type UpdateResult struct {
	Modified int
	Deleted  int
	Applied  *updater.Result
}

type service struct {
	log       logrus.FieldLogger
	cfg       *Config
	locks     lock.Manager
	registry  registry.Registry
	loader    *viewconfig.Loader
	renderer  *render.Renderer
	detector  *detector.Detector
	updater   *updater.Updater
	mat       *materializer.Materializer
	evaluator *schedule.Evaluator

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates the coordinator service.
func NewService(log logrus.FieldLogger, cfg *Config, deps Deps) (Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	log = log.WithField("component", "coordinator")
	loader := viewconfig.NewLoader(deps.Store)

	return &service{
		log:       log,
		cfg:       cfg,
		locks:     deps.Locks,
		registry:  deps.Registry,
		loader:    loader,
		renderer:  deps.Renderer,
		detector:  detector.New(log, deps.Store, deps.Registry, deps.BlobPrefix),
		updater:   updater.New(log, loader, deps.Renderer, deps.Warehouse),
		mat:       materializer.New(log, deps.Warehouse),
		evaluator: schedule.NewEvaluator(loc),
		now:       time.Now,
		sleep:     sleep,
	}, nil
}

// UpdatePass waits for the registry lock, applies blob changes and stores
// the new listing. The listing is only stored when every change applied, so
// failed changes are picked up again by the next pass.
func (s *service) UpdatePass(ctx context.Context) (*UpdateResult, error) {
	start := time.Now()
	res := &UpdateResult{}

	err := s.locks.Do(ctx, lock.ModeSerialize, func(ctx context.Context, locks []*lock.Lock) error {
		w := s.registry.WithLock(locks[0])

		changes, listing, err := s.detector.Detect(ctx)
		if err != nil {
			return err
		}

		res.Modified = len(changes.Modified)
		res.Deleted = len(changes.Deleted)

		applied, err := s.updater.Apply(ctx, s.registry, w, changes)
		res.Applied = applied

		if err != nil {
			return err
		}

		return w.SaveListing(ctx, listing)
	}, lock.RegistryLock)

	duration := time.Since(start)

	if err != nil {
		observability.RecordPass(passUpdate, "failed", duration.Seconds())
		observability.RecordError("coordinator", "update_pass")

		s.log.WithError(err).Error("Update pass failed")

		return res, fmt.Errorf("update pass failed: %w", err)
	}

	observability.RecordPass(passUpdate, "succeeded", duration.Seconds())

	s.log.WithFields(logrus.Fields{
		"modified": res.Modified,
		"deleted":  res.Deleted,
		"duration": duration,
	}).Info("Update pass completed")

	return res, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
