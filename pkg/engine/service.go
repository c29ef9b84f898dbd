package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"time"

	"github.com/ethpandaops/matview/pkg/blobstore"
	"github.com/ethpandaops/matview/pkg/clickhouse"
	"github.com/ethpandaops/matview/pkg/coordinator"
	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/ethpandaops/matview/pkg/observability"
	"github.com/ethpandaops/matview/pkg/registry"
	"github.com/ethpandaops/matview/pkg/render"
	"github.com/ethpandaops/matview/pkg/scheduler"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// PassUpdate selects the update pass for RunOnce
	PassUpdate = "update"
	// PassMaterialize selects the materialize pass for RunOnce
	PassMaterialize = "materialize"
)

// ErrUnknownPass is returned by RunOnce for an unknown pass name
var ErrUnknownPass = errors.New("unknown pass")

// Service encapsulates the matview application
type Service struct {
	config *Config
	log    *logrus.Logger

	chClient    clickhouse.ClientInterface
	coordinator coordinator.Service
	scheduler   scheduler.Service

	// Servers
	healthServer *http.Server
	pprofServer  *http.Server

	redisOptions *redis.Options
	redisClient  *redis.Client
}

// NewService wires every component from the configuration
func NewService(ctx context.Context, log *logrus.Logger, cfg *Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.ClickHouse.SetDefaults()

	redisOptions, err := cfg.Redis.Options()
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(redisOptions)

	chClient, err := clickhouse.NewClient(log, &cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("failed to setup ClickHouse client: %w", err)
	}

	store, err := blobstore.New(ctx, log, &cfg.Blobstore)
	if err != nil {
		return nil, fmt.Errorf("failed to setup blob store: %w", err)
	}

	locks := lock.NewManager(log, redisClient, &cfg.Locks, cfg.Redis.PrefixKey)

	coordinatorService, err := coordinator.NewService(log, &cfg.Coordinator, coordinator.Deps{
		Locks:     locks,
		Registry:  registry.New(log, redisClient, cfg.Redis.PrefixKey),
		Store:     store,
		Warehouse: clickhouse.NewWarehouse(log, chClient, &cfg.ClickHouse),
		Renderer:  render.New(log, cfg.ClickHouse.MapDatabase),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator service: %w", err)
	}

	schedulerCfg := cfg.Scheduler
	schedulerCfg.Queue = cfg.Redis.PrefixQueue(cfg.Scheduler.Queue)

	elector := scheduler.NewLeaderElector(log, locks, cfg.Scheduler.LeaseTTL, cfg.Scheduler.RenewInterval)

	schedulerService, err := scheduler.NewService(log, &schedulerCfg, redisOptions, coordinatorService, elector)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler service: %w", err)
	}

	return &Service{
		log:    log,
		config: cfg,

		redisOptions: redisOptions,
		redisClient:  redisClient,
		chClient:     chClient,
		coordinator:  coordinatorService,
		scheduler:    schedulerService,
	}, nil
}

// Start starts the long-running service: metrics, health, and the pass scheduler
func (a *Service) Start(ctx context.Context) error {
	a.log.Info("Starting matview engine...")

	observability.StartMetricsServer(a.log, a.config.MetricsAddr)

	if a.config.HealthCheckAddr != "" {
		a.startHealthCheck()
	}

	if a.config.PProfAddr != "" {
		a.startPProf()
	}

	if err := a.chClient.Start(); err != nil {
		return fmt.Errorf("failed to start ClickHouse client: %w", err)
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.log.Info("Matview engine started successfully")

	return nil
}

// RunOnce runs a single pass without the scheduler
func (a *Service) RunOnce(ctx context.Context, pass string) error {
	if err := a.chClient.Start(); err != nil {
		return fmt.Errorf("failed to start ClickHouse client: %w", err)
	}

	switch pass {
	case PassUpdate:
		res, err := a.coordinator.UpdatePass(ctx)
		if err != nil {
			return err
		}

		a.log.WithFields(logrus.Fields{
			"modified": res.Modified,
			"deleted":  res.Deleted,
		}).Info("Update pass finished")
	case PassMaterialize:
		res, err := a.coordinator.MaterializePass(ctx)
		if err != nil {
			return err
		}

		if res.Skipped {
			a.log.WithField("reason", res.Reason).Warn("Materialize pass skipped")

			return nil
		}

		for _, v := range res.Views {
			a.log.WithFields(logrus.Fields{
				"view_id":  v.ID,
				"status":   v.Status,
				"attempts": v.Attempts,
			}).Info("View outcome")
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownPass, pass)
	}

	return nil
}

// Stop gracefully shuts down the service
func (a *Service) Stop() error {
	a.log.Info("Shutting down matview engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopService := func(name string, stopFunc func() error) {
		if err := stopFunc(); err != nil {
			a.log.WithError(err).Errorf("Failed to stop %s", name)
		}
	}

	// Stop triggering passes first, then close what they use
	if a.scheduler != nil {
		stopService("scheduler service", a.scheduler.Stop)
	}

	if a.redisClient != nil {
		stopService("Redis client", a.redisClient.Close)
	}

	if a.healthServer != nil {
		stopService("health check server", func() error { return a.healthServer.Shutdown(ctx) })
	}

	if a.pprofServer != nil {
		stopService("pprof server", func() error { return a.pprofServer.Shutdown(ctx) })
	}

	stopService("metrics server", func() error { return observability.StopMetricsServer(ctx) })

	if a.chClient != nil {
		if err := a.chClient.Stop(); err != nil {
			a.log.WithError(err).Error("Failed to stop ClickHouse client")

			return err
		}
	}

	return nil
}

// Close releases connections after RunOnce
func (a *Service) Close() error {
	var errs []error

	if err := a.redisClient.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := a.chClient.Stop(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *Service) startHealthCheck() {
	a.log.WithField("addr", a.config.HealthCheckAddr).Info("Starting health check server")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := a.redisClient.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	a.healthServer = &http.Server{
		Addr:              a.config.HealthCheckAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Health check server failed")
		}
	}()
}

func (a *Service) startPProf() {
	a.log.WithField("addr", a.config.PProfAddr).Info("Starting pprof server")

	a.pprofServer = &http.Server{
		Addr:              a.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := a.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Pprof server failed")
		}
	}()
}
