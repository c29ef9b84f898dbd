package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/matview/pkg/coordinator"
	r "github.com/ethpandaops/matview/pkg/redis"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// TaskUpdatePass triggers an update pass
	TaskUpdatePass = "pass:update"
	// TaskMaterializePass triggers a materialize pass
	TaskMaterializePass = "pass:materialize"
)

// ErrScheduleRegistrationFailed is returned when a pass schedule cannot be registered
var ErrScheduleRegistrationFailed = errors.New("failed to register pass schedule")

// Service defines the public interface for the scheduler
type Service interface {
	// Start registers handlers, joins leader election and starts processing
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler service
	Stop() error
}

// Runner executes passes. coordinator.Service satisfies it.
type Runner interface {
	UpdatePass(ctx context.Context) (*coordinator.UpdateResult, error)
	MaterializePass(ctx context.Context) (*coordinator.MaterializeResult, error)
}

type service struct {
	log logrus.FieldLogger
	cfg *Config

	done chan struct{}
	wg   sync.WaitGroup

	asynqRedis *asynq.RedisClientOpt
	runner     Runner
	elector    LeaderElector

	server *asynq.Server
	mux    *asynq.ServeMux

	mu        sync.Mutex
	scheduler *asynq.Scheduler
}

// NewService creates a new scheduler service
func NewService(log logrus.FieldLogger, cfg *Config, redisOpt *redis.Options, runner Runner, elector LeaderElector) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	asynqRedis := r.NewAsynqRedisOptions(redisOpt)

	server := asynq.NewServer(asynqRedis, asynq.Config{
		Queues: map[string]int{
			cfg.Queue: 10,
		},
		Concurrency:     cfg.Concurrency,
		ShutdownTimeout: cfg.ShutdownTimeout,
		LogLevel:        asynq.WarnLevel,
	})

	return &service{
		log:        log.WithField("service", "scheduler"),
		cfg:        cfg,
		done:       make(chan struct{}),
		asynqRedis: asynqRedis,
		runner:     runner,
		elector:    elector,
		server:     server,
		mux:        asynq.NewServeMux(),
	}, nil
}

// Start initializes and starts the scheduler service
func (s *service) Start(ctx context.Context) error {
	// Any instance executes triggered passes, the leader only enqueues them
	s.mux.HandleFunc(TaskUpdatePass, s.HandleUpdatePass)
	s.mux.HandleFunc(TaskMaterializePass, s.HandleMaterializePass)

	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("failed to start task server: %w", err)
	}

	if err := s.elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start leader election: %w", err)
	}

	s.wg.Add(1)
	go s.handleLeaderElection(ctx)

	s.log.Info("Scheduler service started (participating in leader election)")

	return nil
}

// Stop gracefully shuts down the scheduler service
func (s *service) Stop() error {
	close(s.done)

	s.wg.Wait()

	s.stopScheduler()

	if err := s.elector.Stop(); err != nil {
		s.log.WithError(err).Warn("Failed to stop leader elector")
	}

	s.server.Shutdown()

	s.log.Info("Scheduler service stopped successfully")

	return nil
}

// handleLeaderElection runs the asynq scheduler while this instance leads.
func (s *service) handleLeaderElection(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-s.elector.Promoted():
			if err := s.startScheduler(); err != nil {
				s.log.WithError(err).Error("Failed to start scheduler as leader")
			}
		case <-s.elector.Demoted():
			s.log.Info("Demoted from scheduler leader")
			s.stopScheduler()
		}
	}
}

func (s *service) startScheduler() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler != nil {
		s.log.Warn("Received promotion but scheduler already running")

		return nil
	}

	// A shut down scheduler cannot be restarted, so every promotion gets a new one
	scheduler := asynq.NewScheduler(s.asynqRedis, &asynq.SchedulerOpts{
		Location: time.UTC,
		LogLevel: asynq.WarnLevel,
	})

	var errs []error

	for taskType, spec := range map[string]string{
		TaskUpdatePass:      s.cfg.UpdateSchedule,
		TaskMaterializePass: s.cfg.MaterializeSchedule,
	} {
		if err := s.registerScheduledTask(scheduler, taskType, spec); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrScheduleRegistrationFailed, errors.Join(errs...))
	}

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.scheduler = scheduler

	s.log.Info("Promoted to scheduler leader - scheduler started")

	return nil
}

func (s *service) stopScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduler == nil {
		return
	}

	s.scheduler.Shutdown()
	s.scheduler = nil
}

func (s *service) registerScheduledTask(scheduler *asynq.Scheduler, taskType, spec string) error {
	if spec == "" {
		s.log.WithField("task_type", taskType).Info("Pass disabled, no schedule configured")

		return nil
	}

	uniqueWindow := calculateUniqueWindow(spec)

	entryID, err := scheduler.Register(spec, asynq.NewTask(taskType, nil),
		asynq.Queue(s.cfg.Queue),
		asynq.Unique(uniqueWindow),
		asynq.MaxRetry(0),
		asynq.Timeout(s.cfg.TaskTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to register %s with schedule %s: %w", taskType, spec, err)
	}

	s.log.WithFields(logrus.Fields{
		"task_type":     taskType,
		"schedule":      spec,
		"unique_window": uniqueWindow.String(),
		"entry_id":      entryID,
	}).Info("Registered scheduled pass")

	return nil
}

// HandleUpdatePass runs an update pass.
func (s *service) HandleUpdatePass(ctx context.Context, _ *asynq.Task) error {
	res, err := s.runner.UpdatePass(ctx)
	if err != nil {
		return err
	}

	s.log.WithFields(logrus.Fields{
		"modified": res.Modified,
		"deleted":  res.Deleted,
	}).Debug("Handled update pass")

	return nil
}

// HandleMaterializePass runs a materialize pass. A skipped pass is not an error.
func (s *service) HandleMaterializePass(ctx context.Context, _ *asynq.Task) error {
	res, err := s.runner.MaterializePass(ctx)
	if err != nil {
		return err
	}

	if res.Skipped {
		s.log.WithField("reason", res.Reason).Debug("Materialize pass skipped")
	}

	return nil
}

// calculateUniqueWindow calculates an appropriate unique window based on the schedule
func calculateUniqueWindow(spec string) time.Duration {
	// Default for cron expressions or unparseable schedules
	const defaultWindow = 30 * time.Second

	if !strings.HasPrefix(spec, "@every ") {
		return defaultWindow
	}

	interval, err := time.ParseDuration(strings.TrimPrefix(spec, "@every "))
	if err != nil {
		return defaultWindow
	}

	// 80% of the interval, bounded to [1s, 5m]
	uniqueWindow := time.Duration(float64(interval) * 0.8)

	if uniqueWindow < time.Second {
		return time.Second
	}

	if uniqueWindow > 5*time.Minute {
		return 5 * time.Minute
	}

	return uniqueWindow
}
