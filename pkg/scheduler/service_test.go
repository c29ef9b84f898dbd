package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethpandaops/matview/internal/testutil"
	"github.com/ethpandaops/matview/pkg/coordinator"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockPass = errors.New("pass failed")

type mockRunner struct {
	updates      int
	materializes int
	updateErr    error
	materialize  *coordinator.MaterializeResult
}

func (m *mockRunner) UpdatePass(_ context.Context) (*coordinator.UpdateResult, error) {
	m.updates++

	if m.updateErr != nil {
		return nil, m.updateErr
	}

	return &coordinator.UpdateResult{Modified: 1}, nil
}

func (m *mockRunner) MaterializePass(_ context.Context) (*coordinator.MaterializeResult, error) {
	m.materializes++

	if m.materialize == nil {
		return &coordinator.MaterializeResult{}, nil
	}

	return m.materialize, nil
}

type mockElector struct {
	promoted chan struct{}
	demoted  chan struct{}
}

func (m *mockElector) Start(context.Context) error { return nil }
func (m *mockElector) Stop() error                 { return nil }
func (m *mockElector) IsLeader() bool              { return false }
func (m *mockElector) Promoted() <-chan struct{}   { return m.promoted }
func (m *mockElector) Demoted() <-chan struct{}    { return m.demoted }

func validConfig() *Config {
	return &Config{
		Concurrency:         2,
		Queue:               "passes",
		UpdateSchedule:      "@every 1m",
		MaterializeSchedule: "*/5 * * * *",
		ShutdownTimeout:     time.Second,
		TaskTimeout:         time.Minute,
		LeaseTTL:            10 * time.Second,
		RenewInterval:       3 * time.Second,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "disabled pass", mutate: func(c *Config) { c.MaterializeSchedule = "" }},
		{name: "no queue", mutate: func(c *Config) { c.Queue = "" }, wantErr: ErrQueueRequired},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: ErrInvalidConcurrency},
		{name: "renew not shorter than lease", mutate: func(c *Config) { c.RenewInterval = c.LeaseTTL }, wantErr: ErrInvalidLease},
		{name: "zero renew", mutate: func(c *Config) { c.RenewInterval = 0 }, wantErr: ErrInvalidLease},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	cfg := validConfig()
	cfg.UpdateSchedule = "every minute"
	require.Error(t, cfg.Validate())
}

func TestNewService_InvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Concurrency = -1

	svc, err := NewService(testutil.NewLogger(), cfg, &redis.Options{Addr: "localhost:6379"}, &mockRunner{}, &mockElector{})
	require.ErrorIs(t, err, ErrInvalidConcurrency)
	assert.Nil(t, svc)
}

func TestHandlers(t *testing.T) {
	ctx := context.Background()
	runner := &mockRunner{}

	svc, err := NewService(testutil.NewLogger(), validConfig(), &redis.Options{Addr: "localhost:6379"}, runner, &mockElector{})
	require.NoError(t, err)

	s := svc.(*service)

	require.NoError(t, s.HandleUpdatePass(ctx, asynq.NewTask(TaskUpdatePass, nil)))
	assert.Equal(t, 1, runner.updates)

	runner.updateErr = errMockPass
	require.ErrorIs(t, s.HandleUpdatePass(ctx, asynq.NewTask(TaskUpdatePass, nil)), errMockPass)

	// Skipped passes are not failures
	runner.materialize = &coordinator.MaterializeResult{Skipped: true, Reason: "lock is held"}
	require.NoError(t, s.HandleMaterializePass(ctx, asynq.NewTask(TaskMaterializePass, nil)))
	assert.Equal(t, 1, runner.materializes)
}

func TestCalculateUniqueWindow(t *testing.T) {
	tests := []struct {
		schedule string
		want     time.Duration
	}{
		{schedule: "@every 1m", want: 48 * time.Second},
		{schedule: "@every 500ms", want: time.Second},
		{schedule: "@every 1h", want: 5 * time.Minute},
		{schedule: "*/5 * * * *", want: 30 * time.Second},
		{schedule: "@every nonsense", want: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			assert.Equal(t, tt.want, calculateUniqueWindow(tt.schedule))
		})
	}
}
