// Package scheduler triggers orchestration passes through asynq
package scheduler

import (
	"errors"
	"time"

	"github.com/ethpandaops/matview/pkg/schedule"
)

var (
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrQueueRequired is returned when no queue name is configured
	ErrQueueRequired = errors.New("queue name is required")
	// ErrInvalidLease is returned when the leader lease cannot be renewed in time
	ErrInvalidLease = errors.New("lease renew interval must be positive and shorter than the lease ttl")
)

// Config defines scheduler configuration
type Config struct {
	Concurrency int `yaml:"concurrency" default:"2"`
	// Queue is the asynq queue pass triggers are enqueued on
	Queue string `yaml:"queue" default:"passes"`
	// UpdateSchedule and MaterializeSchedule trigger the passes; empty disables one
	UpdateSchedule      string        `yaml:"updateSchedule" default:"@every 1m"`
	MaterializeSchedule string        `yaml:"materializeSchedule" default:"@every 5m"`
	ShutdownTimeout     time.Duration `yaml:"shutdownTimeout" default:"10s"`
	TaskTimeout         time.Duration `yaml:"taskTimeout" default:"30m"`
	LeaseTTL            time.Duration `yaml:"leaseTTL" default:"10s"`
	RenewInterval       time.Duration `yaml:"renewInterval" default:"3s"`
}

// Validate checks if the scheduler configuration is valid
func (c *Config) Validate() error {
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.Queue == "" {
		return ErrQueueRequired
	}

	if c.RenewInterval <= 0 || c.RenewInterval >= c.LeaseTTL {
		return ErrInvalidLease
	}

	for _, expr := range []string{c.UpdateSchedule, c.MaterializeSchedule} {
		if err := schedule.Validate(expr); err != nil {
			return err
		}
	}

	return nil
}
