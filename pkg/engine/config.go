// Package engine wires the matview components into a runnable service
package engine

import (
	"errors"
	"fmt"

	"github.com/ethpandaops/matview/pkg/blobstore"
	"github.com/ethpandaops/matview/pkg/clickhouse"
	"github.com/ethpandaops/matview/pkg/coordinator"
	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/ethpandaops/matview/pkg/redis"
	"github.com/ethpandaops/matview/pkg/scheduler"
	"github.com/sirupsen/logrus"
)

// ErrInvalidLogLevel is returned when the logging level cannot be parsed
var ErrInvalidLogLevel = errors.New("invalid logging level")

// Config represents the complete engine configuration
type Config struct {
	// Core settings
	Logging         string `yaml:"logging" default:"info"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9090"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	// Dependencies
	ClickHouse clickhouse.Config `yaml:"clickhouse"`
	Redis      redis.Config      `yaml:"redis"`
	Blobstore  blobstore.Config  `yaml:"blobstore"`

	// Orchestration
	Locks       lock.Config        `yaml:"locks"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Scheduler   scheduler.Config   `yaml:"scheduler"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Logging); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidLogLevel, c.Logging)
	}

	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := c.ClickHouse.Validate(); err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}

	if err := c.Blobstore.Validate(); err != nil {
		return fmt.Errorf("blobstore: %w", err)
	}

	if err := c.Locks.Validate(); err != nil {
		return fmt.Errorf("locks: %w", err)
	}

	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	return nil
}
