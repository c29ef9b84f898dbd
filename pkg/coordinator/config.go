package coordinator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRetries is returned when the retry count is negative
	ErrInvalidRetries = errors.New("retries must not be negative")
	// ErrInvalidRetryDelay is returned when the retry delay is negative
	ErrInvalidRetryDelay = errors.New("retry delay must not be negative")
	// ErrInvalidTimezone is returned when the timezone cannot be loaded
	ErrInvalidTimezone = errors.New("invalid timezone")
)

// Config controls how passes evaluate and run views.
type Config struct {
	// Timezone cron expressions are evaluated in
	Timezone string `yaml:"timezone" default:"UTC"`
	// Retries is how often a view is retried after a query engine failure
	Retries    int           `yaml:"retries" default:"3"`
	RetryDelay time.Duration `yaml:"retryDelay" default:"5s"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Retries < 0 {
		return ErrInvalidRetries
	}

	if c.RetryDelay < 0 {
		return ErrInvalidRetryDelay
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}

// Location returns the configured timezone, UTC when unset.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidTimezone, c.Timezone, err)
	}

	return loc, nil
}
