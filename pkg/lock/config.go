package lock

import (
	"errors"
	"time"
)

var (
	// ErrInvalidTTL is returned when the lock TTL is not positive
	ErrInvalidTTL = errors.New("lock ttl must be positive")
	// ErrInvalidRetryInterval is returned when the retry interval is not positive
	ErrInvalidRetryInterval = errors.New("lock retry interval must be positive")
	// ErrInvalidRenewInterval is returned when locks would not be renewed before they expire
	ErrInvalidRenewInterval = errors.New("lock renew interval must be shorter than the ttl")
)

// Config configures lock acquisition for both modes.
type Config struct {
	// TTL bounds how long a crashed holder can block others
	TTL time.Duration `yaml:"ttl" default:"30m"`
	// ProbeWait is how long a probe acquisition waits before reporting the lock as held
	ProbeWait time.Duration `yaml:"probeWait" default:"1s"`
	// AcquireTimeout is how long a serialize acquisition waits in total
	AcquireTimeout time.Duration `yaml:"acquireTimeout" default:"10m"`
	RetryInterval  time.Duration `yaml:"retryInterval" default:"250ms"`
	// RenewInterval is how often Do extends the locks it holds, TTL/3 when unset
	RenewInterval time.Duration `yaml:"renewInterval" default:"10m"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.TTL <= 0 {
		return ErrInvalidTTL
	}

	if c.RetryInterval <= 0 {
		return ErrInvalidRetryInterval
	}

	if c.RenewInterval < 0 || c.RenewInterval >= c.TTL {
		return ErrInvalidRenewInterval
	}

	return nil
}

func (c *Config) renewInterval() time.Duration {
	if c.RenewInterval > 0 {
		return c.RenewInterval
	}

	return c.TTL / 3
}

// Options returns the acquisition options for the given mode.
func (c *Config) Options(mode Mode) Options {
	wait := c.AcquireTimeout
	if mode == ModeProbe {
		wait = c.ProbeWait
	}

	return Options{
		TTL:           c.TTL,
		Wait:          wait,
		RetryInterval: c.RetryInterval,
	}
}
