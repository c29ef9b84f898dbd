// Package clickhouse provides the HTTP client and the warehouse operations
// used to maintain managed views in ClickHouse.
package clickhouse

import (
	"errors"
	"time"
)

// Static errors for configuration validation
var (
	ErrURLRequired = errors.New("URL is required")
)

// Config contains ClickHouse connection settings
type Config struct {
	URL           string        `yaml:"url"`
	Cluster       string        `yaml:"cluster"`
	QueryTimeout  time.Duration `yaml:"queryTimeout"`
	InsertTimeout time.Duration `yaml:"insertTimeout"`
	Debug         bool          `yaml:"debug"`
	KeepAlive     time.Duration `yaml:"keepAlive"`
	// DatabasePrefix is prepended to every dataset when naming physical databases
	DatabasePrefix string `yaml:"databasePrefix"`
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrURLRequired
	}

	return nil
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 5 * time.Minute
	}

	if c.InsertTimeout == 0 {
		c.InsertTimeout = 10 * time.Minute
	}

	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
}

// MapDatabase maps a dataset name to its physical database name
func (c *Config) MapDatabase(dataset string) string {
	return c.DatabasePrefix + dataset
}
