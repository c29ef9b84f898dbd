package engine

import (
	"testing"
	"time"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/matview/pkg/blobstore"
	"github.com/ethpandaops/matview/pkg/clickhouse"
	"github.com/ethpandaops/matview/pkg/coordinator"
	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/ethpandaops/matview/pkg/redis"
	"github.com/ethpandaops/matview/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const configDoc = `
logging: debug
clickhouse:
  url: http://localhost:8123
  databasePrefix: mv_
redis:
  url: redis://localhost:6379/0
blobstore:
  type: s3
  s3:
    bucket: views
    prefix: prod/
coordinator:
  retries: 1
scheduler:
  materializeSchedule: "*/10 * * * *"
`

func loadConfig(t *testing.T, doc string) *Config {
	t.Helper()

	cfg := &Config{}
	require.NoError(t, defaults.Set(cfg))
	require.NoError(t, yaml.Unmarshal([]byte(doc), cfg))

	return cfg
}

func TestConfigDefaults(t *testing.T) {
	cfg := loadConfig(t, configDoc)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "matview", cfg.Redis.Prefix)
	assert.Equal(t, "us-east-1", cfg.Blobstore.S3.Region)
	assert.Equal(t, 256, cfg.Blobstore.CacheSize)
	assert.Equal(t, 30*time.Minute, cfg.Locks.TTL)
	assert.Equal(t, 10*time.Minute, cfg.Locks.RenewInterval)
	assert.Equal(t, 1, cfg.Coordinator.Retries)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.RetryDelay)
	assert.Equal(t, "@every 1m", cfg.Scheduler.UpdateSchedule)
	assert.Equal(t, "*/10 * * * *", cfg.Scheduler.MaterializeSchedule)
	assert.Equal(t, "mv_analytics", cfg.ClickHouse.MapDatabase("analytics"))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{name: "bad log level", mutate: func(c *Config) { c.Logging = "loud" }, wantErr: ErrInvalidLogLevel},
		{name: "no redis", mutate: func(c *Config) { c.Redis.URL = "" }, wantErr: redis.ErrURLRequired},
		{name: "no clickhouse", mutate: func(c *Config) { c.ClickHouse.URL = "" }, wantErr: clickhouse.ErrURLRequired},
		{name: "no bucket", mutate: func(c *Config) { c.Blobstore.S3.Bucket = "" }, wantErr: blobstore.ErrBucketRequired},
		{name: "no lock ttl", mutate: func(c *Config) { c.Locks.TTL = 0 }, wantErr: lock.ErrInvalidTTL},
		{name: "renew after lock expiry", mutate: func(c *Config) { c.Locks.RenewInterval = time.Hour }, wantErr: lock.ErrInvalidRenewInterval},
		{name: "bad timezone", mutate: func(c *Config) { c.Coordinator.Timezone = "Nowhere/Land" }, wantErr: coordinator.ErrInvalidTimezone},
		{name: "no concurrency", mutate: func(c *Config) { c.Scheduler.Concurrency = 0 }, wantErr: scheduler.ErrInvalidConcurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadConfig(t, configDoc)
			tt.mutate(cfg)

			require.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}
}
