// Package viewconfig defines the per-dataset defaults and per-view override
// documents stored next to each view's SQL, and merges them into the
// configuration a view is rendered and materialized with.
package viewconfig

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"dario.cat/mergo"
	"github.com/ethpandaops/matview/pkg/schedule"
	"github.com/ethpandaops/matview/pkg/window"
)

var (
	// ErrPartitionColumnRequired is returned when a partition type has no column
	ErrPartitionColumnRequired = errors.New("partitioning column is required")
	// ErrPartitionPeriodRequired is returned when a non-date partition type has no period
	ErrPartitionPeriodRequired = errors.New("partitioning period is required for non-DATE types")
)

// Partitioning selects the PARTITION BY clause of a materialized table.
type Partitioning struct {
	Column string `yaml:"column,omitempty"`
	Type   string `yaml:"type,omitempty"`
	Period string `yaml:"period,omitempty"`
}

// Backfill bounds where materialization starts and how it is chunked.
type Backfill struct {
	StartTimestamp string `yaml:"start_timestamp,omitempty"`
	Interval       string `yaml:"interval,omitempty"`
}

// Table holds the storage settings of a materialized table.
type Table struct {
	Engine  string `yaml:"engine,omitempty"`
	OrderBy string `yaml:"order_by,omitempty"`
}

// ViewEntry declares a view inside a dataset defaults document.
type ViewEntry struct {
	Materialized *bool    `yaml:"materialized,omitempty"`
	DependsOn    []string `yaml:"depends_on,omitempty"`
}

// DatasetDefaults is the <dataset>/defaults.yaml document.
type DatasetDefaults struct {
	CronExpression string               `yaml:"cron_expression,omitempty"`
	Materialized   *bool                `yaml:"materialized,omitempty"`
	Parameters     map[string]any       `yaml:"parameters,omitempty"`
	Partitioning   Partitioning         `yaml:"partitioning,omitempty"`
	Backfill       Backfill             `yaml:"backfill,omitempty"`
	Table          Table                `yaml:"table,omitempty"`
	Views          map[string]ViewEntry `yaml:"views,omitempty"`
}

// ViewOverride is the <dataset>/<view>.yaml document. Set fields win over
// the dataset defaults.
type ViewOverride struct {
	CronExpression string         `yaml:"cron_expression,omitempty"`
	Parameters     map[string]any `yaml:"parameters,omitempty"`
	Partitioning   Partitioning   `yaml:"partitioning,omitempty"`
	Backfill       Backfill       `yaml:"backfill,omitempty"`
	Table          Table          `yaml:"table,omitempty"`
}

// QueryConfig is the merged configuration of one view.
type QueryConfig struct {
	Parameters   map[string]any
	Partitioning Partitioning
	Backfill     Backfill
	Table        Table
}

// Validate checks the defaults document.
func (d *DatasetDefaults) Validate() error {
	if err := schedule.Validate(d.CronExpression); err != nil {
		return err
	}

	if _, err := window.ParseInterval(d.Backfill.Interval); err != nil {
		return err
	}

	return nil
}

// Validate checks the override document.
func (o *ViewOverride) Validate() error {
	if err := schedule.Validate(o.CronExpression); err != nil {
		return err
	}

	if _, err := window.ParseInterval(o.Backfill.Interval); err != nil {
		return err
	}

	return nil
}

// IsMaterialized resolves whether the named view is materialized: the view
// entry wins, then the dataset default, then true.
func (d *DatasetDefaults) IsMaterialized(view string) bool {
	if entry, ok := d.Views[view]; ok && entry.Materialized != nil {
		return *entry.Materialized
	}

	if d.Materialized != nil {
		return *d.Materialized
	}

	return true
}

// Cron resolves the cron expression of a view: the override wins when set.
func (d *DatasetDefaults) Cron(override *ViewOverride) string {
	if override != nil && override.CronExpression != "" {
		return override.CronExpression
	}

	return d.CronExpression
}

// Merge builds the query configuration of a view from its dataset defaults
// and optional override. Parameter maps are merged key by key.
func Merge(defaults *DatasetDefaults, override *ViewOverride) (*QueryConfig, error) {
	cfg := &QueryConfig{Parameters: map[string]any{}}

	if defaults != nil {
		cfg.Parameters = maps.Clone(defaults.Parameters)
		if cfg.Parameters == nil {
			cfg.Parameters = map[string]any{}
		}

		cfg.Partitioning = defaults.Partitioning
		cfg.Backfill = defaults.Backfill
		cfg.Table = defaults.Table
	}

	if override == nil {
		return cfg, nil
	}

	src := QueryConfig{
		Parameters:   override.Parameters,
		Partitioning: override.Partitioning,
		Backfill:     override.Backfill,
		Table:        override.Table,
	}

	if err := mergo.Merge(cfg, src, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge view override: %w", err)
	}

	return cfg, nil
}

//nolint:gochecknoglobals // fixed alias table
var partitionFuncs = map[string]string{
	"DATE":  "toDate",
	"DAY":   "toYYYYMMDD",
	"MONTH": "toYYYYMM",
	"YEAR":  "toYear",
	"HOUR":  "toStartOfHour",
}

// PartitionBy renders the PARTITION BY expression, "" when unpartitioned.
// Type is either one of DATE, DAY, MONTH, YEAR, HOUR or a ClickHouse function
// applied as type(column[, period]).
func (p Partitioning) PartitionBy() (string, error) {
	if p.Type == "" {
		return "", nil
	}

	if p.Column == "" {
		return "", ErrPartitionColumnRequired
	}

	if fn, ok := partitionFuncs[strings.ToUpper(p.Type)]; ok {
		return fmt.Sprintf("%s(%s)", fn, p.Column), nil
	}

	if p.Period == "" {
		return "", fmt.Errorf("%w: %s", ErrPartitionPeriodRequired, p.Type)
	}

	return fmt.Sprintf("%s(%s, %s)", p.Type, p.Column, p.Period), nil
}
