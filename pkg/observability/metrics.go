package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// PassesTotal tracks update and materialize passes by outcome
	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_passes_total",
			Help: "Total number of coordinator passes",
		},
		[]string{"pass", "status"}, // status: success, failed, skipped
	)

	// PassDuration measures pass duration in seconds
	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matview_pass_duration_seconds",
			Help:    "Coordinator pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27m
		},
		[]string{"pass", "status"},
	)

	// ViewRunsTotal tracks materialization attempts per view
	ViewRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_view_runs_total",
			Help: "Total number of view materialization runs",
		},
		[]string{"view", "path", "status"},
	)

	// WindowsCommittedTotal tracks windows written per view
	WindowsCommittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_windows_committed_total",
			Help: "Total number of date range windows committed",
		},
		[]string{"view"},
	)

	// RowsInsertedTotal tracks rows bulk inserted per view
	RowsInsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_rows_inserted_total",
			Help: "Total number of rows inserted into materialized tables",
		},
		[]string{"view"},
	)

	// ViewLastRun tracks the registry last_run of each view
	ViewLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "matview_view_last_run_timestamp",
			Help: "Last committed window end (unix timestamp)",
		},
		[]string{"view"},
	)

	// RegistryChangesTotal tracks blob changes applied by the update pass
	RegistryChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_registry_changes_total",
			Help: "Total number of blob changes applied to the registry",
		},
		[]string{"kind", "action"}, // action: modified, deleted
	)

	// ClickHouseQueriesTotal tracks queries sent to ClickHouse
	ClickHouseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_clickhouse_queries_total",
			Help: "Total number of ClickHouse queries executed",
		},
		[]string{"operation", "status"},
	)

	// ClickHouseQueryDuration measures ClickHouse query duration
	ClickHouseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matview_clickhouse_query_duration_seconds",
			Help:    "ClickHouse query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"operation"},
	)

	// LockAcquisitionsTotal tracks lock attempts by outcome
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_lock_acquisitions_total",
			Help: "Total number of distributed lock acquisition attempts",
		},
		[]string{"lock", "result"}, // result: acquired, held, error
	)

	// BlobCacheTotal tracks blob content cache lookups
	BlobCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_blob_cache_total",
			Help: "Total number of blob content cache lookups",
		},
		[]string{"result"}, // result: hit, miss
	)

	// ErrorsTotal tracks errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matview_errors_total",
			Help: "Total number of errors by component",
		},
		[]string{"component", "error_type"},
	)
)

// RecordPass records the outcome of a coordinator pass
func RecordPass(pass, status string, duration float64) {
	PassesTotal.WithLabelValues(pass, status).Inc()
	PassDuration.WithLabelValues(pass, status).Observe(duration)
}

// RecordViewRun records a materialization attempt
func RecordViewRun(view, path, status string) {
	ViewRunsTotal.WithLabelValues(view, path, status).Inc()
}

// RecordWindowCommitted records a committed window and the new last run
func RecordWindowCommitted(view string, rows int, lastRun float64) {
	WindowsCommittedTotal.WithLabelValues(view).Inc()
	RowsInsertedTotal.WithLabelValues(view).Add(float64(rows))
	ViewLastRun.WithLabelValues(view).Set(lastRun)
}

// RecordRegistryChange records a blob change applied to the registry
func RecordRegistryChange(kind, action string) {
	RegistryChangesTotal.WithLabelValues(kind, action).Inc()
}

// RecordClickHouseQuery records ClickHouse query metrics
func RecordClickHouseQuery(operation, status string, duration float64) {
	ClickHouseQueriesTotal.WithLabelValues(operation, status).Inc()
	ClickHouseQueryDuration.WithLabelValues(operation).Observe(duration)
}

// RecordLockAcquisition records a lock acquisition attempt
func RecordLockAcquisition(lock, result string) {
	LockAcquisitionsTotal.WithLabelValues(lock, result).Inc()
}

// RecordBlobCache records a blob cache lookup
func RecordBlobCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	BlobCacheTotal.WithLabelValues(result).Inc()
}

// RecordError records an error occurrence
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
