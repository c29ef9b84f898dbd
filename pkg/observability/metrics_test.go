package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordWindowCommitted(t *testing.T) {
	RecordWindowCommitted("ds.metrics_test", 7, 1704153600)
	RecordWindowCommitted("ds.metrics_test", 3, 1704240000)

	assert.InDelta(t, 2, testutil.ToFloat64(WindowsCommittedTotal.WithLabelValues("ds.metrics_test")), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(RowsInsertedTotal.WithLabelValues("ds.metrics_test")), 0)
	assert.InDelta(t, 1704240000, testutil.ToFloat64(ViewLastRun.WithLabelValues("ds.metrics_test")), 0)
}

func TestRecordBlobCache(t *testing.T) {
	before := testutil.ToFloat64(BlobCacheTotal.WithLabelValues("hit"))

	RecordBlobCache(true)
	RecordBlobCache(false)

	assert.InDelta(t, before+1, testutil.ToFloat64(BlobCacheTotal.WithLabelValues("hit")), 0)
}
