package updater

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethpandaops/matview/internal/testutil"
	"github.com/ethpandaops/matview/pkg/clickhouse"
	"github.com/ethpandaops/matview/pkg/detector"
	"github.com/ethpandaops/matview/pkg/lock"
	"github.com/ethpandaops/matview/pkg/registry"
	"github.com/ethpandaops/matview/pkg/render"
	"github.com/ethpandaops/matview/pkg/viewconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultsDoc = `
cron_expression: "0 * * * *"
backfill:
  start_timestamp: "2024-01-01 00:00:00"
  interval: 1d
views:
  daily:
    depends_on: [analytics.raw]
  live:
    materialized: false
`

type harness struct {
	store     *testutil.MemoryStore
	warehouse *testutil.Warehouse
	reg       registry.Registry
	writer    registry.Writer
	detector  *detector.Detector
	updater   *Updater
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	_, client := testutil.NewMiniredisClient(t)
	log := testutil.NewLogger()

	h := &harness{
		store:     testutil.NewMemoryStore(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		warehouse: testutil.NewWarehouse(),
		reg:       registry.New(log, client, nil),
	}

	h.writer = h.reg.WithLock(testutil.HoldLock(t, client, lock.RegistryLock))
	h.detector = detector.New(log, h.store, h.reg, "")
	h.updater = New(log, viewconfig.NewLoader(h.store), render.New(log, nil), h.warehouse)
	h.updater.now = func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) }

	return h
}

// sync runs one detect/apply/save cycle.
func (h *harness) sync(t *testing.T) (*Result, error) {
	t.Helper()

	ctx := context.Background()

	changes, listing, err := h.detector.Detect(ctx)
	require.NoError(t, err)

	res, err := h.updater.Apply(ctx, h.reg, h.writer, changes)
	if err == nil {
		require.NoError(t, h.writer.SaveListing(ctx, listing))
	}

	return res, err
}

func (h *harness) views(t *testing.T) map[string]registry.ManagedView {
	t.Helper()

	list, err := h.reg.List(context.Background())
	require.NoError(t, err)

	out := make(map[string]registry.ManagedView, len(list))
	for _, v := range list {
		out[v.ID] = v
	}

	return out
}

func TestApply_CreatesViewsFromDefaults(t *testing.T) {
	h := newHarness(t)
	h.store.Put("analytics/defaults.yaml", defaultsDoc)
	h.store.Put("analytics/daily.sql", "SELECT * FROM analytics.raw WHERE day >= {{ .date_range_start }}")
	h.store.Put("analytics/daily.yaml", `cron_expression: "*/5 * * * *"`)
	h.store.Put("analytics/live.sql", "SELECT now()")

	_, err := h.sync(t)
	require.NoError(t, err)

	views := h.views(t)
	require.Len(t, views, 2)

	daily := views["analytics.daily"]
	assert.Equal(t, "*/5 * * * *", daily.CronExpression)
	assert.True(t, daily.Materialized)
	assert.True(t, daily.QueryModified)
	assert.Equal(t, []string{"analytics.raw"}, daily.DependsOn)

	// Plain views are created immediately and need no materialization
	live := views["analytics.live"]
	assert.Equal(t, "0 * * * *", live.CronExpression)
	assert.False(t, live.Materialized)
	assert.False(t, live.QueryModified)

	table := h.warehouse.Table("analytics.live")
	require.NotNil(t, table)
	assert.Equal(t, clickhouse.EngineView, table.Engine)
	assert.Equal(t, []string{"SELECT now()"}, table.Queries)
}

func TestApply_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.store.Put("analytics/defaults.yaml", defaultsDoc)
	h.store.Put("analytics/daily.sql", "SELECT 1")

	_, err := h.sync(t)
	require.NoError(t, err)

	first := h.views(t)

	// Nothing changed in the store, so nothing is applied
	res, err := h.sync(t)
	require.NoError(t, err)
	assert.Empty(t, res.Upserted)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, first, h.views(t))

	// Re-applying the same changes converges to the same state
	ctx := context.Background()
	changes := &detector.Changes{Modified: []detector.Change{
		{Name: "analytics/defaults.yaml", Ref: viewconfig.Classify("analytics/defaults.yaml")},
		{Name: "analytics/daily.sql", Ref: viewconfig.Classify("analytics/daily.sql")},
	}}

	_, err = h.updater.Apply(ctx, h.reg, h.writer, changes)
	require.NoError(t, err)
	_, err = h.updater.Apply(ctx, h.reg, h.writer, changes)
	require.NoError(t, err)

	assert.Equal(t, first, h.views(t))
}

func TestApply_DeletionRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.store.Put("analytics/defaults.yaml", defaultsDoc)
	h.store.Put("analytics/daily.sql", "SELECT 1")
	h.store.Put("analytics/live.sql", "SELECT 2")

	_, err := h.sync(t)
	require.NoError(t, err)
	require.Len(t, h.views(t), 2)

	h.store.Remove("analytics/live.sql")

	res, err := h.sync(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"analytics.live"}, res.Deleted)
	assert.NotContains(t, h.views(t), "analytics.live")
	assert.Nil(t, h.warehouse.Table("analytics.live"))

	// Restoring the blob brings the view back
	h.store.Put("analytics/live.sql", "SELECT 2")

	_, err = h.sync(t)
	require.NoError(t, err)
	assert.Contains(t, h.views(t), "analytics.live")
	assert.NotNil(t, h.warehouse.Table("analytics.live"))
}

func TestApply_DefaultsDeletionCascades(t *testing.T) {
	h := newHarness(t)
	h.store.Put("analytics/defaults.yaml", defaultsDoc)
	h.store.Put("analytics/daily.sql", "SELECT 1")
	h.store.Put("other/defaults.yaml", `cron_expression: "0 0 * * *"`)
	h.store.Put("other/thing.sql", "SELECT 2")

	_, err := h.sync(t)
	require.NoError(t, err)
	require.Len(t, h.views(t), 3)

	h.store.Remove("analytics/defaults.yaml")

	_, err = h.sync(t)
	require.NoError(t, err)

	views := h.views(t)
	assert.NotContains(t, views, "analytics.daily")
	assert.Contains(t, views, "other.thing")
}

func TestApply_OverrideDeletionRevertsCron(t *testing.T) {
	h := newHarness(t)
	h.store.Put("analytics/defaults.yaml", defaultsDoc)
	h.store.Put("analytics/daily.sql", "SELECT 1")
	h.store.Put("analytics/daily.yaml", `cron_expression: "*/5 * * * *"`)

	_, err := h.sync(t)
	require.NoError(t, err)
	assert.Equal(t, "*/5 * * * *", h.views(t)["analytics.daily"].CronExpression)

	h.store.Remove("analytics/daily.yaml")

	_, err = h.sync(t)
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", h.views(t)["analytics.daily"].CronExpression)
}

func TestApply_SwitchToPlainViewDropsTable(t *testing.T) {
	h := newHarness(t)
	h.store.Put("analytics/defaults.yaml", defaultsDoc)
	h.store.Put("analytics/daily.sql", "SELECT 1")

	_, err := h.sync(t)
	require.NoError(t, err)

	h.warehouse.Seed("analytics.daily", "MergeTree")

	h.store.Put("analytics/defaults.yaml", `
cron_expression: "0 * * * *"
views:
  daily:
    materialized: false
`)

	res, err := h.sync(t)
	require.NoError(t, err)
	assert.Equal(t, []string{"analytics.daily"}, res.Replaced)

	view := h.views(t)["analytics.daily"]
	assert.False(t, view.Materialized)
	assert.False(t, view.QueryModified)
	assert.Empty(t, view.DependsOn)
	assert.Equal(t, clickhouse.EngineView, h.warehouse.Table("analytics.daily").Engine)
}

func TestApply_CollectsFailures(t *testing.T) {
	h := newHarness(t)
	h.store.Put("analytics/defaults.yaml", defaultsDoc)
	h.store.Put("analytics/live.sql", "SELECT 1")
	h.store.Put("analytics/other.sql", "SELECT 2")
	h.warehouse.Fail = func(op, _ string) error {
		if op == "view" {
			return errors.New("boom")
		}

		return nil
	}

	_, err := h.sync(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, testutil.ErrWarehouseFailure)

	// The failing plain view stays flagged, the other change still applied
	views := h.views(t)
	assert.True(t, views["analytics.live"].QueryModified)
	assert.Contains(t, views, "analytics.other")

	// The listing was not saved, so the changes are seen again
	changes, _, err := h.detector.Detect(context.Background())
	require.NoError(t, err)
	assert.Len(t, changes.Modified, 3)
}

func TestApply_LockLostAborts(t *testing.T) {
	_, client := testutil.NewMiniredisClient(t)
	log := testutil.NewLogger()
	reg := registry.New(log, client, nil)
	store := testutil.NewMemoryStore(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store.Put("analytics/daily.sql", "SELECT 1")

	l := testutil.HoldLock(t, client, lock.RegistryLock)
	require.NoError(t, l.Release(context.Background()))

	u := New(log, viewconfig.NewLoader(store), render.New(log, nil), testutil.NewWarehouse())
	changes := &detector.Changes{Modified: []detector.Change{
		{Name: "analytics/daily.sql", Ref: viewconfig.Classify("analytics/daily.sql")},
	}}

	_, err := u.Apply(context.Background(), reg, reg.WithLock(l), changes)
	require.ErrorIs(t, err, registry.ErrLockNotHeld)
}
