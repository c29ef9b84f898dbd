package render

import (
	"testing"
	"time"

	"github.com/ethpandaops/matview/pkg/viewconfig"
	"github.com/ethpandaops/matview/pkg/window"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRenderer(mapDatabase func(string) string) *Renderer {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return New(log, mapDatabase)
}

func testWindow() window.Window {
	return window.Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestRender_Variables(t *testing.T) {
	r := newTestRenderer(func(s string) string { return "dev_" + s })

	src := &Source{
		ID: "analytics.daily",
		Query: `SELECT * FROM {{ .source_table }}
WHERE ts >= {{ .date_range_start }} AND ts < {{ .date_range_end }}
AND '{{ .self.database }}.{{ .self.table }}' != ''
AND toDate('{{ .window.start.Format "2006-01-02" }}') < today()
LIMIT {{ .limit | default 10 }};`,
		Config: &viewconfig.QueryConfig{
			Parameters: map[string]any{
				"source_table":     "raw.events",
				"date_range_start": "ignored",
				"limit":            50,
			},
		},
	}

	res, err := r.Render(Request{Source: src, Window: testWindow()})
	require.NoError(t, err)

	assert.Equal(t, `SELECT * FROM raw.events
WHERE ts >= '2024-01-01 00:00:00' AND ts < '2024-01-02 00:00:00'
AND 'dev_analytics.daily' != ''
AND toDate('2024-01-01') < today()
LIMIT 50`, res.SQL)
	assert.Empty(t, res.Substitutions)
}

func TestRender_MissingVariable(t *testing.T) {
	r := newTestRenderer(nil)

	_, err := r.Render(Request{
		Source: &Source{ID: "ds.v", Query: "SELECT {{ .undefined_param }}"},
		Window: testWindow(),
	})
	require.Error(t, err)

	_, err = r.Render(Request{
		Source: &Source{ID: "ds.v", Query: "SELECT {{ .broken "},
		Window: testWindow(),
	})
	require.Error(t, err)
}

func TestRender_InlinesInRunDependencies(t *testing.T) {
	r := newTestRenderer(nil)

	raw := &Source{
		ID:    "analytics.raw",
		Query: "SELECT * FROM events WHERE ts >= {{ .date_range_start }}",
	}
	filtered := &Source{
		ID:        "analytics.filtered",
		Query:     "SELECT * FROM analytics.raw WHERE ok",
		DependsOn: []string{"analytics.raw"},
	}
	report := &Source{
		ID: "analytics.report",
		Query: `SELECT a.x FROM analytics.filtered AS a
JOIN ` + "`analytics`.`filtered`" + ` AS b ON a.id = b.id
JOIN analytics.filtered_archive AS c ON a.id = c.id
JOIN other.table AS d ON a.id = d.id`,
		DependsOn: []string{"analytics.filtered", "other.table", "analytics.filtered"},
	}

	res, err := r.Render(Request{
		Source: report,
		Window: testWindow(),
		Inline: map[string]*Source{
			"analytics.raw":      raw,
			"analytics.filtered": filtered,
		},
	})
	require.NoError(t, err)

	inner := "(SELECT * FROM (SELECT * FROM events WHERE ts >= '2024-01-01 00:00:00') WHERE ok)"

	assert.Equal(t, `SELECT a.x FROM `+inner+` AS a
JOIN `+inner+` AS b ON a.id = b.id
JOIN analytics.filtered_archive AS c ON a.id = c.id
JOIN other.table AS d ON a.id = d.id`, res.SQL)
	assert.Equal(t, map[string]int{"analytics.filtered": 2, "analytics.raw": 1}, res.Substitutions)
}

func TestRender_InlinesPhysicalName(t *testing.T) {
	r := newTestRenderer(func(s string) string { return "dev_" + s })

	res, err := r.Render(Request{
		Source: &Source{
			ID:        "ds.b",
			Query:     "SELECT * FROM {{ .self.database }}.a UNION ALL SELECT * FROM ds.a",
			DependsOn: []string{"ds.a"},
		},
		Window: testWindow(),
		Inline: map[string]*Source{"ds.a": {ID: "ds.a", Query: "SELECT 1"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "SELECT * FROM (SELECT 1) UNION ALL SELECT * FROM (SELECT 1)", res.SQL)
	assert.Equal(t, 2, res.Substitutions["ds.a"])
}

func TestRender_InlineCycle(t *testing.T) {
	r := newTestRenderer(nil)

	a := &Source{ID: "ds.a", Query: "SELECT * FROM ds.b", DependsOn: []string{"ds.b"}}
	b := &Source{ID: "ds.b", Query: "SELECT * FROM ds.a", DependsOn: []string{"ds.a"}}

	_, err := r.Render(Request{
		Source: a,
		Window: testWindow(),
		Inline: map[string]*Source{"ds.a": a, "ds.b": b},
	})
	require.ErrorIs(t, err, ErrInlineCycle)
}

func TestReplaceQualified(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
		n    int
	}{
		{name: "plain", sql: "FROM ds.v", want: "FROM X", n: 1},
		{name: "backticks", sql: "FROM `ds`.`v` t", want: "FROM X t", n: 1},
		{name: "prefix collision", sql: "FROM myds.v", want: "FROM myds.v"},
		{name: "suffix collision", sql: "FROM ds.v2", want: "FROM ds.v2"},
		{name: "column reference", sql: "SELECT ds.v.col", want: "SELECT ds.v.col"},
		{name: "adjacent punctuation", sql: "(ds.v),ds.v\nds.v", want: "(X),X\nX", n: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n := replaceQualified(tt.sql, "ds", "v", "X")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.n, n)
		})
	}
}
