package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(Layout, s)
	if err != nil {
		panic(err)
	}

	return t
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name     string
		start    string
		end      string
		step     time.Duration
		expected []Window
	}{
		{
			name:  "two whole days",
			start: "2024-01-01 00:00:00",
			end:   "2024-01-03 00:00:00",
			step:  24 * time.Hour,
			expected: []Window{
				{Start: ts("2024-01-01 00:00:00"), End: ts("2024-01-02 00:00:00")},
				{Start: ts("2024-01-02 00:00:00"), End: ts("2024-01-03 00:00:00")},
			},
		},
		{
			name:  "final window shorter",
			start: "2024-01-01 00:00:00",
			end:   "2024-01-02 06:00:00",
			step:  24 * time.Hour,
			expected: []Window{
				{Start: ts("2024-01-01 00:00:00"), End: ts("2024-01-02 00:00:00")},
				{Start: ts("2024-01-02 00:00:00"), End: ts("2024-01-02 06:00:00")},
			},
		},
		{
			name:  "no interval is one window",
			start: "2024-01-01 00:00:00",
			end:   "2024-03-01 00:00:00",
			expected: []Window{
				{Start: ts("2024-01-01 00:00:00"), End: ts("2024-03-01 00:00:00")},
			},
		},
		{
			name:  "empty range",
			start: "2024-01-01 00:00:00",
			end:   "2024-01-01 00:00:00",
			step:  time.Hour,
		},
		{
			name:  "inverted range",
			start: "2024-01-02 00:00:00",
			end:   "2024-01-01 00:00:00",
			step:  time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Split(ts(tt.start), ts(tt.end), tt.step))
		})
	}
}

func TestSplit_Contiguous(t *testing.T) {
	start := ts("2024-01-01 00:00:00")
	end := ts("2024-02-10 13:17:00")

	windows := Split(start, end, 7*24*time.Hour)
	require.NotEmpty(t, windows)

	assert.Equal(t, start, windows[0].Start)
	assert.Equal(t, end, windows[len(windows)-1].End)

	for i := 1; i < len(windows); i++ {
		assert.Equal(t, windows[i-1].End, windows[i].Start)
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in       string
		expected time.Duration
		wantErr  bool
	}{
		{in: "", expected: 0},
		{in: "1h", expected: time.Hour},
		{in: "1d", expected: 24 * time.Hour},
		{in: "1w", expected: 7 * 24 * time.Hour},
		{in: "90m", expected: 90 * time.Minute},
		{in: "0d", wantErr: true},
		{in: "daily", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := ParseInterval(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidInterval)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	expected := ts("2024-01-01 00:00:00")

	for _, in := range []string{"2024-01-01 00:00:00", "2024-01-01T00:00:00Z", "2024-01-01"} {
		got, err := ParseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, expected.Equal(got), in)
	}

	_, err := ParseTimestamp("01/01/2024")
	require.ErrorIs(t, err, ErrInvalidTimestamp)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'2024-01-02 03:04:05'", Quote(ts("2024-01-02 03:04:05")))

	w := Window{Start: ts("2024-01-01 00:00:00"), End: ts("2024-01-02 00:00:00")}
	assert.Equal(t, "[2024-01-01 00:00:00, 2024-01-02 00:00:00)", w.String())
	assert.Equal(t, 24*time.Hour, w.Duration())
}
