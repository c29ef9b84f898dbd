package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", s)
	if err != nil {
		panic(err)
	}

	return t
}

func ptr(t time.Time) *time.Time {
	return &t
}

func TestIsDue(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		now     time.Time
		lastRun *time.Time
		want    bool
		wantErr bool
	}{
		{
			name:    "hourly, last run previous hour",
			expr:    "0 * * * *",
			now:     at("2024-01-01 12:30"),
			lastRun: ptr(at("2024-01-01 11:00")),
			want:    true,
		},
		{
			name:    "hourly, last run this hour",
			expr:    "0 * * * *",
			now:     at("2024-01-01 12:30"),
			lastRun: ptr(at("2024-01-01 12:20")),
			want:    false,
		},
		{
			name:    "next activation equal to now",
			expr:    "0 * * * *",
			now:     at("2024-01-01 13:00"),
			lastRun: ptr(at("2024-01-01 12:20")),
			want:    true,
		},
		{
			name: "never ran",
			expr: "0 0 * * *",
			now:  at("2024-01-01 12:30"),
			want: true,
		},
		{
			name:    "unscheduled",
			expr:    "",
			now:     at("2024-01-01 12:30"),
			lastRun: nil,
			want:    false,
		},
		{
			name:    "descriptor",
			expr:    "@daily",
			now:     at("2024-01-02 00:05"),
			lastRun: ptr(at("2024-01-01 00:00")),
			want:    true,
		},
		{
			name:    "invalid expression",
			expr:    "not a cron",
			now:     at("2024-01-01 12:30"),
			wantErr: true,
		},
		{
			name:    "invalid expression without last run",
			expr:    "61 * * * *",
			now:     at("2024-01-01 12:30"),
			wantErr: true,
		},
		{
			name:    "invalid expression with last run",
			expr:    "61 * * * *",
			now:     at("2024-01-01 12:30"),
			lastRun: ptr(at("2024-01-01 11:00")),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsDue(tt.expr, tt.now, tt.lastRun)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidExpression)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_Location(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*60*60)
	e := NewEvaluator(loc)

	// Midnight in UTC-3 is 03:00 UTC
	lastRun := at("2024-01-01 03:00")

	due, err := e.IsDue("0 0 * * *", at("2024-01-02 02:59"), &lastRun)
	require.NoError(t, err)
	assert.False(t, due)

	due, err = e.IsDue("0 0 * * *", at("2024-01-02 03:00"), &lastRun)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(""))
	assert.NoError(t, Validate("*/5 * * * *"))
	assert.NoError(t, Validate("@every 1h30m"))
	assert.ErrorIs(t, Validate("* * *"), ErrInvalidExpression)
}
