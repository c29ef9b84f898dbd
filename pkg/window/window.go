// Package window splits a date range into the fixed-size windows a view is
// materialized in.
package window

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/common/model"
)

// Layout is the timestamp format used in view configuration and rendered queries.
const Layout = "2006-01-02 15:04:05"

var (
	// ErrInvalidInterval is returned when a backfill interval cannot be parsed
	ErrInvalidInterval = errors.New("invalid window interval")
	// ErrInvalidTimestamp is returned when a timestamp cannot be parsed
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// Window is the half-open range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(Layout), w.End.UTC().Format(Layout))
}

// Split cuts [start, end) into consecutive windows of length step. The final
// window is shorter when the range is not a multiple of step. A non-positive
// step yields a single window; an empty range yields none.
func Split(start, end time.Time, step time.Duration) []Window {
	if !start.Before(end) {
		return nil
	}

	if step <= 0 {
		return []Window{{Start: start, End: end}}
	}

	windows := make([]Window, 0, int(end.Sub(start)/step)+1)

	for cursor := start; cursor.Before(end); {
		next := cursor.Add(step)
		if next.After(end) {
			next = end
		}

		windows = append(windows, Window{Start: cursor, End: next})
		cursor = next
	}

	return windows
}

// ParseInterval parses intervals such as "1h", "1d" or "1w". An empty string
// means no chunking and returns zero.
func ParseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := model.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrInvalidInterval, s, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%w %q: must be positive", ErrInvalidInterval, s)
	}

	return time.Duration(d), nil
}

// ParseTimestamp parses a configured timestamp as UTC. It accepts Layout,
// RFC 3339 and plain dates.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{Layout, time.RFC3339, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

// Quote formats t for direct substitution into SQL.
func Quote(t time.Time) string {
	return "'" + t.UTC().Format(Layout) + "'"
}
