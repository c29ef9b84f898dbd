// Package schedule decides whether a managed view is due for recomputation.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned for cron expressions that cannot be parsed.
var ErrInvalidExpression = errors.New("invalid cron expression")

// Validate checks a cron expression. The empty expression is valid and means
// the view is unscheduled.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}

	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidExpression, expr, err)
	}

	return nil
}

// Evaluator evaluates cron expressions in a fixed location.
type Evaluator struct {
	loc *time.Location
}

// NewEvaluator creates an evaluator for the given location, UTC when nil.
func NewEvaluator(loc *time.Location) *Evaluator {
	if loc == nil {
		loc = time.UTC
	}

	return &Evaluator{loc: loc}
}

// Next returns the first activation of expr strictly after t.
func (e *Evaluator) Next(expr string, t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %w", ErrInvalidExpression, expr, err)
	}

	return sched.Next(t.In(e.loc)), nil
}

// IsDue reports whether a view last run at lastRun should run at now. A view
// that never ran is due; an unscheduled view never is.
func (e *Evaluator) IsDue(expr string, now time.Time, lastRun *time.Time) (bool, error) {
	if expr == "" {
		return false, nil
	}

	if lastRun == nil {
		if err := Validate(expr); err != nil {
			return false, err
		}

		return true, nil
	}

	next, err := e.Next(expr, *lastRun)
	if err != nil {
		return false, err
	}

	return !next.After(now), nil
}

// IsDue evaluates in UTC.
func IsDue(expr string, now time.Time, lastRun *time.Time) (bool, error) {
	return NewEvaluator(time.UTC).IsDue(expr, now, lastRun)
}
