package registry

import (
	"slices"
	"time"

	"github.com/ethpandaops/matview/pkg/viewid"
)

// ManagedView is the registry entry for one derived view.
type ManagedView struct {
	ID string `json:"id"`
	// CronExpression is empty for unscheduled views
	CronExpression string     `json:"cron_expression"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	Materialized   bool       `json:"materialized"`
	QueryModified  bool       `json:"query_modified"`
	// DependsOn may name views that are not registered
	DependsOn []string `json:"depends_on,omitempty"`
}

// Dataset returns the dataset part of the view ID.
func (v *ManagedView) Dataset() string {
	return viewid.Dataset(v.ID)
}

// Patch holds the fields to change in an Upsert. Nil fields are left as they
// are; a non-nil empty DependsOn clears the dependency list.
type Patch struct {
	CronExpression *string
	Materialized   *bool
	QueryModified  *bool
	DependsOn      []string
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.CronExpression == nil && p.Materialized == nil && p.QueryModified == nil && p.DependsOn == nil
}

func (p Patch) apply(v *ManagedView) (changed bool) {
	if p.CronExpression != nil && *p.CronExpression != v.CronExpression {
		v.CronExpression = *p.CronExpression
		changed = true
	}

	if p.Materialized != nil && *p.Materialized != v.Materialized {
		v.Materialized = *p.Materialized
		changed = true
	}

	if p.QueryModified != nil && *p.QueryModified != v.QueryModified {
		v.QueryModified = *p.QueryModified
		changed = true
	}

	if p.DependsOn != nil {
		deps := dedupe(p.DependsOn)
		if !slices.Equal(deps, v.DependsOn) {
			v.DependsOn = deps
			changed = true
		}
	}

	return changed
}

// Listing is the blob listing observed by the last successful update pass.
type Listing struct {
	// Cursor is the newest modification time seen
	Cursor  time.Time            `json:"cursor"`
	Objects map[string]time.Time `json:"objects"`
}

// dedupe keeps the first occurrence of each dependency, preserving order.
func dedupe(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))

	for _, d := range deps {
		if _, ok := seen[d]; ok {
			continue
		}

		seen[d] = struct{}{}
		out = append(out, d)
	}

	return out
}

// String returns a pointer to s, for building patches.
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }
