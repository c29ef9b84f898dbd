// Package render turns a view's SQL template into the query executed for one
// date range window.
//
// Templates use text/template with the sprig function set. Dependencies that
// are materialized in the same run are rendered for the same window and
// inlined as subqueries, so a view never reads a dependency table that is
// still behind.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/ethpandaops/matview/pkg/viewconfig"
	"github.com/ethpandaops/matview/pkg/viewid"
	"github.com/ethpandaops/matview/pkg/window"
	"github.com/sirupsen/logrus"
)

// ErrInlineCycle is returned when inlined dependencies reference each other.
var ErrInlineCycle = errors.New("dependency inlining cycle")

// Source is a view's template and configuration.
type Source struct {
	ID        string
	Query     string
	Config    *viewconfig.QueryConfig
	DependsOn []string
}

// Request asks for one view rendered for one window.
type Request struct {
	Source *Source
	Window window.Window
	// Inline holds the sources of dependencies materialized in the same run
	Inline map[string]*Source
}

// Result is a rendered query.
type Result struct {
	SQL string
	// Substitutions counts inlined occurrences per dependency
	Substitutions map[string]int
}

// Renderer renders view templates.
type Renderer struct {
	log         logrus.FieldLogger
	funcMap     template.FuncMap
	mapDatabase func(string) string
}

// New creates a renderer. mapDatabase maps a dataset to its physical
// database name, identity when nil.
func New(log logrus.FieldLogger, mapDatabase func(string) string) *Renderer {
	if mapDatabase == nil {
		mapDatabase = func(s string) string { return s }
	}

	return &Renderer{
		log:         log.WithField("component", "renderer"),
		funcMap:     sprig.TxtFuncMap(),
		mapDatabase: mapDatabase,
	}
}

// Render renders req.Source for req.Window, inlining any in-run dependencies.
func (r *Renderer) Render(req Request) (*Result, error) {
	res := &Result{Substitutions: map[string]int{}}

	sql, err := r.render(req.Source, req.Window, req.Inline, map[string]bool{}, res)
	if err != nil {
		return nil, err
	}

	res.SQL = sql

	return res, nil
}

// Template renders the template alone, without inlining.
func (r *Renderer) Template(src *Source, w window.Window) (string, error) {
	return r.execute(src, r.Variables(src, w))
}

// Variables builds the template variables of src for window w. Reserved
// names win over parameters of the same name.
func (r *Renderer) Variables(src *Source, w window.Window) map[string]any {
	vars := map[string]any{}

	if src.Config != nil {
		maps.Copy(vars, src.Config.Parameters)
	}

	dataset, view, _ := viewid.Parse(src.ID)

	vars["self"] = map[string]any{
		"id":       src.ID,
		"dataset":  dataset,
		"database": r.mapDatabase(dataset),
		"table":    view,
	}
	vars["window"] = map[string]any{
		"start": w.Start,
		"end":   w.End,
	}
	vars["date_range_start"] = window.Quote(w.Start)
	vars["date_range_end"] = window.Quote(w.End)

	return vars
}

func (r *Renderer) render(src *Source, w window.Window, inline map[string]*Source, visiting map[string]bool, res *Result) (string, error) {
	if visiting[src.ID] {
		return "", fmt.Errorf("%w: %s", ErrInlineCycle, src.ID)
	}

	visiting[src.ID] = true
	defer delete(visiting, src.ID)

	sql, err := r.execute(src, r.Variables(src, w))
	if err != nil {
		return "", err
	}

	deps := slices.Clone(src.DependsOn)
	slices.Sort(deps)

	for _, depID := range slices.Compact(deps) {
		dep, ok := inline[depID]
		if !ok {
			continue
		}

		depSQL, err := r.render(dep, w, inline, visiting, res)
		if err != nil {
			return "", fmt.Errorf("failed to render dependency %s of %s: %w", depID, src.ID, err)
		}

		var n int

		sql, n = r.substitute(sql, depID, depSQL)
		res.Substitutions[depID] += n

		fields := logrus.Fields{
			"view_id":     src.ID,
			"dependency":  depID,
			"occurrences": n,
		}

		if n == 0 {
			r.log.WithFields(fields).Warn("In-run dependency not referenced by query")
		} else {
			r.log.WithFields(fields).Debug("Inlined dependency")
		}
	}

	return sql, nil
}

func (r *Renderer) execute(src *Source, vars map[string]any) (string, error) {
	tmpl, err := template.New(src.ID).Funcs(r.funcMap).Option("missingkey=error").Parse(src.Query)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", src.ID, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", src.ID, err)
	}

	return strings.TrimRight(strings.TrimSpace(buf.String()), ";"), nil
}

// substitute replaces every reference to depID, by logical or physical name
// and with or without backticks, with (replacement).
func (r *Renderer) substitute(sql, depID, replacement string) (string, int) {
	dataset, table, err := viewid.Parse(depID)
	if err != nil {
		return sql, 0
	}

	total := 0

	for _, db := range slices.Compact([]string{dataset, r.mapDatabase(dataset)}) {
		var n int

		sql, n = replaceQualified(sql, db, table, "("+replacement+")")
		total += n
	}

	return sql, total
}

func replaceQualified(sql, database, table, replacement string) (string, int) {
	re := regexp.MustCompile("`?" + regexp.QuoteMeta(database) + "`?\\.`?" + regexp.QuoteMeta(table) + "`?")

	var (
		out  strings.Builder
		last int
		n    int
	)

	for _, loc := range re.FindAllStringIndex(sql, -1) {
		start, end := loc[0], loc[1]

		if start > 0 && isNameByte(sql[start-1]) {
			continue
		}

		if end < len(sql) && isNameByte(sql[end]) {
			continue
		}

		out.WriteString(sql[last:start])
		out.WriteString(replacement)
		last = end
		n++
	}

	if n == 0 {
		return sql, 0
	}

	out.WriteString(sql[last:])

	return out.String(), n
}

// isNameByte reports whether b can continue a qualified identifier.
func isNameByte(b byte) bool {
	return b == '_' || b == '.' || b == '`' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
