// Package graph orders the views of a pass by their declared dependencies.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ethpandaops/matview/pkg/registry"
	"github.com/heimdalr/dag"
	"github.com/sirupsen/logrus"
)

// ErrCycleDetected is returned when the candidate views depend on each other in a cycle.
var ErrCycleDetected = errors.New("dependency cycle detected")

// Graph is the dependency graph of one pass. Edges run from a dependency to
// its dependent and only exist between views that are both in the graph.
type Graph struct {
	dag   *dag.DAG
	views map[string]registry.ManagedView
}

// Build creates the graph of the candidate views. Candidates missing from the
// registry are dropped, and dependencies that are not registered at all are
// logged as dangling.
func Build(ctx context.Context, log logrus.FieldLogger, reader registry.Reader, candidates []string) (*Graph, error) {
	log = log.WithField("component", "graph")

	g := &Graph{
		dag:   dag.NewDAG(),
		views: make(map[string]registry.ManagedView, len(candidates)),
	}

	ids := append([]string(nil), candidates...)
	sort.Strings(ids)

	for _, id := range ids {
		if _, ok := g.views[id]; ok {
			continue
		}

		view, err := reader.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if view == nil {
			log.WithField("view_id", id).Warn("Candidate view not in registry, dropping")

			continue
		}

		g.views[id] = *view

		// Store just the ID as vertex data
		if err := g.dag.AddVertexByID(id, id); err != nil {
			return nil, fmt.Errorf("failed to add vertex %s: %w", id, err)
		}
	}

	for _, id := range g.IDs() {
		for _, depID := range g.views[id].DependsOn {
			if _, ok := g.views[depID]; !ok {
				dep, err := reader.Get(ctx, depID)
				if err != nil {
					return nil, err
				}

				if dep == nil {
					log.WithFields(logrus.Fields{
						"view_id":    id,
						"dependency": depID,
					}).Warn("Dangling dependency")
				}

				continue
			}

			if err := g.addEdge(depID, id); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

func (g *Graph) addEdge(from, to string) error {
	if from == to || g.reaches(to, from) {
		return fmt.Errorf("%w: %s -> %s", ErrCycleDetected, from, to)
	}

	if err := g.dag.AddEdge(from, to); err != nil {
		return fmt.Errorf("invalid dependency %s -> %s: %w", from, to, err)
	}

	return nil
}

// reaches reports whether there is a path from one view to another.
func (g *Graph) reaches(from, to string) bool {
	descendants, err := g.dag.GetDescendants(from)
	if err != nil {
		return false
	}

	_, ok := descendants[to]

	return ok
}

// Len returns the number of views in the graph.
func (g *Graph) Len() int {
	return len(g.views)
}

// IDs returns the view IDs in the graph, sorted.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.views))
	for id := range g.views {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// View returns the registry entry a node was built from.
func (g *Graph) View(id string) (registry.ManagedView, bool) {
	v, ok := g.views[id]

	return v, ok
}

// Dependencies returns the in-graph direct dependencies of id, sorted.
func (g *Graph) Dependencies(id string) []string {
	parents, err := g.dag.GetParents(id)
	if err != nil {
		return nil
	}

	return sortedKeys(parents)
}

// Dependents returns every in-graph view that depends on id, directly or not, sorted.
func (g *Graph) Dependents(id string) []string {
	descendants, err := g.dag.GetDescendants(id)
	if err != nil {
		return nil
	}

	return sortedKeys(descendants)
}

// Order returns a topological order of the graph: every view comes after
// all of its in-graph dependencies. Ties are broken by ID.
func (g *Graph) Order() []string {
	inDegree := make(map[string]int, len(g.views))
	for _, id := range g.IDs() {
		inDegree[id] = len(g.Dependencies(id))
	}

	var ready []string

	for id, n := range inDegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.views))

	for len(ready) > 0 {
		sort.Strings(ready)

		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		children, err := g.dag.GetChildren(id)
		if err != nil {
			continue
		}

		for child := range children {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	return order
}

func sortedKeys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
