package analyzer

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// Edge is a depends-on relation: Task must run after DependsOn.
type Edge struct {
	Task      string `json:"task"`
	DependsOn string `json:"depends_on"`
	// Declared is true when the edge came from a hint rather than an import.
	Declared bool `json:"declared"`
}

// graph holds nodes and their outgoing depends-on edges.
type graph struct {
	nodes []string
	deps  map[string]map[string]bool // task -> dependency -> declared
}

func newGraph(ids []string) *graph {
	g := &graph{nodes: append([]string(nil), ids...), deps: make(map[string]map[string]bool, len(ids))}
	sort.Strings(g.nodes)
	for _, id := range ids {
		g.deps[id] = map[string]bool{}
	}
	return g
}

// addEdge records task -> dep. A declared hint upgrades an extracted edge.
func (g *graph) addEdge(task, dep string, declared bool) {
	if task == dep {
		return
	}
	if prev, ok := g.deps[task][dep]; ok && prev {
		return
	}
	g.deps[task][dep] = declared
}

func (g *graph) removeEdge(task, dep string) {
	delete(g.deps[task], dep)
}

func (g *graph) hasEdge(task, dep string) bool {
	_, ok := g.deps[task][dep]
	return ok
}

func (g *graph) sortedDeps(task string) []string {
	out := make([]string, 0, len(g.deps[task]))
	for dep := range g.deps[task] {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

func (g *graph) edgeCount() int {
	n := 0
	for _, d := range g.deps {
		n += len(d)
	}
	return n
}

// findCycles runs a coloured DFS and returns the cycle closed by every back edge.
// Each cycle is listed in edge order: c[i] depends on c[i+1], the last on c[0].
func (g *graph) findCycles() [][]string {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(g.nodes))
	var stack []string
	var cycles [][]string

	var visit func(n string)
	visit = func(n string) {
		colour[n] = grey
		stack = append(stack, n)
		for _, dep := range g.sortedDeps(n) {
			switch colour[dep] {
			case white:
				visit(dep)
			case grey:
				start := len(stack) - 1
				for stack[start] != dep {
					start--
				}
				cycles = append(cycles, append([]string(nil), stack[start:]...))
			}
		}
		stack = stack[:len(stack)-1]
		colour[n] = black
	}
	for _, n := range g.nodes {
		if colour[n] == white {
			visit(n)
		}
	}
	return cycles
}

// verify checks acyclicity independently of the DFS.
func (g *graph) verify() error {
	edges := make([]toposort.Edge, 0, g.edgeCount()+len(g.nodes))
	for _, n := range g.nodes {
		deps := g.sortedDeps(n)
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, n})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, n})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnbreakableCycle, err)
	}
	return nil
}

// levels groups nodes into Kahn levels: every node appears after all of its dependencies.
func (g *graph) levels() ([][]string, error) {
	remaining := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		remaining[n] = len(g.deps[n])
		for dep := range g.deps[n] {
			dependents[dep] = append(dependents[dep], n)
		}
	}

	var current []string
	for _, n := range g.nodes {
		if remaining[n] == 0 {
			current = append(current, n)
		}
	}

	var out [][]string
	placed := 0
	for len(current) > 0 {
		out = append(out, current)
		placed += len(current)
		var next []string
		for _, n := range current {
			for _, d := range dependents[n] {
				remaining[d]--
				if remaining[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
	if placed != len(g.nodes) {
		return nil, domain.ErrUnbreakableCycle
	}
	return out, nil
}

// criticalPath returns the longest cost-weighted chain in execution order.
func (g *graph) criticalPath(levels [][]string, cost func(string) float64) []string {
	if len(levels) == 0 {
		return nil
	}
	dist := make(map[string]float64, len(g.nodes))
	prev := make(map[string]string, len(g.nodes))
	for _, level := range levels {
		for _, n := range level {
			best, from := 0.0, ""
			for _, dep := range g.sortedDeps(n) {
				if dist[dep] > best {
					best, from = dist[dep], dep
				}
			}
			dist[n] = best + cost(n)
			if from != "" {
				prev[n] = from
			}
		}
	}

	end := ""
	for _, n := range g.nodes {
		if end == "" || dist[n] > dist[end] {
			end = n
		}
	}
	var path []string
	for n := end; n != ""; n = prev[n] {
		path = append(path, n)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
