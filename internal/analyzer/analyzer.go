// Package analyzer builds the dependency graph of a set of planned tasks and
// orders them into parallel batches.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// DefaultCriticalPathBoost is the per-position priority boost on the critical path.
const DefaultCriticalPathBoost = 10

// Task is one planned unit of work to analyze.
type Task struct {
	ID        string
	Path      string
	Source    []byte
	DependsOn []string
	Priority  int
	// Cost weights the critical path; zero means 1.
	Cost float64
}

// Result is the outcome of an analysis.
type Result struct {
	// Batches are in execution order; tasks within a batch are independent.
	Batches      [][]string          `json:"batches"`
	CriticalPath []string            `json:"critical_path"`
	Cycles       [][]string          `json:"cycles,omitempty"`
	BrokenEdges  []Edge              `json:"broken_edges,omitempty"`
	Priorities   map[string]int      `json:"priorities"`
	Dependencies map[string][]string `json:"dependencies"`
}

// Order flattens the batches.
func (r *Result) Order() []string {
	var out []string
	for _, b := range r.Batches {
		out = append(out, b...)
	}
	return out
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger used for warnings.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.log = l }
}

// WithCriticalPathBoost overrides DefaultCriticalPathBoost.
func WithCriticalPathBoost(boost int) Option {
	return func(a *Analyzer) { a.boost = boost }
}

// Analyzer is stateless between calls and safe for concurrent use.
type Analyzer struct {
	log   *slog.Logger
	boost int
}

// New returns an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{log: slog.Default(), boost: DefaultCriticalPathBoost}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze extracts dependencies, breaks cycles and computes batches, the critical
// path and effective priorities. Only duplicate ids, cancellation and an
// unbreakable cycle are errors.
func (a *Analyzer) Analyze(ctx context.Context, tasks []Task) (*Result, error) {
	res := &Result{Priorities: map[string]int{}, Dependencies: map[string][]string{}}
	if len(tasks) == 0 {
		return res, nil
	}

	byID := make(map[string]*Task, len(tasks))
	ids := make([]string, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("analyze: duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}

	extracted, err := a.extractAll(ctx, tasks)
	if err != nil {
		return nil, err
	}

	g := newGraph(ids)
	for i, t := range tasks {
		for _, dep := range extracted[i] {
			g.addEdge(t.ID, dep, false)
		}
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				a.log.Warn("ignoring dependency on unknown task",
					slog.String("task_id", t.ID),
					slog.String("depends_on", dep),
				)
				continue
			}
			g.addEdge(t.ID, dep, true)
		}
	}

	if err := a.breakCycles(g, byID, res); err != nil {
		return nil, err
	}
	if err := g.verify(); err != nil {
		return nil, err
	}
	levels, err := g.levels()
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		res.Priorities[id] = byID[id].Priority
		res.Dependencies[id] = g.sortedDeps(id)
	}
	res.CriticalPath = g.criticalPath(levels, func(id string) float64 {
		if c := byID[id].Cost; c > 0 {
			return c
		}
		return 1
	})
	n := len(res.CriticalPath)
	for i, id := range res.CriticalPath {
		res.Priorities[id] += a.boost * (n - i)
	}

	for _, level := range levels {
		batch := append([]string(nil), level...)
		sort.SliceStable(batch, func(i, j int) bool {
			pi, pj := res.Priorities[batch[i]], res.Priorities[batch[j]]
			if pi != pj {
				return pi > pj
			}
			return batch[i] < batch[j]
		})
		res.Batches = append(res.Batches, batch)
	}
	return res, nil
}

// extractAll parses every task's source in parallel. Extraction problems only
// cost the task its extracted edges.
func (a *Analyzer) extractAll(ctx context.Context, tasks []Task) ([][]string, error) {
	r := newResolver(tasks)
	out := make([][]string, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range tasks {
		t := tasks[i]
		if t.Path == "" || len(t.Source) == 0 {
			continue
		}
		g.Go(func() error {
			imports, err := ExtractImports(gctx, t.Path, t.Source)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.log.Warn("import extraction failed",
					slog.String("task_id", t.ID),
					slog.String("path", t.Path),
					slog.String("error", err.Error()),
				)
				return nil
			}
			seen := map[string]bool{}
			for _, imp := range imports {
				for _, dep := range r.resolve(t.Path, imp) {
					if dep != t.ID && !seen[dep] {
						seen[dep] = true
						out[i] = append(out[i], dep)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	return out, nil
}

// breakCycles removes the weakest edge of every reported cycle until none remain.
func (a *Analyzer) breakCycles(g *graph, byID map[string]*Task, res *Result) error {
	reported := map[string]bool{}
	for budget := g.edgeCount() + 1; ; budget-- {
		cycles := g.findCycles()
		if len(cycles) == 0 {
			return nil
		}
		if budget == 0 {
			return fmt.Errorf("analyze: %w", domain.ErrUnbreakableCycle)
		}

		removed := 0
		for _, cycle := range cycles {
			if key := cycleKey(cycle); !reported[key] {
				reported[key] = true
				res.Cycles = append(res.Cycles, cycle)
			}
			weakest, ok := weakestEdge(g, cycle, byID)
			if !ok {
				continue // an earlier removal already broke this cycle
			}
			g.removeEdge(weakest.Task, weakest.DependsOn)
			res.BrokenEdges = append(res.BrokenEdges, weakest)
			removed++
			telemetry.AnalyzerEdgesBrokenTotal.Inc()
			a.log.Warn("breaking dependency cycle",
				slog.Any("cycle", cycle),
				slog.String("task_id", weakest.Task),
				slog.String("depends_on", weakest.DependsOn),
				slog.Bool("declared", weakest.Declared),
			)
		}
		if removed == 0 {
			return fmt.Errorf("analyze: %w", domain.ErrUnbreakableCycle)
		}
	}
}

// weakestEdge picks the lowest-priority edge of the cycle, or false if an edge is gone.
func weakestEdge(g *graph, cycle []string, byID map[string]*Task) (Edge, bool) {
	var best Edge
	bestScore := 0
	for i, from := range cycle {
		to := cycle[(i+1)%len(cycle)]
		if !g.hasEdge(from, to) {
			return Edge{}, false
		}
		e := Edge{Task: from, DependsOn: to, Declared: g.deps[from][to]}
		score := byID[from].Priority + byID[to].Priority
		if i == 0 || edgeLess(e, score, best, bestScore) {
			best, bestScore = e, score
		}
	}
	return best, true
}

// edgeLess orders edges for removal: lower priority sum first, extracted before
// declared, then lexically.
func edgeLess(a Edge, as int, b Edge, bs int) bool {
	if as != bs {
		return as < bs
	}
	if a.Declared != b.Declared {
		return !a.Declared
	}
	if a.Task != b.Task {
		return a.Task < b.Task
	}
	return a.DependsOn < b.DependsOn
}

// cycleKey rotates the cycle to its smallest id so rediscoveries are not reported twice.
func cycleKey(cycle []string) string {
	start := 0
	for i, id := range cycle {
		if id < cycle[start] {
			start = i
		}
	}
	var b strings.Builder
	for i := range cycle {
		b.WriteString(cycle[(start+i)%len(cycle)])
		b.WriteByte(0)
	}
	return b.String()
}
