// Package planner releases analyzed batches into the first pipeline stage one
// batch at a time.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/stageflow/internal/analyzer"
	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// Enqueuer is the first stage queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *domain.Task) (string, error)
	Get(ctx context.Context, taskID string) (*domain.Task, error)
}

// PlanNotFoundError is returned for unknown plan ids.
type PlanNotFoundError struct {
	PlanID string
}

func (e *PlanNotFoundError) Error() string {
	return fmt.Sprintf("plan not found: %s", e.PlanID)
}

// Status is a snapshot of one plan's progress.
type Status struct {
	ID           string    `json:"id"`
	Batch        int       `json:"batch"`
	Batches      int       `json:"batches"`
	Resolved     int       `json:"resolved"`
	Total        int       `json:"total"`
	Outstanding  []string  `json:"outstanding,omitempty"`
	CriticalPath []string  `json:"critical_path,omitempty"`
	Done         bool      `json:"done"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

type plan struct {
	id        string
	batches   [][]string
	current   int
	pending   map[string]bool
	tasks     map[string]*domain.Task
	resolved  int
	critical  []string
	submitted time.Time
}

func (p *plan) done() bool { return p.current >= len(p.batches) }

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the planner logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.log = l }
}

// Planner tracks submitted plans. It is safe for concurrent use.
type Planner struct {
	queue Enqueuer
	stage string
	log   *slog.Logger

	mu    sync.Mutex
	plans map[string]*plan
	owner map[string]string
}

// New returns a planner feeding queue, whose tasks get type stage.
func New(queue Enqueuer, stage string, opts ...Option) *Planner {
	p := &Planner{
		queue: queue,
		stage: stage,
		log:   slog.Default(),
		plans: map[string]*plan{},
		owner: map[string]string{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit registers a plan and enqueues its first batch. tasks supplies the
// payload, labels and retry budget of every id in result; priorities come
// from the analysis.
func (p *Planner) Submit(ctx context.Context, result *analyzer.Result, tasks []*domain.Task) (string, error) {
	if result == nil {
		return "", errors.New("submit plan: nil analysis result")
	}
	byID := make(map[string]*domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	if err := p.checkUnqueued(ctx, result.Batches); err != nil {
		return "", err
	}

	pl := &plan{
		id:        uuid.NewString(),
		tasks:     make(map[string]*domain.Task, len(byID)),
		pending:   map[string]bool{},
		critical:  result.CriticalPath,
		submitted: time.Now().UTC(),
	}

	p.mu.Lock()
	for _, batch := range result.Batches {
		if len(batch) == 0 {
			continue
		}
		for _, id := range batch {
			src, ok := byID[id]
			if !ok {
				p.mu.Unlock()
				return "", fmt.Errorf("submit plan: batch task %s has no definition", id)
			}
			if owner, taken := p.owner[id]; taken {
				p.mu.Unlock()
				return "", fmt.Errorf("submit plan: task %s already belongs to plan %s: %w", id, owner, domain.ErrDuplicateTask)
			}
			pl.tasks[id] = p.prepare(pl.id, src, result.Priorities)
		}
		pl.batches = append(pl.batches, batch)
	}
	if len(pl.batches) == 0 {
		p.mu.Unlock()
		p.log.Info("plan submitted with no tasks", slog.String("plan_id", pl.id))
		return pl.id, nil
	}
	for id := range pl.tasks {
		p.owner[id] = pl.id
	}
	p.plans[pl.id] = pl
	release := p.stageBatch(pl)
	p.updateGauge()
	p.mu.Unlock()

	p.log.Info("plan submitted",
		slog.String("plan_id", pl.id),
		slog.Int("tasks", len(pl.tasks)),
		slog.Int("batches", len(pl.batches)),
	)
	return pl.id, p.enqueue(ctx, pl.id, release)
}

// Resolve marks a first-stage task finished and releases the next batch once
// the current one has fully resolved. A dead-lettered task resolves too, so
// the plan keeps moving. Ids not owned by any plan are ignored.
func (p *Planner) Resolve(ctx context.Context, taskID string, deadLettered bool) error {
	p.mu.Lock()
	planID, ok := p.owner[taskID]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	pl := p.plans[planID]
	if !pl.pending[taskID] {
		p.mu.Unlock()
		return nil
	}
	delete(pl.pending, taskID)
	pl.resolved++
	log := p.log.With(slog.String("plan_id", planID))
	if deadLettered {
		log.Warn("dead-lettered task resolves its batch", slog.String("task_id", taskID))
	}

	var release []*domain.Task
	batch := pl.current
	if len(pl.pending) == 0 {
		pl.current++
		if pl.done() {
			log.Info("plan fully released", slog.Int("tasks", len(pl.tasks)))
			p.forget(pl)
		} else {
			release = p.stageBatch(pl)
			batch = pl.current
		}
		p.updateGauge()
	}
	p.mu.Unlock()

	if len(release) == 0 {
		return nil
	}
	log.Info("releasing batch", slog.Int("batch", batch), slog.Int("tasks", len(release)))
	return p.enqueue(ctx, planID, release)
}

// checkUnqueued rejects a plan whose task ids still have a record in the
// first stage queue, such as a completed run inside its retention. Releasing
// such a plan would stall on the old record.
func (p *Planner) checkUnqueued(ctx context.Context, batches [][]string) error {
	for _, batch := range batches {
		for _, id := range batch {
			existing, err := p.queue.Get(ctx, id)
			var notFound *domain.TaskNotFoundError
			switch {
			case errors.As(err, &notFound):
				continue
			case err != nil:
				return fmt.Errorf("submit plan: look up %s: %w", id, err)
			}
			return fmt.Errorf("submit plan: task %s still has a %s record in the %s queue: %w",
				id, existing.State, p.stage, domain.ErrDuplicateTask)
		}
	}
	return nil
}

// Resume re-enqueues the outstanding tasks of a plan's current batch. Tasks
// that were already enqueued are skipped.
func (p *Planner) Resume(ctx context.Context, planID string) error {
	p.mu.Lock()
	pl, ok := p.plans[planID]
	if !ok {
		p.mu.Unlock()
		return &PlanNotFoundError{PlanID: planID}
	}
	var tasks []*domain.Task
	for _, id := range sortedKeys(pl.pending) {
		tasks = append(tasks, pl.tasks[id].Clone())
	}
	p.mu.Unlock()
	return p.enqueue(ctx, planID, tasks)
}

// Status returns a snapshot of plan id. Finished plans are forgotten.
func (p *Planner) Status(id string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.plans[id]
	if !ok {
		return Status{}, &PlanNotFoundError{PlanID: id}
	}
	return p.snapshot(pl), nil
}

// List returns every active plan, oldest first.
func (p *Planner) List() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.plans))
	for _, pl := range p.plans {
		out = append(out, p.snapshot(pl))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func (p *Planner) snapshot(pl *plan) Status {
	return Status{
		ID:           pl.id,
		Batch:        pl.current,
		Batches:      len(pl.batches),
		Resolved:     pl.resolved,
		Total:        len(pl.tasks),
		Outstanding:  sortedKeys(pl.pending),
		CriticalPath: pl.critical,
		Done:         pl.done(),
		SubmittedAt:  pl.submitted,
	}
}

// stageBatch marks the current batch pending and returns copies to enqueue.
// Callers hold p.mu.
func (p *Planner) stageBatch(pl *plan) []*domain.Task {
	batch := pl.batches[pl.current]
	out := make([]*domain.Task, 0, len(batch))
	for _, id := range batch {
		pl.pending[id] = true
		out = append(out, pl.tasks[id].Clone())
	}
	telemetry.PlannerBatchesReleasedTotal.Inc()
	return out
}

func (p *Planner) forget(pl *plan) {
	for id := range pl.tasks {
		delete(p.owner, id)
	}
	delete(p.plans, pl.id)
}

func (p *Planner) updateGauge() {
	telemetry.PlannerPlansActive.Set(float64(len(p.plans)))
}

func (p *Planner) prepare(planID string, src *domain.Task, priorities map[string]int) *domain.Task {
	t := src.Clone()
	t.Type = p.stage
	t.State = domain.StatePending
	if prio, ok := priorities[t.ID]; ok {
		t.Priority = prio
	}
	if t.Labels == nil {
		t.Labels = map[string]string{}
	}
	t.Labels[domain.LabelPlan] = planID
	return t
}

// enqueue pushes tasks into the first stage. A task this plan already queued
// counts as released; other failures, including a record left by someone
// else, leave it outstanding for Resume.
func (p *Planner) enqueue(ctx context.Context, planID string, tasks []*domain.Task) error {
	var errs []error
	for _, t := range tasks {
		if _, err := p.queue.Enqueue(ctx, t); err != nil {
			if errors.Is(err, domain.ErrDuplicateTask) && p.queuedBy(ctx, t.ID, planID) {
				continue
			}
			p.log.Error("enqueue planned task",
				slog.String("plan_id", planID),
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("enqueue %s: %w", t.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Planner) queuedBy(ctx context.Context, taskID, planID string) bool {
	existing, err := p.queue.Get(ctx, taskID)
	return err == nil && existing.Label(domain.LabelPlan) == planID
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
