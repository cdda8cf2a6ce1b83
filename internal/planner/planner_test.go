package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/stageflow/internal/analyzer"
	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*domain.Task
	seen  map[string]bool
	fail  map[string]error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: map[string]bool{}, fail: map[string]error{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, t *domain.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.fail[t.ID]; err != nil {
		return "", err
	}
	if q.seen[t.ID] {
		return "", &domain.DuplicateTaskError{TaskID: t.ID}
	}
	q.seen[t.ID] = true
	q.tasks = append(q.tasks, t)
	return t.ID, nil
}

func (q *fakeQueue) Get(_ context.Context, id string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			return t.Clone(), nil
		}
	}
	return nil, &domain.TaskNotFoundError{TaskID: id}
}

// leftover stores a record that no plan released, like a finished run still
// inside its retention.
func (q *fakeQueue) leftover(id string, state domain.State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seen[id] = true
	q.tasks = append(q.tasks, &domain.Task{ID: id, State: state, Labels: map[string]string{domain.LabelPlan: "earlier"}})
}

func (q *fakeQueue) ids() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.ID)
	}
	return out
}

func (q *fakeQueue) task(id string) *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func newPlanner(q Enqueuer) *Planner {
	return New(q, "implement", WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func defs(ids ...string) []*domain.Task {
	out := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, &domain.Task{ID: id, Payload: []byte(id), MaxRetries: 2})
	}
	return out
}

func threeBatches() *analyzer.Result {
	return &analyzer.Result{
		Batches:      [][]string{{"store", "util"}, {"api"}, {"main"}},
		CriticalPath: []string{"store", "api", "main"},
		Priorities:   map[string]int{"store": 30, "util": 1, "api": 20, "main": 10},
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestPlanner_SubmitReleasesFirstBatchOnly(t *testing.T) {
	q := newFakeQueue()
	p := newPlanner(q)

	id, err := p.Submit(context.Background(), threeBatches(), defs("store", "util", "api", "main"))
	require.NoError(t, err)
	assert.Equal(t, []string{"store", "util"}, q.ids())

	store := q.task("store")
	assert.Equal(t, "implement", store.Type)
	assert.Equal(t, 30, store.Priority, "analysis priority wins")
	assert.Equal(t, id, store.Label(domain.LabelPlan))
	assert.Equal(t, domain.StatePending, store.State)

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Batch)
	assert.Equal(t, 3, st.Batches)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, []string{"store", "util"}, st.Outstanding)
}

func TestPlanner_ResolveAdvancesWhenBatchComplete(t *testing.T) {
	q := newFakeQueue()
	p := newPlanner(q)
	ctx := context.Background()
	id, err := p.Submit(ctx, threeBatches(), defs("store", "util", "api", "main"))
	require.NoError(t, err)

	require.NoError(t, p.Resolve(ctx, "store", false))
	assert.Len(t, q.ids(), 2, "util still outstanding")

	require.NoError(t, p.Resolve(ctx, "util", false))
	assert.Equal(t, []string{"store", "util", "api"}, q.ids())

	require.NoError(t, p.Resolve(ctx, "api", false))
	assert.Equal(t, []string{"store", "util", "api", "main"}, q.ids())

	require.NoError(t, p.Resolve(ctx, "main", false))
	_, err = p.Status(id)
	var nf *PlanNotFoundError
	assert.ErrorAs(t, err, &nf, "finished plans are forgotten")
	assert.Empty(t, p.List())
}

func TestPlanner_DeadLetteredTaskResolvesBatch(t *testing.T) {
	q := newFakeQueue()
	p := newPlanner(q)
	ctx := context.Background()
	_, err := p.Submit(ctx, threeBatches(), defs("store", "util", "api", "main"))
	require.NoError(t, err)

	require.NoError(t, p.Resolve(ctx, "store", true))
	require.NoError(t, p.Resolve(ctx, "util", false))
	assert.Contains(t, q.ids(), "api")
}

func TestPlanner_ResolveIsIdempotentAndIgnoresStrangers(t *testing.T) {
	q := newFakeQueue()
	p := newPlanner(q)
	ctx := context.Background()
	id, err := p.Submit(ctx, threeBatches(), defs("store", "util", "api", "main"))
	require.NoError(t, err)

	require.NoError(t, p.Resolve(ctx, "store", false))
	require.NoError(t, p.Resolve(ctx, "store", false))
	require.NoError(t, p.Resolve(ctx, "ghost", false))
	require.NoError(t, p.Resolve(ctx, "api", false), "not yet released")

	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Resolved)
	assert.Equal(t, []string{"util"}, st.Outstanding)
}

func TestPlanner_SubmitRejectsUndefinedTask(t *testing.T) {
	p := newPlanner(newFakeQueue())
	_, err := p.Submit(context.Background(), threeBatches(), defs("store", "util", "api"))
	assert.ErrorContains(t, err, "main")

	_, err = p.Submit(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestPlanner_TaskOwnedByOnePlan(t *testing.T) {
	p := newPlanner(newFakeQueue())
	ctx := context.Background()
	_, err := p.Submit(ctx, threeBatches(), defs("store", "util", "api", "main"))
	require.NoError(t, err)
	_, err = p.Submit(ctx, &analyzer.Result{Batches: [][]string{{"api"}}}, defs("api"))
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)
}

func TestPlanner_ResubmitWhileOldRecordsRetained(t *testing.T) {
	q := newFakeQueue()
	p := newPlanner(q)
	ctx := context.Background()
	res := &analyzer.Result{Batches: [][]string{{"a"}, {"b"}}}

	id, err := p.Submit(ctx, res, defs("a", "b"))
	require.NoError(t, err)
	require.NoError(t, p.Resolve(ctx, "a", false))
	require.NoError(t, p.Resolve(ctx, "b", false))
	_, err = p.Status(id)
	require.Error(t, err, "first run finished")

	_, err = p.Submit(ctx, res, defs("a", "b"))
	require.ErrorIs(t, err, domain.ErrDuplicateTask)
	assert.ErrorContains(t, err, "still has a")
	assert.Empty(t, p.List(), "a rejected plan is not tracked")
	assert.Equal(t, []string{"a", "b"}, q.ids(), "nothing new enqueued")
}

func TestPlanner_ForeignRecordBlocksLaterBatch(t *testing.T) {
	q := newFakeQueue()
	p := newPlanner(q)
	ctx := context.Background()

	id, err := p.Submit(ctx, &analyzer.Result{Batches: [][]string{{"a"}, {"b"}}}, defs("a", "b"))
	require.NoError(t, err)
	q.leftover("b", domain.StateCompleted)

	require.Error(t, p.Resolve(ctx, "a", false))
	st, err := p.Status(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, st.Outstanding, "b waits for Resume instead of counting as released")
	assert.False(t, st.Done)
}

func TestPlanner_EmptyPlan(t *testing.T) {
	q := newFakeQueue()
	p := newPlanner(q)
	id, err := p.Submit(context.Background(), &analyzer.Result{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, q.ids())
	assert.Empty(t, p.List())
}

func TestPlanner_EnqueueFailureLeavesTaskOutstanding(t *testing.T) {
	q := newFakeQueue()
	q.fail["util"] = errors.New("redis down")
	p := newPlanner(q)
	ctx := context.Background()

	id, err := p.Submit(ctx, threeBatches(), defs("store", "util", "api", "main"))
	require.Error(t, err)
	assert.Equal(t, []string{"store"}, q.ids())

	delete(q.fail, "util")
	require.NoError(t, p.Resume(ctx, id))
	assert.Equal(t, []string{"store", "util"}, q.ids(), "store skipped as duplicate")

	var nf *PlanNotFoundError
	assert.ErrorAs(t, p.Resume(ctx, "nope"), &nf)
}

func TestPlanner_ConcurrentResolve(t *testing.T) {
	q := newFakeQueue()
	p := newPlanner(q)
	ctx := context.Background()

	first := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	res := &analyzer.Result{Batches: [][]string{first, {"z"}}}
	_, err := p.Submit(ctx, res, defs(append(first, "z")...))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range first {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Resolve(ctx, id, false))
		}()
	}
	wg.Wait()

	got := q.ids()
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h", "z"}, got, "next batch released exactly once")
}

func TestPlanner_AnalyzedManifestEndToEnd(t *testing.T) {
	m, err := ParseManifest(stringsReader(`
name: shop
deployment: shop-web
tasks:
  - id: store
    path: shop/store/store.go
    source: |
      package store
  - id: api
    path: shop/api/api.go
    source: |
      package api
      import "example.com/shop/store"
`))
	require.NoError(t, err)

	result, err := analyzer.New().Analyze(context.Background(), m.AnalyzerTasks())
	require.NoError(t, err)
	tasks, err := m.QueueTasks()
	require.NoError(t, err)

	q := newFakeQueue()
	p := newPlanner(q)
	_, err = p.Submit(context.Background(), result, tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"store"}, q.ids())
	assert.Equal(t, "shop-web", q.task("store").Label(domain.LabelDeployment))

	require.NoError(t, p.Resolve(context.Background(), "store", false))
	assert.Equal(t, []string{"store", "api"}, q.ids())
}
