package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*domain.Task
	ids   map[string]bool
	err   error
}

func newFakeQueue() *fakeQueue { return &fakeQueue{ids: map[string]bool{}} }

func (q *fakeQueue) Enqueue(_ context.Context, t *domain.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	if q.ids[t.ID] {
		return "", &domain.DuplicateTaskError{TaskID: t.ID}
	}
	q.ids[t.ID] = true
	q.tasks = append(q.tasks, t)
	return t.ID, nil
}

func (q *fakeQueue) all() []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.Task(nil), q.tasks...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) kinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EventKind
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

type recordingMetrics struct {
	mu      sync.Mutex
	samples []domain.MetricSample
}

func (m *recordingMetrics) Broadcast(_ context.Context, s domain.MetricSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
}

type recordingResolver struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingResolver) Resolve(_ context.Context, id string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

// ── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	router *Router
	queues map[string]*fakeQueue
	stop   func()
}

func startRouter(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	queues := map[string]*fakeQueue{}
	enqueuers := map[string]Enqueuer{}
	for _, stage := range append(append([]string(nil), cfg.Stages...), cfg.FixStage) {
		q := newFakeQueue()
		queues[stage] = q
		enqueuers[stage] = q
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	r, err := New(cfg, enqueuers, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx) //nolint:errcheck
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return &harness{router: r, queues: queues, stop: stop}
}

func (h *harness) publish(t *testing.T, ev domain.Event) {
	t.Helper()
	require.NoError(t, h.router.Publish(context.Background(), ev))
}

func task(id, stage string) *domain.Task {
	return &domain.Task{ID: id, Type: stage, Payload: []byte("src"), Priority: 3, MaxRetries: 2}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestRouter_FileCompletedMovesToNextStage(t *testing.T) {
	h := startRouter(t, DefaultConfig())
	h.publish(t, domain.Event{Kind: domain.EventFileCompleted, Task: task("a.go", "implement"), Stage: "implement", Result: []byte("generated")})
	h.stop()

	got := h.queues["verify"].all()
	require.Len(t, got, 1)
	assert.Equal(t, "a.go>verify", got[0].ID)
	assert.Equal(t, "verify", got[0].Type)
	assert.Equal(t, []byte("generated"), got[0].Payload)
	assert.Equal(t, "a.go", got[0].OriginTaskID)
	assert.Equal(t, 3, got[0].Priority)
}

func TestRouter_LastStageIsDeployReady(t *testing.T) {
	var deployed []string
	var mu sync.Mutex
	sink := &recordingSink{}
	h := startRouter(t, DefaultConfig(), WithEventSink(sink), WithDeploy(func(_ context.Context, ev domain.Event) error {
		mu.Lock()
		defer mu.Unlock()
		deployed = append(deployed, ev.TaskID())
		return nil
	}))

	h.publish(t, domain.Event{Kind: domain.EventFileCompleted, Task: task("a.go>deploy", "deploy"), Stage: "deploy"})
	h.stop()

	assert.Equal(t, []string{"a.go>deploy"}, deployed)
	assert.ElementsMatch(t, []domain.EventKind{domain.EventDeployReady, domain.EventFileCompleted}, sink.kinds())
	for stage, q := range h.queues {
		assert.Empty(t, q.all(), "nothing enqueued into %s", stage)
	}
}

func TestRouter_QAFailedFirstTimeSchedulesFix(t *testing.T) {
	h := startRouter(t, DefaultConfig())
	h.publish(t, domain.Event{Kind: domain.EventQAFailed, Task: task("a.go>verify", "verify"), Stage: "verify", Issues: "2 failing tests"})
	h.stop()

	got := h.queues["fix"].all()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].FixAttempts)
	assert.Equal(t, "2 failing tests", got[0].Label(domain.LabelIssues))
	assert.Empty(t, h.queues["deploy"].all())
}

func TestRouter_QAFailedAfterFixShipsWithKnownIssues(t *testing.T) {
	h := startRouter(t, DefaultConfig())
	tk := task("a.go>verify>fix>verify", "verify")
	tk.FixAttempts = 1
	h.publish(t, domain.Event{Kind: domain.EventQAFailed, Task: tk, Stage: "verify", Issues: "still failing"})
	h.stop()

	assert.Empty(t, h.queues["fix"].all())
	got := h.queues["deploy"].all()
	require.Len(t, got, 1)
	assert.True(t, got[0].KnownIssues)
	assert.Equal(t, 1, got[0].FixAttempts)
}

func TestRouter_FixCompletedGoesToDeploy(t *testing.T) {
	h := startRouter(t, DefaultConfig())
	tk := task("a.go>verify>fix", "fix")
	tk.FixAttempts = 1
	h.publish(t, domain.Event{Kind: domain.EventFixCompleted, Task: tk, Stage: "fix"})
	h.stop()

	assert.Empty(t, h.queues["verify"].all())
	require.Len(t, h.queues["deploy"].all(), 1)
}

func TestRouter_VerifyAfterFixNeverLoops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VerifyAfterFix = true
	h := startRouter(t, cfg)
	ctx := context.Background()

	// verify fails, gets fixed, is verified again and fails again.
	require.NoError(t, h.router.Observe(ctx, domain.Outcome{Task: task("a.go>verify", "verify"), QAFailed: true, Issues: "bad"}))
	require.Eventually(t, func() bool { return len(h.queues["fix"].all()) == 1 }, time.Second, 5*time.Millisecond)
	fix := h.queues["fix"].all()[0]

	require.NoError(t, h.router.Observe(ctx, domain.Outcome{Task: fix}))
	require.Eventually(t, func() bool { return len(h.queues["verify"].all()) == 1 }, time.Second, 5*time.Millisecond)
	reverify := h.queues["verify"].all()[0]
	assert.Equal(t, "a.go>verify>fix>verify", reverify.ID)
	assert.Equal(t, 1, reverify.FixAttempts)

	require.NoError(t, h.router.Observe(ctx, domain.Outcome{Task: reverify, QAFailed: true, Issues: "bad again"}))
	h.stop()
	assert.Len(t, h.queues["fix"].all(), 1, "no second fix cycle")
	shipped := h.queues["deploy"].all()
	require.Len(t, shipped, 1)
	assert.True(t, shipped[0].KnownIssues)
}

func TestRouter_DeadLetterEscalatesAndResolves(t *testing.T) {
	var escalated []string
	var mu sync.Mutex
	escalate := func(_ context.Context, tk *domain.Task) error {
		mu.Lock()
		defer mu.Unlock()
		escalated = append(escalated, tk.ID)
		return nil
	}
	failing := func(context.Context, *domain.Task) error { return errors.New("kafka down") }
	res := &recordingResolver{}

	h := startRouter(t, DefaultConfig(), WithEscalation(escalate, failing, escalate), WithResolver(res))
	require.NoError(t, h.router.Observe(context.Background(), domain.Outcome{
		Task: task("a.go", "implement"), Err: errors.New("boom"), DeadLettered: true,
	}))
	h.stop()

	assert.Equal(t, []string{"a.go", "a.go"}, escalated, "a failing escalation does not stop the others")
	assert.Equal(t, []string{"a.go"}, res.ids)
}

func TestRouter_FirstStageCompletionResolves(t *testing.T) {
	res := &recordingResolver{}
	h := startRouter(t, DefaultConfig(), WithResolver(res))
	h.publish(t, domain.Event{Kind: domain.EventFileCompleted, Task: task("a.go", "implement"), Stage: "implement"})
	h.publish(t, domain.Event{Kind: domain.EventFileCompleted, Task: task("a.go>verify", "verify"), Stage: "verify"})
	h.stop()
	assert.Equal(t, []string{"a.go"}, res.ids)
}

func TestRouter_DuplicateDeliveryRoutedOnce(t *testing.T) {
	h := startRouter(t, DefaultConfig())
	ev := domain.Event{Kind: domain.EventFileCompleted, Task: task("a.go", "implement"), Stage: "implement"}
	h.publish(t, ev)
	h.publish(t, ev)
	h.stop()
	assert.Len(t, h.queues["verify"].all(), 1)
}

func TestRouter_PerTaskOrderPreserved(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lanes = 4
	var mu sync.Mutex
	seen := map[string][]int{}

	queues := map[string]Enqueuer{}
	for _, s := range append(cfg.Stages, cfg.FixStage) {
		queues[s] = newFakeQueue()
	}
	r, err := New(cfg, queues, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	r.Subscribe(domain.EventFileCompleted, func(_ context.Context, ev domain.Event) error {
		n, _ := strconv.Atoi(string(ev.Result))
		mu.Lock()
		defer mu.Unlock()
		seen[ev.TaskID()] = append(seen[ev.TaskID()], n)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); r.Run(ctx) }() //nolint:errcheck

	var wg sync.WaitGroup
	for p := 0; p < 5; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			id := fmt.Sprintf("task-%d", p)
			for i := 0; i < 100; i++ {
				err := r.Publish(context.Background(), domain.Event{
					Kind: domain.EventFileCompleted, Task: task(id, "implement"), Stage: "implement",
					Result: []byte(strconv.Itoa(i)),
				})
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()
	cancel()
	<-done

	require.Len(t, seen, 5)
	for id, seq := range seen {
		require.Len(t, seq, 100, id)
		for i, n := range seq {
			assert.Equal(t, i, n, "%s out of order", id)
		}
	}
}

func TestRouter_ObserveMapping(t *testing.T) {
	sink := &recordingSink{}
	metrics := &recordingMetrics{}
	h := startRouter(t, DefaultConfig(), WithEventSink(sink), WithMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, h.router.Observe(ctx, domain.Outcome{Task: task("a", "implement")}))
	require.NoError(t, h.router.Observe(ctx, domain.Outcome{Task: task("b", "fix")}))
	require.NoError(t, h.router.Observe(ctx, domain.Outcome{Task: task("c", "verify"), QAFailed: true}))
	require.NoError(t, h.router.Observe(ctx, domain.Outcome{Task: task("d", "implement"), Err: errors.New("retrying")}))
	require.NoError(t, h.router.Observe(ctx, domain.Outcome{Task: task("e", "implement"), Err: errors.New("gone"), DeadLettered: true}))
	h.stop()

	assert.ElementsMatch(t, []domain.EventKind{
		domain.EventFileCompleted, domain.EventFixCompleted, domain.EventQAFailed, domain.EventTaskDeadLettered,
	}, sink.kinds())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	require.Len(t, metrics.samples, 4)
	for _, s := range metrics.samples {
		assert.Equal(t, domain.MetricTaskProgress, s.Type)
		assert.NotEmpty(t, s.Tags["task_id"])
	}
}

func TestRouter_EnqueueErrorIsNotFatal(t *testing.T) {
	h := startRouter(t, DefaultConfig())
	h.queues["verify"].err = errors.New("redis down")
	h.publish(t, domain.Event{Kind: domain.EventFileCompleted, Task: task("a", "implement"), Stage: "implement"})
	h.publish(t, domain.Event{Kind: domain.EventQAFailed, Task: task("b", "verify"), Stage: "verify"})
	h.stop()
	assert.Len(t, h.queues["fix"].all(), 1)
}

func TestRouter_PublishAfterStop(t *testing.T) {
	h := startRouter(t, DefaultConfig())
	h.stop()
	err := h.router.Publish(context.Background(), domain.Event{Kind: domain.EventFileCompleted, Task: task("a", "implement")})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRouter_PublishRejectsEventWithoutTask(t *testing.T) {
	h := startRouter(t, DefaultConfig())
	assert.Error(t, h.router.Publish(context.Background(), domain.Event{Kind: domain.EventFileCompleted}))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Stages = nil
	var cfgErr *domain.ConfigError
	require.True(t, errors.As(cfg.Validate(), &cfgErr))
	assert.Equal(t, "router.stages", cfgErr.Field)

	cfg = DefaultConfig()
	cfg.VerifyAfterFix = true
	cfg.VerifyStage = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Lanes = 0
	assert.Error(t, cfg.Validate())
}

func TestRouter_LaneIsStablePerTask(t *testing.T) {
	r, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("t-%d", i)
		assert.Equal(t, r.laneFor(id), r.laneFor(id))
	}
}

func TestEventFor_RetriedAttemptProducesNothing(t *testing.T) {
	_, ok := EventFor(domain.Outcome{Task: &domain.Task{ID: "a", Type: "implement"}, Err: errors.New("502")}, "fix")
	assert.False(t, ok)

	_, ok = EventFor(domain.Outcome{}, "fix")
	assert.False(t, ok)

	ev, ok := EventFor(domain.Outcome{Task: &domain.Task{ID: "a>fix", Type: "fix"}}, "fix")
	require.True(t, ok)
	assert.Equal(t, domain.EventFixCompleted, ev.Kind)
	assert.Equal(t, "fix", ev.Stage)
}
