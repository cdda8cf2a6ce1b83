package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// ── helpers ────────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{withClock(clock.Now), WithPollInterval(5 * time.Millisecond)}, opts...)
	return NewQueue(client, "implement", opts...), clock
}

func mustEnqueue(t *testing.T, q *Queue, id string, priority int) {
	t.Helper()
	_, err := q.Enqueue(context.Background(), &domain.Task{ID: id, Priority: priority, Payload: []byte(`{}`)})
	require.NoError(t, err)
}

func mustDequeue(t *testing.T, q *Queue) *domain.Task {
	t.Helper()
	task, err := q.Dequeue(context.Background(), "w-1", 0)
	require.NoError(t, err)
	require.NotNil(t, task, "expected a task to be available")
	return task
}

// ── enqueue / dequeue ──────────────────────────────────────────────────────────

func TestQueue_PriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t)

	mustEnqueue(t, q, "T1", 5)
	mustEnqueue(t, q, "T2", 10)
	mustEnqueue(t, q, "T3", 5)

	assert.Equal(t, "T2", mustDequeue(t, q).ID)
	assert.Equal(t, "T1", mustDequeue(t, q).ID)
	assert.Equal(t, "T3", mustDequeue(t, q).ID)
}

func TestQueue_EnqueueGeneratesIDAndDefaults(t *testing.T) {
	q, _ := newTestQueue(t, WithDefaultMaxRetries(4))

	id, err := q.Enqueue(context.Background(), &domain.Task{
		Payload: []byte(`{"path":"a.go"}`),
		Labels:  map[string]string{domain.LabelPath: "a.go"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, "implement", got.Type)
	assert.Equal(t, 4, got.MaxRetries)
	assert.Equal(t, "a.go", got.Label(domain.LabelPath))
	assert.JSONEq(t, `{"path":"a.go"}`, string(got.Payload))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestQueue_ClampsPriority(t *testing.T) {
	q, _ := newTestQueue(t)

	mustEnqueue(t, q, "low", -10)
	mustEnqueue(t, q, "high", PriorityMax*3)

	first := mustDequeue(t, q)
	assert.Equal(t, "high", first.ID)
	assert.Equal(t, PriorityMax, first.Priority)
	assert.Equal(t, 0, mustDequeue(t, q).Priority)
}

func TestQueue_DuplicateRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	mustEnqueue(t, q, "T1", 1)

	_, err := q.Enqueue(context.Background(), &domain.Task{ID: "T1", Priority: 9})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateTask)
}

func TestQueue_ReplacePendingOnly(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, "T1", 1)

	_, err := q.Replace(ctx, &domain.Task{ID: "T1", Priority: 9, Payload: []byte(`"v2"`)})
	require.NoError(t, err)

	got := mustDequeue(t, q)
	assert.Equal(t, 9, got.Priority)
	assert.Equal(t, `"v2"`, string(got.Payload))

	_, err = q.Replace(ctx, &domain.Task{ID: "T1"})
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "replacing a claimed task must fail, got %v", err)
	assert.Equal(t, domain.StateProcessing, invalid.From)
}

func TestQueue_DequeueMarksProcessing(t *testing.T) {
	q, clock := newTestQueue(t)
	mustEnqueue(t, q, "T1", 1)

	task, err := q.Dequeue(context.Background(), "worker-7", 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, domain.StateProcessing, task.State)
	assert.Equal(t, "worker-7", task.WorkerID)
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, clock.Now().UnixMilli(), task.StartedAt.UnixMilli())
}

func TestQueue_DequeueTimeoutOnEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	start := time.Now()
	task, err := q.Dequeue(context.Background(), "w-1", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestQueue_DequeueHonoursCancellation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx, "w-1", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_DequeueWaitsForLateEnqueue(t *testing.T) {
	q, _ := newTestQueue(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Enqueue(context.Background(), &domain.Task{ID: "late"})
	}()

	task, err := q.Dequeue(context.Background(), "w-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "late", task.ID)
}

func TestQueue_NoDoubleClaimUnderConcurrency(t *testing.T) {
	q, _ := newTestQueue(t)
	const n = 60
	for i := 0; i < n; i++ {
		mustEnqueue(t, q, fmt.Sprintf("task-%02d", i), i%7)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := q.Dequeue(context.Background(), worker, 0)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[task.ID]; dup {
					t.Errorf("task %s claimed by %s and %s", task.ID, prev, worker)
				}
				seen[task.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w-%d", w))
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

// ── complete / fail ────────────────────────────────────────────────────────────

func TestQueue_Complete(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, "T1", 1)
	mustDequeue(t, q)

	require.NoError(t, q.Complete(ctx, "T1", "w-1", domain.Result{Output: []byte(`{"ok":true}`)}))

	got, err := q.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)

	err = q.Complete(ctx, "T1", "w-1", domain.Result{})
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid), "completed tasks are immutable")
	assert.Equal(t, domain.StateCompleted, invalid.From)

	err = q.Complete(ctx, "missing", "w-1", domain.Result{})
	var notFound *domain.TaskNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestQueue_CompleteRequiresClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	mustEnqueue(t, q, "T1", 1)

	err := q.Complete(context.Background(), "T1", "w-1", domain.Result{})
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, domain.StatePending, invalid.From)
}

func TestQueue_RetryScheduleThenDeadLetter(t *testing.T) {
	base := time.Second
	q, clock := newTestQueue(t, WithBackoff(base, time.Minute))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &domain.Task{ID: "T1", Priority: 10, MaxRetries: 2})
	require.NoError(t, err)

	// first failure: retry_count 0 -> 1, delay base*2
	mustDequeue(t, q)
	res, err := q.Fail(ctx, "T1", "w-1", errors.New("boom 1"), true)
	require.NoError(t, err)
	assert.False(t, res.DeadLettered)
	assert.Equal(t, 2*base, res.Delay)
	assert.Equal(t, domain.StateFailed, res.Task.State)
	assert.Equal(t, 1, res.Task.RetryCount)
	assert.Equal(t, 9, res.Task.Priority, "each retry costs one priority point")

	// not due yet, but still counted as pending work
	task, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	assert.Nil(t, task)
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	clock.Advance(2 * base)
	task = mustDequeue(t, q)
	assert.Equal(t, "T1", task.ID)
	assert.Equal(t, 1, task.RetryCount)

	// second failure: delay base*4
	res, err = q.Fail(ctx, "T1", "w-1", errors.New("boom 2"), true)
	require.NoError(t, err)
	assert.Equal(t, 4*base, res.Delay)
	assert.Equal(t, 2, res.Task.RetryCount)

	clock.Advance(4 * base)
	mustDequeue(t, q)

	// third failure exhausts the budget
	res, err = q.Fail(ctx, "T1", "w-1", errors.New("boom 3"), true)
	require.NoError(t, err)
	assert.True(t, res.DeadLettered)
	assert.Equal(t, domain.StateDeadLetter, res.Task.State)
	assert.Equal(t, 2, res.Task.RetryCount)
	assert.Equal(t, "boom 3", res.Task.Error)

	history, err := q.History(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "boom 1", history[0].Error)
	assert.True(t, history[0].Retried)
	assert.False(t, history[2].Retried)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "T1", dead[0].ID)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DeadLetter)
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, int64(0), stats.Pending)
}

func TestQueue_FailNotRetryableDeadLettersImmediately(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, "T1", 1)
	mustDequeue(t, q)

	res, err := q.Fail(ctx, "T1", "w-1", domain.Permanent(errors.New("bad input")), false)
	require.NoError(t, err)
	assert.True(t, res.DeadLettered)
	assert.Equal(t, 0, res.Task.RetryCount)
}

func TestQueue_FailRequiresProcessing(t *testing.T) {
	q, _ := newTestQueue(t)
	mustEnqueue(t, q, "T1", 1)

	_, err := q.Fail(context.Background(), "T1", "w-1", errors.New("x"), true)
	var invalid *domain.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
}

func TestQueue_ReleaseKeepsRetryBudget(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, "T1", 3)
	mustDequeue(t, q)

	require.NoError(t, q.Release(ctx, "T1", "w-1", 500*time.Millisecond))

	task, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	assert.Nil(t, task, "released task waits out its delay")

	clock.Advance(500 * time.Millisecond)
	task = mustDequeue(t, q)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, 3, task.Priority)
}

func TestQueue_RequeueDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, "T1", 2)
	mustDequeue(t, q)
	_, err := q.Fail(ctx, "T1", "w-1", errors.New("fatal"), false)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, "T1"))

	task := mustDequeue(t, q)
	assert.Equal(t, "T1", task.ID)
	assert.Equal(t, 0, task.RetryCount)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)

	err = q.Requeue(ctx, "T1")
	var invalid *domain.InvalidTransitionError
	assert.True(t, errors.As(err, &invalid), "only dead-lettered tasks can be requeued")
}

// ── maintenance ────────────────────────────────────────────────────────────────

func TestQueue_ReapExpired(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, "stuck", 1)
	mustEnqueue(t, q, "fresh", 1)
	mustDequeue(t, q)

	clock.Advance(10 * time.Minute)
	mustDequeue(t, q)

	n, err := q.ReapExpired(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuck, err := q.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, stuck.State)
	assert.Equal(t, 1, stuck.RetryCount)

	fresh, err := q.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessing, fresh.State)
}

func TestQueue_StaleWorkerCannotReportAfterReap(t *testing.T) {
	q, clock := newTestQueue(t, WithBackoff(time.Second, time.Second))
	ctx := context.Background()
	mustEnqueue(t, q, "T1", 1)

	_, err := q.Dequeue(ctx, "w-slow", 0)
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	n, err := q.ReapExpired(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	clock.Advance(time.Second)
	task, err := q.Dequeue(ctx, "w-new", 0)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "w-new", task.WorkerID)

	err = q.Complete(ctx, "T1", "w-slow", domain.Result{Output: []byte("stale")})
	var lost *domain.ClaimLostError
	require.True(t, errors.As(err, &lost), "got %v", err)
	assert.Equal(t, "w-new", lost.Owner)
	assert.ErrorIs(t, err, domain.ErrClaimLost)

	_, err = q.Fail(ctx, "T1", "w-slow", errors.New("late"), true)
	assert.ErrorIs(t, err, domain.ErrClaimLost)
	assert.ErrorIs(t, q.Release(ctx, "T1", "w-slow", 0), domain.ErrClaimLost)

	require.NoError(t, q.Complete(ctx, "T1", "w-new", domain.Result{Output: []byte("fresh")}))
	got, err := q.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, "fresh", string(got.Result))
}

func TestQueue_ReapSkipsFreshReclaim(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, q, "T1", 1)
	mustDequeue(t, q)
	clock.Advance(10 * time.Minute)

	// released and claimed again before the reaper runs
	require.NoError(t, q.Release(ctx, "T1", "w-1", 0))
	task, err := q.Dequeue(ctx, "w-2", 0)
	require.NoError(t, err)
	require.NotNil(t, task)

	n, err := q.ReapExpired(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	got, err := q.Get(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessing, got.State)
	assert.Equal(t, "w-2", got.WorkerID)
}

func TestQueue_StatsAndSuccessRate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		mustEnqueue(t, q, id, 1)
	}
	for i := 0; i < 3; i++ {
		task := mustDequeue(t, q)
		require.NoError(t, q.Complete(ctx, task.ID, "w-1", domain.Result{}))
	}
	task := mustDequeue(t, q)
	_, err := q.Fail(ctx, task.ID, "w-1", errors.New("x"), false)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(3), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.DeadLetter)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
}

func TestQueue_Cleanup(t *testing.T) {
	q, clock := newTestQueue(t, WithRetention(time.Hour, 2*time.Hour))
	ctx := context.Background()
	mustEnqueue(t, q, "T1", 1)
	mustDequeue(t, q)
	require.NoError(t, q.Complete(ctx, "T1", "w-1", domain.Result{}))

	n, err := q.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	clock.Advance(90 * time.Minute)
	n, err = q.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueue_GetUnknown(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Get(context.Background(), "nope")
	var notFound *domain.TaskNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "nope", notFound.TaskID)
}
