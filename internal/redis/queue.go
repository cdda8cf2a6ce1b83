package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/retry"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

const (
	// PriorityMax bounds the priority range [0, PriorityMax] accepted by the queue.
	PriorityMax = 1_000_000

	defaultPollInterval  = 100 * time.Millisecond
	defaultBackoffBase   = time.Second
	defaultBackoffCap    = 5 * time.Minute
	defaultRetryPenalty  = 1
	defaultMaxRetries    = 3
	defaultCompletedTTL  = 24 * time.Hour
	defaultDeadLetterTTL = 7 * 24 * time.Hour
	defaultHistoryLimit  = 50
	promoteBatch         = 100
)

// FailResult describes what Fail did with a task.
type FailResult struct {
	Task         *domain.Task
	Delay        time.Duration
	DeadLettered bool
}

// Queue is a durable priority queue for one pipeline stage. Every state
// transition is a single Lua script so concurrent workers never double-claim.
type Queue struct {
	client        *redis.Client
	name          string
	prefix        string
	log           *slog.Logger
	pollInterval  time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration
	retryPenalty  int
	maxRetries    int
	completedTTL  time.Duration
	deadLetterTTL time.Duration
	historyLimit  int
	now           func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithPollInterval sets how often Dequeue re-checks an empty queue.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithBackoff sets the retry delay base and cap.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(q *Queue) {
		q.backoffBase = base
		q.backoffCap = maxDelay
	}
}

// WithRetryPenalty sets how much priority a task loses on each retry.
func WithRetryPenalty(p int) Option {
	return func(q *Queue) { q.retryPenalty = p }
}

// WithDefaultMaxRetries sets the retry budget for tasks enqueued without one.
func WithDefaultMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithRetention sets how long completed and dead-lettered records are kept.
func WithRetention(completed, deadLetter time.Duration) Option {
	return func(q *Queue) {
		q.completedTTL = completed
		q.deadLetterTTL = deadLetter
	}
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

func withClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// NewQueue returns a queue named name stored under stageflow:queue:<name>:.
func NewQueue(client *redis.Client, name string, opts ...Option) *Queue {
	q := &Queue{
		client:        client,
		name:          name,
		prefix:        fmt.Sprintf("stageflow:queue:%s:", name),
		log:           slog.Default(),
		pollInterval:  defaultPollInterval,
		backoffBase:   defaultBackoffBase,
		backoffCap:    defaultBackoffCap,
		retryPenalty:  defaultRetryPenalty,
		maxRetries:    defaultMaxRetries,
		completedTTL:  defaultCompletedTTL,
		deadLetterTTL: defaultDeadLetterTTL,
		historyLimit:  defaultHistoryLimit,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With(slog.String("queue", name))
	return q
}

// Name returns the stage this queue serves.
func (q *Queue) Name() string { return q.name }

func (q *Queue) taskKey(id string) string    { return q.prefix + "task:" + id }
func (q *Queue) historyKey(id string) string { return q.prefix + "history:" + id }
func (q *Queue) key(suffix string) string    { return q.prefix + suffix }

// Enqueue stores task as Pending and returns its id. A missing id is generated.
// Enqueuing an id that already exists returns a DuplicateTaskError.
func (q *Queue) Enqueue(ctx context.Context, task *domain.Task) (string, error) {
	return q.enqueue(ctx, task, false)
}

// Replace enqueues task, replacing an existing record with the same id as long
// as that record is still Pending.
func (q *Queue) Replace(ctx context.Context, task *domain.Task) (string, error) {
	return q.enqueue(ctx, task, true)
}

func (q *Queue) enqueue(ctx context.Context, task *domain.Task, overwrite bool) (string, error) {
	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Type == "" {
		t.Type = q.name
	}
	t.Priority = clampPriority(t.Priority)
	if t.MaxRetries <= 0 {
		t.MaxRetries = q.maxRetries
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = q.now().UTC()
	}
	t.State = domain.StatePending
	t.RetryCount = 0
	t.WorkerID = ""
	t.StartedAt = nil
	t.CompletedAt = nil

	fields, err := encodeRecord(t)
	if err != nil {
		return "", err
	}
	args := append([]any{t.ID, formatBool(overwrite), t.Priority, PriorityMax}, fields...)
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.taskKey(t.ID), q.key("pending"), q.key("seq"), q.key("delayed")},
		args...).Slice()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", t.ID, err)
	}
	code, state := scriptReply(res)
	switch code {
	case 0:
		return "", &domain.DuplicateTaskError{TaskID: t.ID}
	case -1:
		return "", &domain.InvalidTransitionError{TaskID: t.ID, From: domain.State(state), To: domain.StatePending}
	}

	telemetry.TasksEnqueuedTotal.WithLabelValues(q.name).Inc()
	q.log.Debug("task enqueued", slog.String("task_id", t.ID), slog.Int("priority", t.Priority))
	return t.ID, nil
}

// Dequeue claims the highest-priority pending task for workerID, waiting up to
// timeout for one to appear. It returns (nil, nil) when the timeout elapses.
func (q *Queue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*domain.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := q.claim(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if id != "" {
			task, err := q.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			telemetry.TasksDequeuedTotal.WithLabelValues(q.name).Inc()
			return task, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := q.pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, workerID string) (string, error) {
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.key("pending"), q.key("delayed"), q.key("processing"), q.key("seq")},
		q.now().UnixMilli(), workerID, q.prefix+"task:", PriorityMax, promoteBatch,
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claim: %w", err)
	}
	return id, nil
}

// Complete marks a Processing task Completed and stores its result. workerID
// must still hold the claim; otherwise a ClaimLostError is returned and the
// task is left untouched.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, result domain.Result) error {
	res, err := completeScript.Run(ctx, q.client,
		[]string{q.taskKey(taskID), q.key("processing"), q.key("completed"), q.key("stats")},
		taskID, q.now().UnixMilli(), string(result.Output), q.completedTTL.Milliseconds(), workerID,
	).Slice()
	if err != nil {
		return fmt.Errorf("complete %s: %w", taskID, err)
	}
	if err := q.transitionError(taskID, workerID, res, domain.StateCompleted); err != nil {
		return err
	}
	telemetry.TasksCompletedTotal.WithLabelValues(q.name).Inc()
	return nil
}

// Fail records a failed attempt. When retry is true and the task has retries
// left it waits Backoff(base, cap, retry_count+1) in the Failed state and then
// becomes Pending again with a lower priority; otherwise it is dead-lettered.
// Like Complete it only succeeds for the worker holding the claim.
func (q *Queue) Fail(ctx context.Context, taskID, workerID string, cause error, retryable bool) (FailResult, error) {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return FailResult{}, err
	}
	if task.State != domain.StateProcessing {
		return FailResult{}, &domain.InvalidTransitionError{TaskID: taskID, From: task.State, To: domain.StateFailed}
	}
	if task.WorkerID != workerID {
		return FailResult{}, &domain.ClaimLostError{TaskID: taskID, WorkerID: workerID, Owner: task.WorkerID}
	}
	return q.fail(ctx, task, cause, retryable)
}

// fail applies a failure to the claim described by task, as read by the caller.
func (q *Queue) fail(ctx context.Context, task *domain.Task, cause error, retryable bool) (FailResult, error) {
	taskID := task.ID
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := q.now()
	retrying := retryable && task.RetryCount < task.MaxRetries

	var (
		mode     = "dead"
		delay    time.Duration
		priority = task.Priority
	)
	if retrying {
		mode = "retry"
		delay = retry.Backoff(q.backoffBase, q.backoffCap, task.RetryCount+1)
		priority = task.Priority - q.retryPenalty
		if priority < 0 {
			priority = 0
		}
	}

	entry, err := json.Marshal(domain.FailureRecord{
		At:         now.UTC(),
		RetryCount: task.RetryCount,
		WorkerID:   task.WorkerID,
		Error:      msg,
		Retried:    retrying,
	})
	if err != nil {
		return FailResult{}, fmt.Errorf("marshal failure: %w", err)
	}

	res, err := failScript.Run(ctx, q.client,
		[]string{
			q.taskKey(taskID), q.key("processing"), q.key("delayed"),
			q.key("deadletter"), q.key("stats"), q.historyKey(taskID),
		},
		taskID, strconv.Itoa(task.RetryCount), mode, now.UnixMilli(),
		now.Add(delay).UnixMilli(), msg, priority, string(entry),
		q.deadLetterTTL.Milliseconds(), q.historyLimit, task.WorkerID, formatMillis(task.StartedAt),
	).Slice()
	if err != nil {
		return FailResult{}, fmt.Errorf("fail %s: %w", taskID, err)
	}
	if err := q.transitionError(taskID, task.WorkerID, res, domain.StateFailed); err != nil {
		return FailResult{}, err
	}

	telemetry.TasksFailedTotal.WithLabelValues(q.name).Inc()
	updated, err := q.Get(ctx, taskID)
	if err != nil {
		return FailResult{}, err
	}

	if !retrying {
		telemetry.TasksDeadLetteredTotal.WithLabelValues(q.name).Inc()
		q.log.Warn("task dead-lettered",
			slog.String("task_id", taskID),
			slog.Int("retry_count", task.RetryCount),
			slog.String("error", msg),
		)
		return FailResult{Task: updated, DeadLettered: true}, nil
	}

	q.log.Info("task scheduled for retry",
		slog.String("task_id", taskID),
		slog.Int("retry_count", updated.RetryCount),
		slog.Duration("delay", delay),
	)
	return FailResult{Task: updated, Delay: delay}, nil
}

// Release hands a task claimed by workerID back to the queue after delay
// without consuming a retry.
func (q *Queue) Release(ctx context.Context, taskID, workerID string, delay time.Duration) error {
	res, err := releaseScript.Run(ctx, q.client,
		[]string{q.taskKey(taskID), q.key("processing"), q.key("delayed")},
		taskID, q.now().Add(delay).UnixMilli(), workerID,
	).Slice()
	if err != nil {
		return fmt.Errorf("release %s: %w", taskID, err)
	}
	return q.transitionError(taskID, workerID, res, domain.StatePending)
}

// Requeue moves a dead-lettered task back to Pending with its retry budget reset.
func (q *Queue) Requeue(ctx context.Context, taskID string) error {
	res, err := requeueScript.Run(ctx, q.client,
		[]string{q.taskKey(taskID), q.key("deadletter"), q.key("pending"), q.key("seq"), q.historyKey(taskID)},
		taskID, PriorityMax,
	).Slice()
	if err != nil {
		return fmt.Errorf("requeue %s: %w", taskID, err)
	}
	if err := q.transitionError(taskID, "", res, domain.StatePending); err != nil {
		return err
	}
	q.log.Info("dead-lettered task requeued", slog.String("task_id", taskID))
	return nil
}

// Get returns the current record for taskID.
func (q *Queue) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return decodeRecord(fields)
}

// History returns the recorded failures of taskID, oldest first.
func (q *Queue) History(ctx context.Context, taskID string) ([]domain.FailureRecord, error) {
	raw, err := q.client.LRange(ctx, q.historyKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", taskID, err)
	}
	out := make([]domain.FailureRecord, 0, len(raw))
	for _, r := range raw {
		var rec domain.FailureRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("decode history %s: %w", taskID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeadLetters returns up to limit dead-lettered tasks, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRevRange(ctx, q.key("deadletter"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	return q.loadAll(ctx, ids)
}

func (q *Queue) loadAll(ctx context.Context, ids []string) ([]*domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	out := make([]*domain.Task, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // expired between ZRANGE and HGETALL
		}
		t, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Stats returns the current counts for this queue. Pending includes tasks
// waiting out a retry delay; Completed, Failed and DeadLetter are running
// totals, Failed counting every failed attempt.
func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, q.key("pending"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	processing := pipe.ZCard(ctx, q.key("processing"))
	counters := pipe.HGetAll(ctx, q.key("stats"))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueStats{}, fmt.Errorf("stats: %w", err)
	}

	c := counters.Val()
	completed, _ := strconv.ParseInt(c["completed"], 10, 64)
	failed, _ := strconv.ParseInt(c["failed"], 10, 64)
	dead, _ := strconv.ParseInt(c["dead_letter"], 10, 64)

	s := domain.QueueStats{
		Pending:    pending.Val() + delayed.Val(),
		Processing: processing.Val(),
		Completed:  completed,
		Failed:     failed,
		DeadLetter: dead,
	}
	if total := completed + dead; total > 0 {
		s.SuccessRate = float64(completed) / float64(total)
	}
	telemetry.QueueDepth.WithLabelValues(q.name).Set(float64(s.Pending))
	return s, nil
}

// ReapExpired fails every task that has been Processing longer than visibility.
// The failure is retryable so a crashed worker's task is picked up again.
func (q *Queue) ReapExpired(ctx context.Context, visibility time.Duration) (int, error) {
	cutoff := q.now().Add(-visibility).UnixMilli()
	ids, err := q.client.ZRangeByScore(ctx, q.key("processing"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}

	reaped := 0
	for _, id := range ids {
		task, err := q.Get(ctx, id)
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			q.client.ZRem(ctx, q.key("processing"), id)
			continue
		}
		if err != nil {
			return reaped, err
		}
		// released, finished or re-claimed since the range was read
		if task.State != domain.StateProcessing || task.StartedAt == nil || task.StartedAt.UnixMilli() > cutoff {
			continue
		}
		_, err = q.fail(ctx, task, fmt.Errorf("claim expired after %s", visibility), true)
		var invalid *domain.InvalidTransitionError
		switch {
		case err == nil:
			reaped++
		case errors.As(err, &notFound), errors.As(err, &invalid), errors.Is(err, domain.ErrClaimLost):
		default:
			return reaped, err
		}
	}
	if reaped > 0 {
		q.log.Warn("reaped expired claims", slog.Int("count", reaped))
	}
	return reaped, nil
}

// Cleanup drops index entries for terminal tasks older than their retention.
// The records themselves expire through their own TTL.
func (q *Queue) Cleanup(ctx context.Context) (int64, error) {
	now := q.now()
	pipe := q.client.Pipeline()
	completed := pipe.ZRemRangeByScore(ctx, q.key("completed"), "-inf",
		strconv.FormatInt(now.Add(-q.completedTTL).UnixMilli(), 10))
	dead := pipe.ZRemRangeByScore(ctx, q.key("deadletter"), "-inf",
		strconv.FormatInt(now.Add(-q.deadLetterTTL).UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return completed.Val() + dead.Val(), nil
}

func (q *Queue) transitionError(taskID, workerID string, res []any, to domain.State) error {
	code, state := scriptReply(res)
	switch code {
	case -2:
		return &domain.TaskNotFoundError{TaskID: taskID}
	case -3:
		return &domain.ClaimLostError{TaskID: taskID, WorkerID: workerID, Owner: state}
	case -1, -4:
		return &domain.InvalidTransitionError{TaskID: taskID, From: domain.State(state), To: to}
	}
	return nil
}

func scriptReply(res []any) (int64, string) {
	if len(res) < 2 {
		return 0, ""
	}
	code, _ := res[0].(int64)
	state, _ := res[1].(string)
	return code, state
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
