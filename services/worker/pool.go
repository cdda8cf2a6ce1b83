// Package worker runs the supervised pool of workers that drain one stage queue.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/internal/executor"
	redisstore "github.com/ramiqadoumi/stageflow/internal/redis"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// Queue is the part of a stage queue the pool consumes.
type Queue interface {
	Name() string
	Dequeue(ctx context.Context, workerID string, timeout time.Duration) (*domain.Task, error)
	Complete(ctx context.Context, taskID, workerID string, result domain.Result) error
	Fail(ctx context.Context, taskID, workerID string, cause error, retryable bool) (redisstore.FailResult, error)
	Release(ctx context.Context, taskID, workerID string, delay time.Duration) error
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// Guard wraps executor calls; *breaker.Breaker satisfies it.
type Guard interface {
	Execute(fn func() error) error
}

// OutcomeHandler receives every finished attempt; the router implements it.
type OutcomeHandler interface {
	Observe(ctx context.Context, o domain.Outcome) error
}

// Auditor records executions.
type Auditor interface {
	RecordExecution(ctx context.Context, exec *domain.Execution) error
}

// MetricSink receives performance, error and worker-status samples.
type MetricSink interface {
	Broadcast(ctx context.Context, sample domain.MetricSample)
}

// Config sizes and paces a pool.
type Config struct {
	Stage      string
	MinWorkers int
	MaxWorkers int
	// ScaleInterval is how often queue depth is sampled.
	ScaleInterval time.Duration
	// HighWater adds a worker when pending tasks per worker exceed it.
	HighWater float64
	// LowWater retires an idle worker when pending tasks per worker drop below it.
	LowWater float64
	// TaskTimeout is a hard per-task deadline.
	TaskTimeout time.Duration
	// DequeueTimeout bounds one blocking Dequeue.
	DequeueTimeout time.Duration
	// ShutdownGrace is how long in-flight tasks may finish after shutdown starts.
	ShutdownGrace time.Duration
	// BreakerBackoff delays a released task and pauses the worker that released it.
	BreakerBackoff time.Duration
}

// DefaultConfig returns production defaults for stage.
func DefaultConfig(stage string) Config {
	return Config{
		Stage:          stage,
		MinWorkers:     1,
		MaxWorkers:     8,
		ScaleInterval:  5 * time.Second,
		HighWater:      5,
		LowWater:       1,
		TaskTimeout:    5 * time.Minute,
		DequeueTimeout: time.Second,
		ShutdownGrace:  30 * time.Second,
		BreakerBackoff: 5 * time.Second,
	}
}

// Validate checks the pool bounds and timings.
func (c Config) Validate() error {
	switch {
	case c.Stage == "":
		return &domain.ConfigError{Field: "stage", Reason: "required"}
	case c.MinWorkers < 0:
		return &domain.ConfigError{Field: "min_workers", Reason: "must not be negative"}
	case c.MaxWorkers < 1 || c.MaxWorkers < c.MinWorkers:
		return &domain.ConfigError{Field: "max_workers", Reason: "must be at least 1 and not below min_workers"}
	case c.LowWater < 0 || c.HighWater <= c.LowWater:
		return &domain.ConfigError{Field: "high_water", Reason: "must be above low_water"}
	case c.TaskTimeout <= 0:
		return &domain.ConfigError{Field: "task_timeout", Reason: "must be positive"}
	case c.DequeueTimeout <= 0:
		return &domain.ConfigError{Field: "dequeue_timeout", Reason: "must be positive"}
	}
	return nil
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option          { return func(p *Pool) { p.log = l } }
func WithGuard(g Guard) Option                  { return func(p *Pool) { p.guard = g } }
func WithOutcomeHandler(h OutcomeHandler) Option { return func(p *Pool) { p.outcomes = h } }
func WithAuditor(a Auditor) Option              { return func(p *Pool) { p.audit = a } }
func WithMetrics(m MetricSink) Option           { return func(p *Pool) { p.metrics = m } }

type worker struct {
	id     string
	retire chan struct{}
	busy   atomic.Bool
}

// Pool keeps between MinWorkers and MaxWorkers workers draining one queue.
type Pool struct {
	cfg      Config
	queue    Queue
	exec     executor.Executor
	guard    Guard
	outcomes OutcomeHandler
	audit    Auditor
	metrics  MetricSink
	log      *slog.Logger

	// dequeueCtx stops claiming; taskCtx interrupts in-flight executions.
	dequeueCtx    context.Context
	stopDequeue   context.CancelFunc
	taskCtx       context.Context
	interruptTask context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	seq     int
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewPool validates cfg and returns an idle pool.
func NewPool(cfg Config, queue Queue, exec executor.Executor, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:     cfg,
		queue:   queue,
		exec:    exec,
		log:     slog.Default(),
		workers: map[string]*worker{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(slog.String("stage", cfg.Stage))
	p.dequeueCtx, p.stopDequeue = context.WithCancel(context.Background())
	p.taskCtx, p.interruptTask = context.WithCancel(context.Background())
	return p, nil
}

// Stage returns the stage the pool serves.
func (p *Pool) Stage() string { return p.cfg.Stage }

// Size returns the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Workers returns the live worker ids, sorted.
func (p *Pool) Workers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run starts MinWorkers workers and scales on queue depth until ctx is
// cancelled, then shuts down. It must be called once.
func (p *Pool) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("worker pool already started")
	}
	p.log.Info("worker pool starting",
		slog.Int("min_workers", p.cfg.MinWorkers),
		slog.Int("max_workers", p.cfg.MaxWorkers),
	)
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawn()
	}

	var tick <-chan time.Time
	if p.cfg.ScaleInterval > 0 {
		ticker := time.NewTicker(p.cfg.ScaleInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			p.shutdown()
			return nil
		case <-tick:
			p.autoscale(ctx)
		}
	}
}

// autoscale adds or retires at most one worker per call.
func (p *Pool) autoscale(ctx context.Context) {
	stats, err := p.queue.Stats(ctx)
	if err != nil {
		p.log.Warn("read queue depth for scaling", slog.String("error", err.Error()))
		return
	}
	n := p.Size()
	load := float64(stats.Pending)
	if n > 0 {
		load /= float64(n)
	}

	switch {
	case (n == 0 && stats.Pending > 0) || (load > p.cfg.HighWater && n < p.cfg.MaxWorkers):
		if n >= p.cfg.MaxWorkers {
			return
		}
		id := p.spawn()
		telemetry.WorkerScaleEventsTotal.WithLabelValues(p.cfg.Stage, "up").Inc()
		p.log.Info("scaled up",
			slog.String("worker_id", id),
			slog.Int64("pending", stats.Pending),
			slog.Int("workers", n+1),
		)
	case load < p.cfg.LowWater && n > p.cfg.MinWorkers:
		id, ok := p.retireIdle()
		if !ok {
			return
		}
		telemetry.WorkerScaleEventsTotal.WithLabelValues(p.cfg.Stage, "down").Inc()
		p.log.Info("scaled down",
			slog.String("worker_id", id),
			slog.Int64("pending", stats.Pending),
			slog.Int("workers", n-1),
		)
	}
}

func (p *Pool) spawn() string {
	p.mu.Lock()
	p.seq++
	w := &worker{
		id:     p.cfg.Stage + "-" + strconv.Itoa(p.seq) + "-" + uuid.NewString()[:8],
		retire: make(chan struct{}),
	}
	p.workers[w.id] = w
	size := len(p.workers)
	p.mu.Unlock()

	p.sizeChanged(size)
	p.wg.Add(1)
	go p.loop(w)
	return w.id
}

// retireIdle signals one worker that is not executing a task. It leaves after
// its current Dequeue returns.
func (p *Pool) retireIdle() (string, bool) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var victim *worker
	for i := len(ids) - 1; i >= 0; i-- {
		if w := p.workers[ids[i]]; !w.busy.Load() {
			victim = w
			break
		}
	}
	if victim == nil {
		p.mu.Unlock()
		return "", false
	}
	delete(p.workers, victim.id)
	size := len(p.workers)
	p.mu.Unlock()

	close(victim.retire)
	p.sizeChanged(size)
	return victim.id, true
}

func (p *Pool) sizeChanged(size int) {
	telemetry.WorkerPoolSize.WithLabelValues(p.cfg.Stage).Set(float64(size))
	if p.metrics != nil {
		p.metrics.Broadcast(context.Background(), domain.MetricSample{
			Type:  domain.MetricWorkerStatus,
			Value: float64(size),
			Tags:  map[string]string{"stage": p.cfg.Stage},
		})
	}
}

// shutdown stops claiming, waits ShutdownGrace for in-flight tasks, then
// interrupts the rest. Interrupted tasks are failed for retry by their worker.
func (p *Pool) shutdown() {
	p.log.Info("worker pool draining", slog.Duration("grace", p.cfg.ShutdownGrace))
	p.stopDequeue()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		p.log.Warn("shutdown grace elapsed, interrupting in-flight tasks")
		p.interruptTask()
		<-done
	}
	p.interruptTask()

	p.mu.Lock()
	p.workers = map[string]*worker{}
	p.mu.Unlock()
	p.sizeChanged(0)
	p.log.Info("worker pool stopped")
}

func (p *Pool) loop(w *worker) {
	defer p.wg.Done()
	log := p.log.With(slog.String("worker_id", w.id))
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for {
		select {
		case <-w.retire:
			return
		case <-p.dequeueCtx.Done():
			return
		default:
		}

		task, err := p.queue.Dequeue(p.dequeueCtx, w.id, p.cfg.DequeueTimeout)
		if err != nil {
			if p.dequeueCtx.Err() != nil {
				return
			}
			log.Error("dequeue failed", slog.String("error", err.Error()))
			p.pause(w, time.Second)
			continue
		}
		if task == nil {
			continue
		}

		w.busy.Store(true)
		released := p.process(w.id, task)
		w.busy.Store(false)
		if released {
			p.pause(w, p.cfg.BreakerBackoff)
		}
	}
}

// pause sleeps d unless the worker is retired or the pool stops claiming.
func (p *Pool) pause(w *worker, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-w.retire:
	case <-p.dequeueCtx.Done():
	}
}

// reportContext outlives shutdown so final queue writes still land.
func (p *Pool) reportContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(p.taskCtx), 10*time.Second)
}
