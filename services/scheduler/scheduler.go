// Package scheduler runs periodic queue maintenance on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

const (
	leaderKey  = "stageflow:scheduler:leader"
	leaderTTL  = 90 * time.Second
	jobTimeout = 30 * time.Second
)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`)

// Queue is the maintenance surface of a stage queue.
type Queue interface {
	Name() string
	ReapExpired(ctx context.Context, visibility time.Duration) (int, error)
	Cleanup(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// MetricSink receives queue-status samples.
type MetricSink interface {
	Broadcast(ctx context.Context, sample domain.MetricSample)
}

// Config holds the cron specs. An empty spec disables that job.
type Config struct {
	// Visibility is how long a claim may be held before it is reaped.
	Visibility      time.Duration
	ReapSchedule    string
	CleanupSchedule string
	SampleSchedule  string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }
func WithMetrics(m MetricSink) Option  { return func(s *Scheduler) { s.metrics = m } }
func WithInstanceID(id string) Option  { return func(s *Scheduler) { s.instanceID = id } }

// Scheduler fires maintenance jobs. Reaping and cleanup run on one instance
// at a time, chosen by Redis leader election; sampling runs everywhere
// because each instance streams its own metrics.
type Scheduler struct {
	cfg        Config
	redis      *redis.Client
	queues     []Queue
	metrics    MetricSink
	instanceID string
	logger     *slog.Logger

	cron *cron.Cron
	ctx  context.Context
}

// New validates the cron specs and registers the jobs.
func New(redisClient *redis.Client, queues []Queue, cfg Config, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		cfg:        cfg,
		redis:      redisClient,
		queues:     queues,
		instanceID: "scheduler",
		logger:     slog.Default(),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	jobs := []struct {
		field, spec string
		fn          func(context.Context)
	}{
		{"reap_schedule", cfg.ReapSchedule, s.leaderOnly("reap", s.reap)},
		{"cleanup_schedule", cfg.CleanupSchedule, s.leaderOnly("cleanup", s.cleanup)},
		{"sample_schedule", cfg.SampleSchedule, s.sample},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		fn := j.fn
		if _, err := s.cron.AddFunc(j.spec, func() { s.run(fn) }); err != nil {
			return nil, &domain.ConfigError{Field: j.field, Reason: fmt.Sprintf("invalid cron spec %q: %v", j.spec, err)}
		}
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// running jobs and gives up leadership.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started",
		slog.String("instance_id", s.instanceID),
		slog.Int("jobs", len(s.cron.Entries())),
	)
	<-ctx.Done()
	<-s.cron.Stop().Done()

	relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(relCtx, s.redis, []string{leaderKey}, s.instanceID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn("release scheduler leadership", slog.String("error", err.Error()))
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) run(fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()
	fn(ctx)
}

func (s *Scheduler) leaderOnly(job string, fn func(context.Context)) func(context.Context) {
	return func(ctx context.Context) {
		if !s.acquireOrRenewLeadership(ctx) {
			s.logger.Debug("not leader, skipping job", slog.String("job", job))
			return
		}
		fn(ctx)
	}
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is the leader.
func (s *Scheduler) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, leaderTTL).Result()
	if err != nil {
		s.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		s.logger.Info("acquired scheduler leadership", slog.String("instance_id", s.instanceID))
		return true
	}

	result, err := renewScript.Run(
		ctx, s.redis,
		[]string{leaderKey},
		s.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

func (s *Scheduler) reap(ctx context.Context) {
	for _, q := range s.queues {
		n, err := q.ReapExpired(ctx, s.cfg.Visibility)
		if err != nil {
			s.logger.Error("reap expired claims", slog.String("queue", q.Name()), slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			s.logger.Info("requeued expired claims", slog.String("queue", q.Name()), slog.Int("count", n))
		}
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	for _, q := range s.queues {
		n, err := q.Cleanup(ctx)
		if err != nil {
			s.logger.Error("queue cleanup", slog.String("queue", q.Name()), slog.String("error", err.Error()))
			continue
		}
		s.logger.Debug("queue cleanup", slog.String("queue", q.Name()), slog.Int64("removed", n))
	}
}

// sample refreshes the depth gauges and streams one queue-status sample per queue.
func (s *Scheduler) sample(ctx context.Context) {
	for _, q := range s.queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			s.logger.Warn("sample queue stats", slog.String("queue", q.Name()), slog.String("error", err.Error()))
			continue
		}
		if s.metrics == nil {
			continue
		}
		s.metrics.Broadcast(ctx, domain.MetricSample{
			Type:  domain.MetricQueueStatus,
			Value: float64(stats.Pending),
			Tags:  map[string]string{"stage": q.Name()},
			Data:  stats,
		})
	}
}
