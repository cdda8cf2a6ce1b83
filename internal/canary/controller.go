// Package canary drives staged traffic rollouts with health-gated advancement
// and automatic rollback.
package canary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/retry"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// Deployer is the deployment target being rolled out.
type Deployer interface {
	SetTraffic(ctx context.Context, deploymentID string, percent int) error
	Rollback(ctx context.Context, deploymentID string) error
	CheckHealth(ctx context.Context, deploymentID string) (domain.Health, error)
}

// Auditor persists rollout snapshots.
type Auditor interface {
	RecordRollout(ctx context.Context, ro *domain.Rollout) error
}

// MetricSink receives deployment samples.
type MetricSink interface {
	Broadcast(ctx context.Context, sample domain.MetricSample)
}

// Config tunes health classification and polling.
type Config struct {
	PollInterval time.Duration
	// HealthyErrorRate is the error rate below which a sample is healthy.
	HealthyErrorRate float64
	// UnhealthyErrorRate is the error rate above which a sample is unhealthy.
	UnhealthyErrorRate float64
	// LatencyThreshold is the highest latency a healthy sample may report.
	LatencyThreshold time.Duration
	// UnhealthyPolls consecutive unhealthy samples trigger a rollback.
	UnhealthyPolls int
	// MaxDegradedPolls consecutive degraded samples trigger a rollback. Zero holds forever.
	MaxDegradedPolls int
	// CallRetry governs SetTraffic and Rollback calls.
	CallRetry retry.Config
	// CallTimeout bounds a single deployer call.
	CallTimeout time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		PollInterval:       30 * time.Second,
		HealthyErrorRate:   0.05,
		UnhealthyErrorRate: 0.10,
		LatencyThreshold:   500 * time.Millisecond,
		UnhealthyPolls:     2,
		MaxDegradedPolls:   10,
		CallRetry:          retry.Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		CallTimeout:        15 * time.Second,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return &domain.ConfigError{Field: "canary.poll_interval", Reason: "must be positive"}
	}
	if c.HealthyErrorRate <= 0 || c.HealthyErrorRate > c.UnhealthyErrorRate || c.UnhealthyErrorRate >= 1 {
		return &domain.ConfigError{Field: "canary.error_rates", Reason: "need 0 < healthy <= unhealthy < 1"}
	}
	if c.UnhealthyPolls < 1 {
		return &domain.ConfigError{Field: "canary.unhealthy_polls", Reason: "must be at least 1"}
	}
	return nil
}

// Classify maps one health reading to a verdict.
func (c Config) Classify(h domain.Health) domain.HealthVerdict {
	switch {
	case h.ErrorRate > c.UnhealthyErrorRate, c.LatencyThreshold > 0 && h.Latency > c.LatencyThreshold:
		return domain.HealthUnhealthy
	case h.ErrorRate >= c.HealthyErrorRate:
		return domain.HealthDegraded
	}
	return domain.HealthHealthy
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.log = l } }

// WithAuditor records every status change.
func WithAuditor(a Auditor) Option { return func(c *Controller) { c.audit = a } }

// WithMetrics publishes deployment samples.
func WithMetrics(m MetricSink) Option { return func(c *Controller) { c.metrics = m } }

type rollout struct {
	mu     sync.Mutex
	state  domain.Rollout
	cancel context.CancelFunc
	done   chan struct{}
	manual bool
}

func (r *rollout) snapshot() *domain.Rollout {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.state
	cp.Stages = append([]int(nil), r.state.Stages...)
	cp.Samples = append([]domain.HealthSample(nil), r.state.Samples...)
	if r.state.FinishedAt != nil {
		ts := *r.state.FinishedAt
		cp.FinishedAt = &ts
	}
	return &cp
}

// Controller runs any number of rollouts, at most one per deployment id.
type Controller struct {
	deployer Deployer
	cfg      Config
	log      *slog.Logger
	audit    Auditor
	metrics  MetricSink

	mu       sync.Mutex
	rollouts map[string]*rollout
	wg       sync.WaitGroup
}

// New returns a controller for deployer.
func New(deployer Deployer, cfg Config, opts ...Option) (*Controller, error) {
	if deployer == nil {
		return nil, &domain.ConfigError{Field: "canary.deployer", Reason: "required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		deployer: deployer,
		cfg:      cfg,
		log:      slog.Default(),
		rollouts: map[string]*rollout{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StartDeployment begins a rollout through stages, each held healthy for
// stageDuration. The rollout outlives ctx; use Rollback or Shutdown to stop it.
func (c *Controller) StartDeployment(ctx context.Context, id string, stages []int, stageDuration time.Duration) (*domain.Rollout, error) {
	if err := validateStages(id, stages, stageDuration); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if prev, ok := c.rollouts[id]; ok && prev.snapshot().Status == domain.RolloutRunning {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", id, domain.ErrDeploymentRunning)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &rollout{
		state: domain.Rollout{
			DeploymentID: id,
			Stages:       append([]int(nil), stages...),
			Status:       domain.RolloutRunning,
			StartedAt:    time.Now().UTC(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.rollouts[id] = r
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info("rollout started",
		slog.String("deployment_id", id),
		slog.Any("stages", stages),
		slog.Duration("stage_duration", stageDuration),
	)
	c.publish(runCtx, r)

	go func() {
		defer c.wg.Done()
		defer close(r.done)
		defer cancel()
		c.drive(runCtx, r, stageDuration)
	}()
	return r.snapshot(), nil
}

func validateStages(id string, stages []int, stageDuration time.Duration) error {
	if id == "" {
		return &domain.ConfigError{Field: "deployment_id", Reason: "required"}
	}
	if len(stages) == 0 {
		return &domain.ConfigError{Field: "stages", Reason: "at least one stage is required"}
	}
	for i, pct := range stages {
		if pct <= 0 || pct > 100 {
			return &domain.ConfigError{Field: "stages", Reason: fmt.Sprintf("stage %d: %d%% is outside 1..100", i, pct)}
		}
		if i > 0 && pct < stages[i-1] {
			return &domain.ConfigError{Field: "stages", Reason: "traffic must not decrease between stages"}
		}
	}
	if stageDuration <= 0 {
		return &domain.ConfigError{Field: "stage_duration", Reason: "must be positive"}
	}
	return nil
}

// Get returns a snapshot of the rollout for id.
func (c *Controller) Get(id string) (*domain.Rollout, error) {
	r, ok := c.lookup(id)
	if !ok {
		return nil, &domain.DeploymentNotFoundError{DeploymentID: id}
	}
	return r.snapshot(), nil
}

// List returns snapshots of every known rollout, newest first.
func (c *Controller) List() []*domain.Rollout {
	c.mu.Lock()
	out := make([]*domain.Rollout, 0, len(c.rollouts))
	for _, r := range c.rollouts {
		out = append(out, r.snapshot())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].DeploymentID < out[j].DeploymentID
	})
	return out
}

// Wait blocks until the rollout for id stops running or ctx is done.
func (c *Controller) Wait(ctx context.Context, id string) (*domain.Rollout, error) {
	r, ok := c.lookup(id)
	if !ok {
		return nil, &domain.DeploymentNotFoundError{DeploymentID: id}
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rollback stops the rollout for id, sets traffic to 0% and invokes the
// deployer's rollback. It is allowed at any stage and after completion.
func (c *Controller) Rollback(ctx context.Context, id string) (*domain.Rollout, error) {
	r, ok := c.lookup(id)
	if !ok {
		return nil, &domain.DeploymentNotFoundError{DeploymentID: id}
	}
	r.mu.Lock()
	if r.state.Status == domain.RolloutRolledBack {
		r.mu.Unlock()
		return r.snapshot(), nil
	}
	r.manual = true
	r.mu.Unlock()

	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if snap := r.snapshot(); snap.Status == domain.RolloutRolledBack {
		return snap, nil
	}

	c.log.Warn("manual rollback", slog.String("deployment_id", id))
	c.rollback(ctx, r, "manual rollback")
	return r.snapshot(), nil
}

// Shutdown stops every running rollout loop and waits for them. Traffic is
// left where it is; interrupted rollouts end as Failed.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, r := range c.rollouts {
		r.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) lookup(id string) (*rollout, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rollouts[id]
	return r, ok
}

// ─── Rollout loop ─────────────────────────────────────────────────────────────

type stageResult int

const (
	stagePassed stageResult = iota
	stageFailed
	stageStopped
)

func (c *Controller) drive(ctx context.Context, r *rollout, stageDuration time.Duration) {
	id := r.state.DeploymentID
	log := c.log.With(slog.String("deployment_id", id))

	for i, pct := range r.state.Stages {
		r.mu.Lock()
		r.state.StageIndex = i
		r.mu.Unlock()

		if err := c.call(ctx, func(ctx context.Context) error { return c.deployer.SetTraffic(ctx, id, pct) }); err != nil {
			if ctx.Err() != nil {
				c.interrupted(r)
				return
			}
			log.Error("set traffic failed", slog.Int("percent", pct), slog.String("error", err.Error()))
			c.fail(ctx, r, fmt.Sprintf("set traffic to %d%%: %v", pct, err))
			return
		}
		telemetry.CanaryTrafficPercent.WithLabelValues(id).Set(float64(pct))
		log.Info("rollout stage started", slog.Int("stage", i), slog.Int("percent", pct))
		c.publish(ctx, r)

		result, reason := c.observeStage(ctx, r, i, stageDuration)
		switch result {
		case stageStopped:
			c.interrupted(r)
			return
		case stageFailed:
			log.Warn("rolling back unhealthy deployment", slog.Int("stage", i), slog.String("reason", reason))
			c.rollback(ctx, r, reason)
			return
		}
	}

	c.finish(ctx, r, domain.RolloutCompleted, "")
	log.Info("rollout completed")
}

// observeStage polls health until the stage has been healthy for its duration
// or a rollback condition is met. Degraded samples hold without accruing time.
func (c *Controller) observeStage(ctx context.Context, r *rollout, stage int, stageDuration time.Duration) (stageResult, string) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var healthy time.Duration
	unhealthy, degraded := 0, 0
	for {
		select {
		case <-ctx.Done():
			return stageStopped, ""
		case <-ticker.C:
		}

		sample := c.sample(ctx, r.state.DeploymentID, stage)
		if ctx.Err() != nil {
			return stageStopped, ""
		}
		r.mu.Lock()
		r.state.Samples = append(r.state.Samples, sample)
		r.mu.Unlock()

		switch sample.Verdict {
		case domain.HealthHealthy:
			unhealthy, degraded = 0, 0
			healthy += c.cfg.PollInterval
			if healthy >= stageDuration {
				return stagePassed, ""
			}
		case domain.HealthDegraded:
			unhealthy = 0
			degraded++
			if c.cfg.MaxDegradedPolls > 0 && degraded >= c.cfg.MaxDegradedPolls {
				return stageFailed, fmt.Sprintf("sustained degradation over %d polls", degraded)
			}
		case domain.HealthUnhealthy:
			degraded = 0
			unhealthy++
			if unhealthy >= c.cfg.UnhealthyPolls {
				return stageFailed, fmt.Sprintf("unhealthy for %d consecutive polls (error rate %.1f%%, latency %s)",
					unhealthy, sample.ErrorRate*100, sample.Latency)
			}
		}
	}
}

// sample reads health once. A failing check counts as degraded.
func (c *Controller) sample(ctx context.Context, id string, stage int) domain.HealthSample {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	h, err := c.deployer.CheckHealth(callCtx, id)
	s := domain.HealthSample{Stage: stage, ErrorRate: h.ErrorRate, Latency: h.Latency, At: time.Now().UTC()}
	if err != nil {
		c.log.Warn("health check failed",
			slog.String("deployment_id", id),
			slog.String("error", err.Error()),
		)
		s.Verdict = domain.HealthDegraded
		return s
	}
	s.Verdict = c.cfg.Classify(h)
	return s
}

// rollback sets traffic to 0% and calls the deployer. It runs detached from
// the loop's cancellation.
func (c *Controller) rollback(ctx context.Context, r *rollout, reason string) {
	id := r.state.DeploymentID
	ctx = context.WithoutCancel(ctx)

	err := c.call(ctx, func(ctx context.Context) error { return c.deployer.SetTraffic(ctx, id, 0) })
	if err == nil {
		err = c.call(ctx, func(ctx context.Context) error { return c.deployer.Rollback(ctx, id) })
	}
	telemetry.CanaryTrafficPercent.WithLabelValues(id).Set(0)
	if err != nil {
		c.log.Error("rollback failed", slog.String("deployment_id", id), slog.String("error", err.Error()))
		c.finish(ctx, r, domain.RolloutFailed, fmt.Sprintf("%s; rollback failed: %v", reason, err))
		return
	}
	c.finish(ctx, r, domain.RolloutRolledBack, reason)
}

// fail attempts a rollback after the rollout itself broke and ends as Failed.
func (c *Controller) fail(ctx context.Context, r *rollout, reason string) {
	id := r.state.DeploymentID
	ctx = context.WithoutCancel(ctx)
	if err := c.call(ctx, func(ctx context.Context) error { return c.deployer.Rollback(ctx, id) }); err != nil {
		c.log.Error("rollback after failure failed", slog.String("deployment_id", id), slog.String("error", err.Error()))
	}
	telemetry.CanaryTrafficPercent.WithLabelValues(id).Set(0)
	c.finish(ctx, r, domain.RolloutFailed, reason)
}

// interrupted ends a loop stopped by Rollback or Shutdown. A manual rollback
// finishes the state itself.
func (c *Controller) interrupted(r *rollout) {
	r.mu.Lock()
	manual := r.manual
	r.mu.Unlock()
	if manual {
		return
	}
	c.finish(context.Background(), r, domain.RolloutFailed, "interrupted by shutdown")
}

func (c *Controller) finish(ctx context.Context, r *rollout, status domain.RolloutStatus, reason string) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.state.Status = status
	r.state.Reason = reason
	r.state.FinishedAt = &now
	r.mu.Unlock()
	telemetry.CanaryRolloutsTotal.WithLabelValues(string(status)).Inc()
	c.publish(ctx, r)
}

// publish audits the snapshot and emits a deployment sample.
func (c *Controller) publish(ctx context.Context, r *rollout) {
	snap := r.snapshot()
	if c.audit != nil {
		if err := c.audit.RecordRollout(ctx, snap); err != nil {
			c.log.Error("audit rollout failed", slog.String("deployment_id", snap.DeploymentID), slog.String("error", err.Error()))
		}
	}
	if c.metrics != nil {
		c.metrics.Broadcast(ctx, domain.MetricSample{
			Type:      domain.MetricDeployment,
			Timestamp: time.Now().UTC(),
			Value:     float64(snap.Traffic()),
			Tags: map[string]string{
				"deployment_id": snap.DeploymentID,
				"status":        string(snap.Status),
				"stage":         strconv.Itoa(snap.StageIndex),
			},
			Data: snap,
		})
	}
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// call runs a deployer call with a timeout, retried per CallRetry.
func (c *Controller) call(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, c.cfg.CallRetry, func() error {
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		err := fn(callCtx)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return domain.Permanent(err)
		}
		return err
	})
}
