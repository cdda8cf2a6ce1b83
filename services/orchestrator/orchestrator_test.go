package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/internal/executor"
	"github.com/ramiqadoumi/stageflow/internal/planner"
	"github.com/ramiqadoumi/stageflow/services/orchestrator/config"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeDeployer struct {
	mu      sync.Mutex
	traffic []int
}

func (d *fakeDeployer) SetTraffic(_ context.Context, _ string, pct int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.traffic = append(d.traffic, pct)
	return nil
}

func (d *fakeDeployer) Rollback(context.Context, string) error { return nil }

func (d *fakeDeployer) CheckHealth(context.Context, string) (domain.Health, error) {
	return domain.Health{ErrorRate: 0.01, Latency: 20 * time.Millisecond}, nil
}

type recordingAudit struct {
	mu         sync.Mutex
	executions []*domain.Execution
	dead       []string
	rollouts   []domain.RolloutStatus
}

func (a *recordingAudit) RecordExecution(_ context.Context, e *domain.Execution) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executions = append(a.executions, e)
	return nil
}

func (a *recordingAudit) RecordDeadLetter(_ context.Context, t *domain.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dead = append(a.dead, t.ID)
	return nil
}

func (a *recordingAudit) RecordRollout(_ context.Context, ro *domain.Rollout) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollouts = append(a.rollouts, ro.Status)
	return nil
}

func (a *recordingAudit) ListExecutions(context.Context, string) ([]*domain.Execution, error) {
	return nil, nil
}

func (a *recordingAudit) GetRollout(_ context.Context, id string) (*domain.Rollout, error) {
	return nil, &domain.DeploymentNotFoundError{DeploymentID: id}
}

func (a *recordingAudit) deadLettered() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.dead...)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func testConfig(t *testing.T, addr string) config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("redis_addr", addr)
	v.Set("max_retries", 0)
	v.Set("max_workers", 2)
	v.Set("scale_interval", "0s")
	v.Set("shutdown_grace", "2s")
	v.Set("reap_schedule", "")
	v.Set("cleanup_schedule", "")
	v.Set("sample_schedule", "")
	v.Set("canary_stages", []int{50, 100})
	v.Set("canary_stage_duration", "40ms")
	v.Set("canary_poll_interval", "10ms")
	v.Set("stream_ping_interval", "0s")
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func start(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
}

const manifest = `
name: shop
deployment: shop-web
tasks:
  - id: store
    path: store.go
  - id: api
    path: api.go
    depends_on: [store]
`

func submit(t *testing.T, o *Orchestrator) string {
	t.Helper()
	m, err := planner.ParseManifest(strings.NewReader(manifest))
	require.NoError(t, err)
	res, err := o.Analyzer().Analyze(context.Background(), m.AnalyzerTasks())
	require.NoError(t, err)
	tasks, err := m.QueueTasks()
	require.NoError(t, err)
	id, err := o.Planner().Submit(context.Background(), res, tasks)
	require.NoError(t, err)
	return id
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestOrchestrator_PlanFlowsThroughPipelineIntoRollout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testConfig(t, mr.Addr())
	deployer := &fakeDeployer{}
	audit := &recordingAudit{}
	o, err := New(cfg, Deps{
		Redis:     client,
		Audit:     audit,
		Executors: NewExecutors(cfg),
		Deployer:  deployer,
	}, discardLogger)
	require.NoError(t, err)
	start(t, o)

	planID := submit(t, o)

	require.Eventually(t, func() bool {
		ro, err := o.Canary().Get("shop-web")
		return err == nil && ro.Status == domain.RolloutCompleted
	}, 10*time.Second, 20*time.Millisecond)

	_, err = o.Planner().Status(planID)
	var notFound *planner.PlanNotFoundError
	assert.ErrorAs(t, err, &notFound, "finished plans are forgotten")

	for _, stage := range []string{"implement", "verify", "deploy"} {
		stats, err := o.Queues()[stage].Stats(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stats.Completed, int64(1), stage)
	}
	done, err := o.Queues()["implement"].Get(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Empty(t, audit.deadLettered())
}

func TestOrchestrator_PermanentFailureEscalatesAndUnblocksPlan(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testConfig(t, mr.Addr())
	reg := NewExecutors(cfg)
	reg.Register("implement", executor.Func(func(_ context.Context, task *domain.Task) (domain.Result, error) {
		if task.ID == "store" {
			return domain.Result{}, domain.Permanent(assert.AnError)
		}
		return domain.Result{}, nil
	}))
	audit := &recordingAudit{}
	o, err := New(cfg, Deps{Redis: client, Audit: audit, Executors: reg}, discardLogger)
	require.NoError(t, err)
	assert.Nil(t, o.Canary())
	start(t, o)

	submit(t, o)

	require.Eventually(t, func() bool {
		dead := audit.deadLettered()
		return len(dead) == 1 && dead[0] == "store"
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		task, err := o.Queues()["implement"].Get(context.Background(), "api")
		return err == nil && task.State == domain.StateCompleted
	}, 5*time.Second, 20*time.Millisecond, "dead letter resolves its batch")
}

func TestNew_RejectsUnknownPoolStage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testConfig(t, mr.Addr())
	_, err := New(cfg, Deps{Redis: client, Executors: NewExecutors(cfg), Pools: []string{"lint"}}, discardLogger)
	var cfgErr *domain.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_PoolsSubset(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testConfig(t, mr.Addr())
	o, err := New(cfg, Deps{Redis: client, Executors: NewExecutors(cfg), Pools: []string{}}, discardLogger)
	require.NoError(t, err)
	assert.Empty(t, o.Breakers())
	assert.Len(t, o.Queues(), 4)
}

func TestNewExecutors(t *testing.T) {
	cfg := config.Config{
		PipelineStages: []string{"implement", "deploy"},
		FixStage:       "fix",
		Stages:         []config.Stage{{Name: "implement", ExecutorURL: "http://codegen/run"}},
	}
	reg := NewExecutors(cfg)
	assert.Equal(t, []string{"deploy", "fix", "implement"}, reg.Stages())

	e, err := reg.Get("implement")
	require.NoError(t, err)
	assert.IsType(t, &executor.WebhookExecutor{}, e)
}

func TestDeploymentID(t *testing.T) {
	labelled := &domain.Task{ID: "a>verify>deploy", Labels: map[string]string{domain.LabelDeployment: "web"}}
	assert.Equal(t, "web", DeploymentID(labelled))
	assert.Equal(t, "a", DeploymentID(&domain.Task{ID: "a>verify>deploy"}))
}
