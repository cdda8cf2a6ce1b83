// Package orchestrator assembles the pipeline: one queue, breaker and worker
// pool per stage, the event router, the batch planner, the canary controller,
// the metrics stream and queue maintenance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ramiqadoumi/stageflow/internal/analyzer"
	"github.com/ramiqadoumi/stageflow/internal/breaker"
	"github.com/ramiqadoumi/stageflow/internal/canary"
	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/internal/executor"
	"github.com/ramiqadoumi/stageflow/internal/kafka"
	"github.com/ramiqadoumi/stageflow/internal/planner"
	"github.com/ramiqadoumi/stageflow/internal/postgres"
	redisstore "github.com/ramiqadoumi/stageflow/internal/redis"
	"github.com/ramiqadoumi/stageflow/internal/router"
	"github.com/ramiqadoumi/stageflow/internal/stream"
	"github.com/ramiqadoumi/stageflow/services/orchestrator/config"
	"github.com/ramiqadoumi/stageflow/services/scheduler"
	"github.com/ramiqadoumi/stageflow/services/worker"
)

// Deps are the external resources the orchestrator runs on.
type Deps struct {
	Redis *goredis.Client
	// Audit defaults to postgres.NoopRepository.
	Audit postgres.AuditRepository
	// Producer enables the event mirror and the dead-letter topic. Optional.
	Producer kafka.Producer
	// Inbound delivers events reported by standalone workers. Optional.
	Inbound kafka.Consumer
	// Executors runs tasks for every stage this process works on.
	Executors executor.Executor
	// Deployer enables canary rollouts. Optional.
	Deployer canary.Deployer
	// Pools limits local worker pools to these stages; nil runs all of them.
	Pools []string
}

// Orchestrator owns every long-running component of one stageflow process.
type Orchestrator struct {
	cfg    config.Config
	logger *slog.Logger

	queues    map[string]*redisstore.Queue
	breakers  map[string]*breaker.Breaker
	pools     []*worker.Pool
	router    *router.Router
	planner   *planner.Planner
	analyzer  *analyzer.Analyzer
	canary    *canary.Controller
	hub       *stream.Hub
	scheduler *scheduler.Scheduler
	inbound   *kafka.EventSubscriber
}

// New wires the components. Nothing runs until Run is called.
func New(cfg config.Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Redis == nil {
		return nil, errors.New("orchestrator: redis client is required")
	}
	if deps.Executors == nil {
		return nil, errors.New("orchestrator: executors are required")
	}
	if deps.Audit == nil {
		deps.Audit = postgres.NoopRepository{}
	}

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		queues:   map[string]*redisstore.Queue{},
		breakers: map[string]*breaker.Breaker{},
		analyzer: analyzer.New(analyzer.WithLogger(logger)),
		hub:      stream.NewHub(cfg.Stream(), logger),
	}

	enqueuers := map[string]router.Enqueuer{}
	maintained := make([]scheduler.Queue, 0, len(cfg.QueueStages()))
	for _, stage := range cfg.QueueStages() {
		q := NewQueue(deps.Redis, stage, cfg, logger)
		o.queues[stage] = q
		enqueuers[stage] = q
		maintained = append(maintained, q)
	}

	if deps.Deployer != nil {
		ctrl, err := canary.New(deps.Deployer, cfg.Canary(),
			canary.WithLogger(logger),
			canary.WithAuditor(deps.Audit),
			canary.WithMetrics(o.hub),
		)
		if err != nil {
			return nil, fmt.Errorf("canary: %w", err)
		}
		o.canary = ctrl
	}

	first := cfg.PipelineStages[0]
	o.planner = planner.New(o.queues[first], first, planner.WithLogger(logger))

	opts := []router.Option{
		router.WithLogger(logger),
		router.WithMetrics(o.hub),
		router.WithResolver(o.planner),
		router.WithEscalation(deps.Audit.RecordDeadLetter),
	}
	if deps.Producer != nil {
		opts = append(opts,
			router.WithEventSink(kafka.NewEventPublisher(deps.Producer, kafka.TopicEvents)),
			router.WithEscalation(kafka.NewDeadLetterPublisher(deps.Producer, kafka.TopicDeadLetters).PublishDeadLetter),
		)
	}
	if o.canary != nil {
		opts = append(opts, router.WithDeploy(o.deploy))
	}
	r, err := router.New(cfg.Router(), enqueuers, opts...)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	o.router = r

	local := deps.Pools
	if local == nil {
		local = cfg.QueueStages()
	}
	for _, stage := range local {
		q, ok := o.queues[stage]
		if !ok {
			return nil, &domain.ConfigError{Field: "pools", Reason: "unknown stage " + stage}
		}
		b := NewBreaker(stage, cfg, logger, o.hub)
		o.breakers[stage] = b
		p, err := worker.NewPool(cfg.Pool(stage), q, deps.Executors,
			worker.WithLogger(logger),
			worker.WithGuard(b),
			worker.WithOutcomeHandler(o.router),
			worker.WithAuditor(deps.Audit),
			worker.WithMetrics(o.hub),
		)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", stage, err)
		}
		o.pools = append(o.pools, p)
	}

	sched, err := scheduler.New(deps.Redis, maintained, scheduler.Config{
		Visibility:      cfg.Visibility,
		ReapSchedule:    cfg.ReapSchedule,
		CleanupSchedule: cfg.CleanupSchedule,
		SampleSchedule:  cfg.SampleSchedule,
	}, scheduler.WithLogger(logger), scheduler.WithMetrics(o.hub), scheduler.WithInstanceID(instanceID()))
	if err != nil {
		return nil, err
	}
	o.scheduler = sched

	if deps.Inbound != nil {
		o.inbound = kafka.NewEventSubscriber(deps.Inbound)
	}
	return o, nil
}

// NewQueue builds the Redis queue for stage with the configured retry policy.
func NewQueue(client *goredis.Client, stage string, cfg config.Config, logger *slog.Logger) *redisstore.Queue {
	return redisstore.NewQueue(client, stage,
		redisstore.WithBackoff(cfg.RetryBase, cfg.RetryMax),
		redisstore.WithDefaultMaxRetries(cfg.MaxRetries),
		redisstore.WithLogger(logger),
	)
}

// NewBreaker builds the breaker guarding stage. State changes are streamed as
// system-health samples when sink is set.
func NewBreaker(stage string, cfg config.Config, logger *slog.Logger, sink worker.MetricSink) *breaker.Breaker {
	opts := []breaker.Option{breaker.WithLogger(logger)}
	if sink != nil {
		opts = append(opts, breaker.WithListener(func(name string, from, to breaker.State) {
			value := 1.0
			if to != breaker.StateClosed {
				value = 0
			}
			sink.Broadcast(context.Background(), domain.MetricSample{
				Type:  domain.MetricSystemHealth,
				Value: value,
				Tags: map[string]string{
					"breaker": name,
					"from":    string(from),
					"to":      string(to),
				},
			})
		}))
	}
	return breaker.New(stage, cfg.Breaker(), opts...)
}

// NewExecutors registers a webhook executor for every stage with an
// executor_url and the echo executor for the rest.
func NewExecutors(cfg config.Config) *executor.Registry {
	reg := executor.NewRegistry()
	for _, stage := range cfg.QueueStages() {
		s, _ := cfg.Stage(stage)
		if s.ExecutorURL == "" {
			reg.Register(stage, executor.Echo())
			continue
		}
		var opts []executor.WebhookOption
		if s.ExecutorToken != "" {
			opts = append(opts, executor.WithHeader("Authorization", "Bearer "+s.ExecutorToken))
		}
		if s.TaskTimeout > 0 {
			opts = append(opts, executor.WithTimeout(s.TaskTimeout))
		}
		reg.Register(stage, executor.NewWebhookExecutor(s.ExecutorURL, opts...))
	}
	return reg
}

// Run starts every component and blocks until ctx is cancelled. Pools drain
// first so their last outcomes are still routed; the router stops after them.
func (o *Orchestrator) Run(ctx context.Context) error {
	routerCtx, stopRouter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRouter()
	routerDone := make(chan error, 1)
	go func() { routerDone <- o.router.Run(routerCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.hub.Run(gctx) })
	g.Go(func() error { return o.scheduler.Run(gctx) })
	for _, p := range o.pools {
		g.Go(func() error { return p.Run(gctx) })
	}
	if o.inbound != nil {
		g.Go(func() error { return o.inbound.Run(gctx, o.router.Publish) })
	}

	o.logger.Info("orchestrator running",
		slog.Any("stages", o.cfg.QueueStages()),
		slog.Int("pools", len(o.pools)),
		slog.Bool("canary", o.canary != nil),
		slog.Bool("inbound_events", o.inbound != nil),
	)
	err := g.Wait()

	stopRouter()
	if rerr := <-routerDone; rerr != nil && err == nil {
		err = rerr
	}
	if o.canary != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := o.canary.Shutdown(shutCtx); cerr != nil {
			o.logger.Warn("canary shutdown", slog.String("error", cerr.Error()))
		}
	}
	o.logger.Info("orchestrator stopped")
	return err
}

// deploy starts a rollout for the task's deployment. A rollout that is
// already running absorbs the request.
func (o *Orchestrator) deploy(ctx context.Context, ev domain.Event) error {
	id := DeploymentID(ev.Task)
	_, err := o.canary.StartDeployment(ctx, id, o.cfg.CanaryStages, o.cfg.CanaryStageDuration)
	if errors.Is(err, domain.ErrDeploymentRunning) {
		o.logger.Debug("rollout already running", slog.String("deployment_id", id), slog.String("task_id", ev.TaskID()))
		return nil
	}
	return err
}

// DeploymentID is the deployment label, falling back to the id of the task
// that started the lineage.
func DeploymentID(t *domain.Task) string {
	if id := t.Label(domain.LabelDeployment); id != "" {
		return id
	}
	root, _, _ := strings.Cut(t.ID, ">")
	return root
}

// Queues returns the queue of every stage.
func (o *Orchestrator) Queues() map[string]*redisstore.Queue { return o.queues }

func (o *Orchestrator) Planner() *planner.Planner   { return o.planner }
func (o *Orchestrator) Analyzer() *analyzer.Analyzer { return o.analyzer }
func (o *Orchestrator) Hub() *stream.Hub             { return o.hub }
func (o *Orchestrator) Router() *router.Router       { return o.router }

// Canary returns the rollout controller, or nil when no deployer is configured.
func (o *Orchestrator) Canary() *canary.Controller { return o.canary }

// Breakers returns the breaker of every locally served stage.
func (o *Orchestrator) Breakers() map[string]*breaker.Breaker { return o.breakers }

func instanceID() string {
	return "stageflow-" + uuid.NewString()[:8]
}
