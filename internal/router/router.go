// Package router turns task outcomes into pipeline actions: enqueue into the
// next stage, schedule a fix, hand over to deployment or escalate.
package router

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// ErrStopped is returned by Publish once the router has shut down.
var ErrStopped = errors.New("router stopped")

// Enqueuer is the part of a stage queue the router writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *domain.Task) (string, error)
}

// HandlerFunc handles one event.
type HandlerFunc func(ctx context.Context, ev domain.Event) error

// EventSink receives a copy of every dispatched event.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// MetricSink receives task-progress samples.
type MetricSink interface {
	Broadcast(ctx context.Context, sample domain.MetricSample)
}

// Escalation is called for every dead-lettered task.
type Escalation func(ctx context.Context, task *domain.Task) error

// DeployFunc is called when a task leaves the last stage.
type DeployFunc func(ctx context.Context, ev domain.Event) error

// Resolver is told when a first-stage task has finished, successfully or not.
type Resolver interface {
	Resolve(ctx context.Context, taskID string, deadLettered bool) error
}

// Config describes the pipeline the router drives.
type Config struct {
	// Stages in pipeline order. A completion in the last stage means deploy ready.
	Stages []string
	// FixStage receives fix tasks after a failed QA verdict.
	FixStage string
	// VerifyStage is where fixed tasks go when VerifyAfterFix is set.
	VerifyStage string
	// DeployStage receives fixed tasks and tasks shipped with known issues.
	DeployStage string
	// VerifyAfterFix re-runs verification after a fix instead of trusting it.
	VerifyAfterFix bool
	// Lanes is the number of dispatch goroutines. Events for one task always share a lane.
	Lanes int
	// LaneBuffer is the per-lane queue length.
	LaneBuffer int
	// DispatchTimeout bounds a single dispatch, including sink calls.
	DispatchTimeout time.Duration
}

// DefaultConfig returns the implement, verify, deploy pipeline with a fix stage.
func DefaultConfig() Config {
	return Config{
		Stages:          []string{"implement", "verify", "deploy"},
		FixStage:        "fix",
		VerifyStage:     "verify",
		DeployStage:     "deploy",
		Lanes:           8,
		LaneBuffer:      256,
		DispatchTimeout: 10 * time.Second,
	}
}

// Validate checks the stage wiring.
func (c Config) Validate() error {
	if len(c.Stages) == 0 {
		return &domain.ConfigError{Field: "router.stages", Reason: "at least one stage is required"}
	}
	if c.DeployStage == "" {
		return &domain.ConfigError{Field: "router.deploy_stage", Reason: "required"}
	}
	if c.FixStage == "" {
		return &domain.ConfigError{Field: "router.fix_stage", Reason: "required"}
	}
	if c.VerifyAfterFix && c.VerifyStage == "" {
		return &domain.ConfigError{Field: "router.verify_stage", Reason: "required when verify_after_fix is set"}
	}
	if c.Lanes < 1 {
		return &domain.ConfigError{Field: "router.lanes", Reason: "must be at least 1"}
	}
	return nil
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// WithEventSink mirrors every dispatched event to sink.
func WithEventSink(sink EventSink) Option { return func(r *Router) { r.sink = sink } }

// WithMetrics publishes task-progress samples to m.
func WithMetrics(m MetricSink) Option { return func(r *Router) { r.metrics = m } }

// WithEscalation adds dead-letter escalations.
func WithEscalation(fns ...Escalation) Option {
	return func(r *Router) { r.escalations = append(r.escalations, fns...) }
}

// WithDeploy sets the deploy callback.
func WithDeploy(fn DeployFunc) Option { return func(r *Router) { r.deploy = fn } }

// WithResolver reports first-stage completions to res.
func WithResolver(res Resolver) Option { return func(r *Router) { r.resolver = res } }

// Router dispatches events through a fixed table of actions.
type Router struct {
	cfg    Config
	queues map[string]Enqueuer
	log    *slog.Logger

	sink        EventSink
	metrics     MetricSink
	escalations []Escalation
	deploy      DeployFunc
	resolver    Resolver

	table       map[domain.EventKind]HandlerFunc
	subscribers map[domain.EventKind][]HandlerFunc

	lanes   []chan domain.Event
	mu      sync.RWMutex
	stopped bool
}

// New builds a router. queues maps stage name to that stage's queue.
func New(cfg Config, queues map[string]Enqueuer, opts ...Option) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	r := &Router{
		cfg:         cfg,
		queues:      queues,
		log:         slog.Default(),
		subscribers: map[domain.EventKind][]HandlerFunc{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.table = map[domain.EventKind]HandlerFunc{
		domain.EventFileCompleted:    r.onFileCompleted,
		domain.EventQAFailed:         r.onQAFailed,
		domain.EventFixCompleted:     r.onFixCompleted,
		domain.EventDeployReady:      r.onDeployReady,
		domain.EventTaskDeadLettered: r.onDeadLettered,
	}
	r.lanes = make([]chan domain.Event, cfg.Lanes)
	for i := range r.lanes {
		r.lanes[i] = make(chan domain.Event, cfg.LaneBuffer)
	}
	return r, nil
}

// Subscribe registers fn to run after the built-in action for kind. Call before
// Run. fn runs on the event's lane and must not call Publish.
func (r *Router) Subscribe(kind domain.EventKind, fn HandlerFunc) {
	r.subscribers[kind] = append(r.subscribers[kind], fn)
}

// Publish schedules ev on its task's lane. It blocks while the lane is full.
func (r *Router) Publish(ctx context.Context, ev domain.Event) error {
	if ev.TaskID() == "" {
		return errors.New("router: event has no task")
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrStopped
	}
	select {
	case r.lanes[r.laneFor(ev.TaskID())] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe converts a worker outcome into the matching event. Retried and
// released attempts produce nothing.
func (r *Router) Observe(ctx context.Context, o domain.Outcome) error {
	ev, ok := EventFor(o, r.cfg.FixStage)
	if !ok {
		return nil
	}
	return r.Publish(ctx, ev)
}

// EventFor maps a worker outcome to the event it produces. ok is false for
// attempts that will be retried.
func EventFor(o domain.Outcome, fixStage string) (ev domain.Event, ok bool) {
	if o.Task == nil {
		return ev, false
	}
	ev = domain.Event{Task: o.Task, Stage: o.Task.Type, Result: o.Result.Output, At: time.Now().UTC()}
	switch {
	case o.DeadLettered:
		ev.Kind = domain.EventTaskDeadLettered
	case o.QAFailed:
		ev.Kind = domain.EventQAFailed
		ev.Issues = o.Issues
	case o.Err != nil:
		return ev, false
	case o.Task.Type == fixStage:
		ev.Kind = domain.EventFixCompleted
	default:
		ev.Kind = domain.EventFileCompleted
	}
	return ev, true
}

// Run processes events until ctx is cancelled, then drains what was already
// accepted and returns. It must be called once.
func (r *Router) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, lane := range r.lanes {
		wg.Add(1)
		go func(lane chan domain.Event) {
			defer wg.Done()
			for ev := range lane {
				r.dispatch(ctx, ev)
			}
		}(lane)
	}

	<-ctx.Done()
	r.mu.Lock()
	r.stopped = true
	for _, lane := range r.lanes {
		close(lane)
	}
	r.mu.Unlock()
	wg.Wait()
	return nil
}

func (r *Router) laneFor(taskID string) int {
	h := fnv.New32a()
	h.Write([]byte(taskID)) //nolint:errcheck
	return int(h.Sum32() % uint32(len(r.lanes)))
}

// dispatch runs the table action, the subscribers and the sinks for ev. It is
// detached from the caller's cancellation so accepted events finish.
func (r *Router) dispatch(parent context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.cfg.DispatchTimeout)
	defer cancel()

	ctx, span := telemetry.Tracer("router").Start(ctx, "router.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("task.id", ev.TaskID()),
		attribute.String("task.stage", ev.Stage),
	)

	log := r.log.With(
		slog.String("event", string(ev.Kind)),
		slog.String("task_id", ev.TaskID()),
		slog.String("stage", ev.Stage),
	)

	result := "ok"
	if action, ok := r.table[ev.Kind]; !ok {
		log.Warn("no action for event kind")
		result = "unhandled"
	} else if err := action(ctx, ev); err != nil {
		log.Error("event action failed", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "action failed")
		result = "error"
	}
	for _, fn := range r.subscribers[ev.Kind] {
		if err := fn(ctx, ev); err != nil {
			log.Error("event subscriber failed", slog.String("error", err.Error()))
		}
	}
	telemetry.RouterEventsTotal.WithLabelValues(string(ev.Kind), result).Inc()

	if r.sink != nil {
		if err := r.sink.Publish(ctx, ev); err != nil {
			log.Error("event mirror failed", slog.String("error", err.Error()))
		}
	}
	if r.metrics != nil {
		r.metrics.Broadcast(ctx, domain.MetricSample{
			Type:      domain.MetricTaskProgress,
			Timestamp: ev.At,
			Value:     1,
			Tags: map[string]string{
				"event":   string(ev.Kind),
				"stage":   ev.Stage,
				"task_id": ev.TaskID(),
			},
		})
	}
}

// ─── Actions ─────────────────────────────────────────────────────────────────

func (r *Router) onFileCompleted(ctx context.Context, ev domain.Event) error {
	if len(r.cfg.Stages) > 0 && ev.Stage == r.cfg.Stages[0] {
		r.resolve(ctx, ev.Task.ID, false)
	}
	next, last := r.nextStage(ev.Stage)
	if last {
		ready := ev
		ready.Kind = domain.EventDeployReady
		r.dispatch(ctx, ready)
		return nil
	}
	if next == "" {
		return fmt.Errorf("stage %q is not part of the pipeline", ev.Stage)
	}
	return r.enqueue(ctx, ev.Task.Derive(next, payloadFor(ev)))
}

// onQAFailed allows one fix cycle; a second failure ships with known issues.
func (r *Router) onQAFailed(ctx context.Context, ev domain.Event) error {
	if ev.Task.FixAttempts == 0 {
		fix := ev.Task.Derive(r.cfg.FixStage, ev.Task.Payload)
		fix.FixAttempts = 1
		if fix.Labels == nil {
			fix.Labels = map[string]string{}
		}
		fix.Labels[domain.LabelIssues] = ev.Issues
		return r.enqueue(ctx, fix)
	}
	shipped := ev.Task.Derive(r.cfg.DeployStage, ev.Task.Payload)
	shipped.KnownIssues = true
	return r.enqueue(ctx, shipped)
}

func (r *Router) onFixCompleted(ctx context.Context, ev domain.Event) error {
	target := r.cfg.DeployStage
	if r.cfg.VerifyAfterFix {
		target = r.cfg.VerifyStage
	}
	return r.enqueue(ctx, ev.Task.Derive(target, payloadFor(ev)))
}

func (r *Router) onDeployReady(ctx context.Context, ev domain.Event) error {
	if r.deploy == nil {
		r.log.Info("deploy ready", slog.String("task_id", ev.TaskID()))
		return nil
	}
	return r.deploy(ctx, ev)
}

func (r *Router) onDeadLettered(ctx context.Context, ev domain.Event) error {
	if len(r.cfg.Stages) > 0 && ev.Stage == r.cfg.Stages[0] {
		r.resolve(ctx, ev.Task.ID, true)
	}
	var errs []error
	for _, escalate := range r.escalations {
		if err := escalate(ctx, ev.Task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) resolve(ctx context.Context, taskID string, deadLettered bool) {
	if r.resolver == nil {
		return
	}
	if err := r.resolver.Resolve(ctx, taskID, deadLettered); err != nil {
		r.log.Error("resolve task in plan failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
}

// nextStage returns the stage after current, or last=true when current is the final stage.
func (r *Router) nextStage(current string) (next string, last bool) {
	for i, s := range r.cfg.Stages {
		if s != current {
			continue
		}
		if i == len(r.cfg.Stages)-1 {
			return "", true
		}
		return r.cfg.Stages[i+1], false
	}
	return "", false
}

// enqueue treats a duplicate derived id as already routed.
func (r *Router) enqueue(ctx context.Context, task *domain.Task) error {
	q, ok := r.queues[task.Type]
	if !ok {
		return fmt.Errorf("no queue for stage %q", task.Type)
	}
	if _, err := q.Enqueue(ctx, task); err != nil {
		if errors.Is(err, domain.ErrDuplicateTask) {
			r.log.Info("derived task already routed",
				slog.String("task_id", task.ID),
				slog.String("stage", task.Type),
			)
			return nil
		}
		return fmt.Errorf("enqueue %s into %s: %w", task.ID, task.Type, err)
	}
	r.log.Debug("task routed", slog.String("task_id", task.ID), slog.String("stage", task.Type))
	return nil
}

// payloadFor forwards the stage output, falling back to the input payload.
func payloadFor(ev domain.Event) []byte {
	if len(ev.Result) > 0 {
		return ev.Result
	}
	return ev.Task.Payload
}
