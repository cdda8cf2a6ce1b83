package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stageflow"

var (
	// ─── Queue ───────────────────────────────────────────────────────────────────

	TasksEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total tasks enqueued, labelled by queue.",
	}, []string{"queue"})

	TasksDequeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dequeued_total",
		Help:      "Total tasks claimed by workers.",
	}, []string{"queue"})

	TasksCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "completed_total",
		Help:      "Total tasks that reached Completed.",
	}, []string{"queue"})

	TasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "failed_total",
		Help:      "Total failed attempts, retried or not.",
	}, []string{"queue"})

	TasksDeadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Total tasks moved to the dead-letter set.",
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Tasks waiting to be claimed, including those waiting out a retry delay.",
	}, []string{"queue"})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total tasks processed, labelled by stage and outcome.",
	}, []string{"stage", "status"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"stage"})

	WorkerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "task_duration_seconds",
		Help:      "Task execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"stage"})

	WorkerPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "pool_size",
		Help:      "Live workers per stage pool.",
	}, []string{"stage"})

	WorkerScaleEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "scale_events_total",
		Help:      "Pool resize decisions, labelled by direction (up|down).",
	}, []string{"stage", "direction"})

	// ─── Circuit breaker ─────────────────────────────────────────────────────────

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Breaker state: 0 closed, 1 half-open, 2 open.",
	}, []string{"name"})

	BreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Breaker state changes, labelled by the state entered.",
	}, []string{"name", "to"})

	// ─── Router ──────────────────────────────────────────────────────────────────

	RouterEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "events_total",
		Help:      "Events handled by the router, labelled by kind and result.",
	}, []string{"kind", "result"})

	// ─── Canary ──────────────────────────────────────────────────────────────────

	CanaryTrafficPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "canary",
		Name:      "traffic_percent",
		Help:      "Traffic share currently routed to the new version.",
	}, []string{"deployment"})

	CanaryRolloutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "canary",
		Name:      "rollouts_total",
		Help:      "Finished rollouts, labelled by terminal status.",
	}, []string{"status"})

	// ─── Analyzer ────────────────────────────────────────────────────────────────

	AnalyzerEdgesBrokenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analyzer",
		Name:      "edges_broken_total",
		Help:      "Dependency edges removed to break cycles.",
	})

	// ─── Planner ─────────────────────────────────────────────────────────────────

	PlannerBatchesReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "batches_released_total",
		Help:      "Analyzer batches enqueued into the first stage.",
	})

	PlannerPlansActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "planner",
		Name:      "plans_active",
		Help:      "Plans with unreleased or unresolved batches.",
	})

	// ─── Metrics stream ──────────────────────────────────────────────────────────

	StreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "connections",
		Help:      "Open metrics-stream connections.",
	})

	StreamFramesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "frames_sent_total",
		Help:      "Frames delivered to subscribers, labelled by metric type.",
	}, []string{"type"})

	StreamConnectionsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "connections_dropped_total",
		Help:      "Connections removed after a failed send, a full outbox or a missed heartbeat.",
	})

	// ─── HTTP API ────────────────────────────────────────────────────────────────

	APIPlansSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "plans_submitted_total",
		Help:      "Plan submissions, labelled by result.",
	}, []string{"result"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})
)
