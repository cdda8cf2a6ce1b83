package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/stageflow/internal/analyzer"
	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/internal/planner"
	"github.com/ramiqadoumi/stageflow/internal/stream"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

const defaultDeadLetterLimit = 50

// Queue is the part of a stage queue the API reads and repairs.
type Queue interface {
	Stats(ctx context.Context) (domain.QueueStats, error)
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	DeadLetters(ctx context.Context, limit int) ([]*domain.Task, error)
	Requeue(ctx context.Context, taskID string) error
}

// Analyzer orders submitted manifests.
type Analyzer interface {
	Analyze(ctx context.Context, tasks []analyzer.Task) (*analyzer.Result, error)
}

// Planner releases analyzed plans.
type Planner interface {
	Submit(ctx context.Context, result *analyzer.Result, tasks []*domain.Task) (string, error)
	Status(id string) (planner.Status, error)
	List() []planner.Status
	Resume(ctx context.Context, planID string) error
}

// Deployments drives canary rollouts.
type Deployments interface {
	StartDeployment(ctx context.Context, id string, stages []int, stageDuration time.Duration) (*domain.Rollout, error)
	Get(id string) (*domain.Rollout, error)
	List() []*domain.Rollout
	Rollback(ctx context.Context, id string) (*domain.Rollout, error)
}

// History reads the audit trail.
type History interface {
	ListExecutions(ctx context.Context, taskID string) ([]*domain.Execution, error)
	GetRollout(ctx context.Context, deploymentID string) (*domain.Rollout, error)
}

// Metrics summarises the metrics stream.
type Metrics interface {
	Aggregate(t domain.MetricType) (stream.Aggregate, error)
}

// Deps are the services behind the API. Deployments, History and Metrics are
// optional.
type Deps struct {
	Queues      map[string]Queue
	Analyzer    Analyzer
	Planner     Planner
	Deployments Deployments
	History     History
	Metrics     Metrics
	// Rollout defaults for POST /deployments.
	CanaryStages        []int
	CanaryStageDuration time.Duration
	// Ready backs /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

// REST handles HTTP requests for the orchestrator.
type REST struct {
	deps   Deps
	logger *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(deps Deps, logger *slog.Logger) *REST {
	return &REST{deps: deps, logger: logger}
}

// Routes mounts the /api/v1 routes on r. submit wraps plan submission, for
// example with a rate limiter.
func (h *REST) Routes(r chi.Router, submit ...func(http.Handler) http.Handler) {
	r.Get("/queues", h.ListQueues)
	r.Get("/queues/{stage}/stats", h.QueueStats)
	r.Get("/queues/{stage}/tasks/{id}", h.GetTask)
	r.Get("/queues/{stage}/deadletters", h.ListDeadLetters)
	r.Post("/queues/{stage}/deadletters/{id}/requeue", h.RequeueDeadLetter)
	r.Get("/tasks/{id}/executions", h.ListExecutions)

	r.With(submit...).Post("/plans", h.SubmitPlan)
	r.Get("/plans", h.ListPlans)
	r.Get("/plans/{id}", h.GetPlan)
	r.Post("/plans/{id}/resume", h.ResumePlan)

	r.Get("/deployments", h.ListDeployments)
	r.Post("/deployments", h.StartDeployment)
	r.Get("/deployments/{id}", h.GetDeployment)
	r.Post("/deployments/{id}/rollback", h.RollbackDeployment)

	r.Get("/metrics/{type}/aggregate", h.AggregateMetric)
}

// ─── Queues ──────────────────────────────────────────────────────────────────

// ListQueues handles GET /api/v1/queues.
func (h *REST) ListQueues(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]domain.QueueStats, len(h.deps.Queues))
	for stage, q := range h.deps.Queues {
		stats, err := q.Stats(r.Context())
		if err != nil {
			h.logger.Error("queue stats", slog.String("stage", stage), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to read queue stats")
			return
		}
		out[stage] = stats
	}
	writeJSON(w, http.StatusOK, out)
}

// QueueStats handles GET /api/v1/queues/{stage}/stats.
func (h *REST) QueueStats(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	stats, err := q.Stats(r.Context())
	if err != nil {
		h.logger.Error("queue stats", slog.String("stage", chi.URLParam(r, "stage")), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetTask handles GET /api/v1/queues/{stage}/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	task, err := q.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to retrieve task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListDeadLetters handles GET /api/v1/queues/{stage}/deadletters?limit=N.
func (h *REST) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	tasks, err := q.DeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// RequeueDeadLetter handles POST /api/v1/queues/{stage}/deadletters/{id}/requeue.
func (h *REST) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := q.Requeue(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "failed to requeue task")
		return
	}
	h.logger.Info("dead letter requeued", slog.String("task_id", id), slog.String("stage", chi.URLParam(r, "stage")))
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "state": string(domain.StatePending)})
}

// ListExecutions handles GET /api/v1/tasks/{id}/executions.
func (h *REST) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "audit trail is not configured")
		return
	}
	execs, err := h.deps.History.ListExecutions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []*domain.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *REST) queue(w http.ResponseWriter, r *http.Request) (Queue, bool) {
	stage := chi.URLParam(r, "stage")
	q, ok := h.deps.Queues[stage]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stage "+strconv.Quote(stage))
		return nil, false
	}
	return q, true
}

// ─── Plans ───────────────────────────────────────────────────────────────────

// SubmitPlanResponse is the 202 response body.
type SubmitPlanResponse struct {
	PlanID       string          `json:"plan_id"`
	Tasks        int             `json:"tasks"`
	Batches      [][]string      `json:"batches"`
	CriticalPath []string        `json:"critical_path"`
	BrokenEdges  []analyzer.Edge `json:"broken_edges,omitempty"`
	// ReleaseError is set when the plan is tracked but some first-batch
	// tasks were not enqueued; POST /plans/{id}/resume retries them.
	ReleaseError string `json:"release_error,omitempty"`
}

// SubmitPlan handles POST /api/v1/plans. The body is a YAML or JSON manifest
// with sources inlined.
func (h *REST) SubmitPlan(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.Tracer("orchestrator").Start(r.Context(), "orchestrator.submit_plan")
	defer span.End()

	m, err := planner.ParseManifest(r.Body)
	if err != nil {
		telemetry.APIPlansSubmittedTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("plan.name", m.Name),
		attribute.Int("plan.tasks", len(m.Tasks)),
	)

	result, err := h.deps.Analyzer.Analyze(ctx, m.AnalyzerTasks())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analyze failed")
		telemetry.APIPlansSubmittedTotal.WithLabelValues("rejected").Inc()
		h.writeDomainError(w, err, "failed to analyze plan")
		return
	}
	tasks, err := m.QueueTasks()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	planID, err := h.deps.Planner.Submit(ctx, result, tasks)
	releaseErr := ""
	if err != nil && planID != "" {
		// tracked, but part of the first batch did not reach the queue
		span.RecordError(err)
		h.logger.Warn("plan accepted with unreleased tasks",
			slog.String("plan_id", planID),
			slog.String("error", err.Error()),
		)
		releaseErr, err = err.Error(), nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		telemetry.APIPlansSubmittedTotal.WithLabelValues("error").Inc()
		h.writeDomainError(w, err, "failed to submit plan")
		return
	}

	telemetry.APIPlansSubmittedTotal.WithLabelValues("accepted").Inc()
	span.SetAttributes(attribute.String("plan.id", planID))
	h.logger.Info("plan submitted",
		slog.String("plan_id", planID),
		slog.String("name", m.Name),
		slog.Int("tasks", len(tasks)),
		slog.Int("batches", len(result.Batches)),
	)
	writeJSON(w, http.StatusAccepted, SubmitPlanResponse{
		PlanID:       planID,
		Tasks:        len(tasks),
		Batches:      result.Batches,
		CriticalPath: result.CriticalPath,
		BrokenEdges:  result.BrokenEdges,
		ReleaseError: releaseErr,
	})
}

// ListPlans handles GET /api/v1/plans.
func (h *REST) ListPlans(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Planner.List())
}

// GetPlan handles GET /api/v1/plans/{id}.
func (h *REST) GetPlan(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Planner.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to read plan")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ResumePlan handles POST /api/v1/plans/{id}/resume. It re-enqueues the
// current batch's outstanding tasks after a failed release.
func (h *REST) ResumePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Planner.Resume(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "failed to resume plan")
		return
	}
	st, err := h.deps.Planner.Status(id)
	if err != nil {
		// finished while resuming
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
		return
	}
	h.logger.Info("plan resumed", slog.String("plan_id", id), slog.Int("batch", st.Batch))
	writeJSON(w, http.StatusAccepted, st)
}

// ─── Deployments ─────────────────────────────────────────────────────────────

// StartDeploymentRequest is the JSON body for POST /api/v1/deployments.
// Stages and StageDuration fall back to the configured defaults.
type StartDeploymentRequest struct {
	DeploymentID  string `json:"deployment_id"`
	Stages        []int  `json:"stages,omitempty"`
	StageDuration string `json:"stage_duration,omitempty"`
}

// ListDeployments handles GET /api/v1/deployments.
func (h *REST) ListDeployments(w http.ResponseWriter, _ *http.Request) {
	if !h.canaryEnabled(w) {
		return
	}
	list := h.deps.Deployments.List()
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	writeJSON(w, http.StatusOK, list)
}

// StartDeployment handles POST /api/v1/deployments.
func (h *REST) StartDeployment(w http.ResponseWriter, r *http.Request) {
	if !h.canaryEnabled(w) {
		return
	}
	var req StartDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	stages := req.Stages
	if len(stages) == 0 {
		stages = h.deps.CanaryStages
	}
	duration := h.deps.CanaryStageDuration
	if req.StageDuration != "" {
		d, err := time.ParseDuration(req.StageDuration)
		if err != nil {
			writeError(w, http.StatusBadRequest, "stage_duration: "+err.Error())
			return
		}
		duration = d
	}

	ro, err := h.deps.Deployments.StartDeployment(r.Context(), req.DeploymentID, stages, duration)
	if err != nil {
		h.writeDomainError(w, err, "failed to start deployment")
		return
	}
	writeJSON(w, http.StatusAccepted, ro)
}

// GetDeployment handles GET /api/v1/deployments/{id}. Rollouts this process
// no longer holds are read from the audit trail.
func (h *REST) GetDeployment(w http.ResponseWriter, r *http.Request) {
	if h.deps.Deployments == nil && h.deps.History == nil {
		h.canaryEnabled(w)
		return
	}
	id := chi.URLParam(r, "id")
	var (
		ro  *domain.Rollout
		err error = &domain.DeploymentNotFoundError{DeploymentID: id}
	)
	if h.deps.Deployments != nil {
		ro, err = h.deps.Deployments.Get(id)
	}
	var notFound *domain.DeploymentNotFoundError
	if errors.As(err, &notFound) && h.deps.History != nil {
		ro, err = h.deps.History.GetRollout(r.Context(), id)
	}
	if err != nil {
		h.writeDomainError(w, err, "failed to read deployment")
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

// RollbackDeployment handles POST /api/v1/deployments/{id}/rollback.
func (h *REST) RollbackDeployment(w http.ResponseWriter, r *http.Request) {
	if !h.canaryEnabled(w) {
		return
	}
	id := chi.URLParam(r, "id")
	ro, err := h.deps.Deployments.Rollback(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "failed to roll back deployment")
		return
	}
	h.logger.Warn("rollback requested", slog.String("deployment_id", id))
	writeJSON(w, http.StatusOK, ro)
}

func (h *REST) canaryEnabled(w http.ResponseWriter) bool {
	if h.deps.Deployments == nil {
		writeError(w, http.StatusNotImplemented, "canary deployments are not configured")
		return false
	}
	return true
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

// AggregateMetric handles GET /api/v1/metrics/{type}/aggregate.
func (h *REST) AggregateMetric(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		writeError(w, http.StatusNotImplemented, "metrics stream is not configured")
		return
	}
	t := domain.MetricType(chi.URLParam(r, "type"))
	if !t.Valid() {
		writeError(w, http.StatusBadRequest, "unknown metric type "+strconv.Quote(string(t)))
		return
	}
	agg, err := h.deps.Metrics.Aggregate(t)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// ─── Health ──────────────────────────────────────────────────────────────────

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeDomainError maps the typed errors to status codes and hides anything else.
func (h *REST) writeDomainError(w http.ResponseWriter, err error, msg string) {
	var (
		taskNotFound   *domain.TaskNotFoundError
		planNotFound   *planner.PlanNotFoundError
		deployNotFound *domain.DeploymentNotFoundError
		invalid        *domain.InvalidTransitionError
		cfgErr         *domain.ConfigError
	)
	switch {
	case errors.As(err, &taskNotFound), errors.As(err, &planNotFound), errors.As(err, &deployNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid), errors.Is(err, domain.ErrDuplicateTask), errors.Is(err, domain.ErrDeploymentRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnbreakableCycle):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
