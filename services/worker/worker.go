package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// errInterrupted marks executions cut short by pool shutdown.
var errInterrupted = errors.New("interrupted by shutdown")

// PanicError is returned when an executor panics. It is retryable.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("executor panic: %v", e.Value) }

type execResult struct {
	result domain.Result
	err    error
}

// process runs one claimed task to a reported outcome. It returns true when
// the task was handed back because the breaker is open.
func (p *Pool) process(workerID string, task *domain.Task) bool {
	ctx, span := telemetry.Tracer("worker").Start(p.taskCtx, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.stage", task.Type),
		attribute.String("queue", p.queue.Name()),
		attribute.String("worker.id", workerID),
		attribute.Int("task.retry_count", task.RetryCount),
	)

	log := p.log.With(
		slog.String("task_id", task.ID),
		slog.String("worker_id", workerID),
	)

	telemetry.WorkerTasksInFlight.WithLabelValues(p.cfg.Stage).Inc()
	defer telemetry.WorkerTasksInFlight.WithLabelValues(p.cfg.Stage).Dec()

	start := time.Now()
	var res domain.Result
	call := func() error {
		var err error
		res, err = p.execute(ctx, task)
		return err
	}
	var err error
	if p.guard != nil {
		err = p.guard.Execute(call)
	} else {
		err = call()
	}
	duration := time.Since(start)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(p.cfg.Stage).Observe(duration.Seconds())
	if err != nil {
		span.RecordError(err)
	}

	rctx, cancel := p.reportContext()
	defer cancel()

	outcome := domain.Outcome{Task: task, Result: res, Err: err, Duration: duration}
	status := domain.ExecutionSucceeded

	var (
		qa   *domain.QAFailedError
		perm *domain.PermanentError
	)
	switch {
	case err == nil:
		if cerr := p.queue.Complete(rctx, task.ID, workerID, res); cerr != nil {
			p.reportFailed(log, "complete task", cerr)
			return false
		}
		log.Info("task completed", slog.Int64("duration_ms", duration.Milliseconds()))

	case errors.As(err, &qa):
		if cerr := p.queue.Complete(rctx, task.ID, workerID, res); cerr != nil {
			p.reportFailed(log, "complete task", cerr)
			return false
		}
		outcome.Err = nil
		outcome.QAFailed = true
		outcome.Issues = qa.Issues
		status = domain.ExecutionQAFailed
		log.Info("task failed verification", slog.String("issues", qa.Issues))

	case errors.Is(err, domain.ErrBreakerOpen):
		span.SetStatus(codes.Error, "breaker open")
		if rerr := p.queue.Release(rctx, task.ID, workerID, p.cfg.BreakerBackoff); rerr != nil {
			log.Error("release task", slog.String("error", rerr.Error()))
		}
		log.Warn("breaker open, task released", slog.Duration("delay", p.cfg.BreakerBackoff))
		p.record(rctx, workerID, task, domain.ExecutionReleased, duration, err)
		telemetry.WorkerTasksProcessed.WithLabelValues(p.cfg.Stage, string(domain.ExecutionReleased)).Inc()
		return true

	default:
		retryable := !errors.As(err, &perm)
		if errors.Is(err, errInterrupted) {
			status = domain.ExecutionInterrupted
		}
		fr, ferr := p.queue.Fail(rctx, task.ID, workerID, err, retryable)
		if ferr != nil {
			p.reportFailed(log.With(slog.String("cause", err.Error())), "fail task", ferr)
			return false
		}
		if fr.Task != nil {
			outcome.Task = fr.Task
		}
		outcome.DeadLettered = fr.DeadLettered
		if status != domain.ExecutionInterrupted {
			status = domain.ExecutionRetrying
			if fr.DeadLettered {
				status = domain.ExecutionDeadLetter
			}
		}
		span.SetStatus(codes.Error, string(status))
		log.Warn("task failed",
			slog.String("error", err.Error()),
			slog.Bool("retryable", retryable),
			slog.Bool("dead_lettered", fr.DeadLettered),
			slog.Duration("retry_in", fr.Delay),
		)
		p.broadcast(rctx, domain.MetricError, 1, task, status)
	}

	telemetry.WorkerTasksProcessed.WithLabelValues(p.cfg.Stage, string(status)).Inc()
	p.record(rctx, workerID, task, status, duration, outcome.Err)
	p.broadcast(rctx, domain.MetricPerformance, float64(duration.Milliseconds()), task, status)

	if p.outcomes != nil {
		if oerr := p.outcomes.Observe(rctx, outcome); oerr != nil {
			log.Error("report outcome", slog.String("error", oerr.Error()))
		}
	}
	return false
}

// reportFailed logs a queue update the pool could not apply. A lost claim
// means another worker owns the task now, so the attempt is dropped quietly.
func (p *Pool) reportFailed(log *slog.Logger, op string, err error) {
	if errors.Is(err, domain.ErrClaimLost) {
		telemetry.WorkerTasksProcessed.WithLabelValues(p.cfg.Stage, "claim_lost").Inc()
		log.Warn("claim lost, discarding attempt", slog.String("op", op), slog.String("error", err.Error()))
		return
	}
	log.Error(op, slog.String("error", err.Error()))
}

// execute runs the executor under TaskTimeout. The deadline holds even when
// the executor ignores its context; a panic becomes a *PanicError.
func (p *Pool) execute(ctx context.Context, task *domain.Task) (domain.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: &PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		res, err := p.exec.Execute(ctx, task.Clone())
		done <- execResult{result: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && p.taskCtx.Err() != nil {
			return r.result, fmt.Errorf("%w: %v", errInterrupted, r.err)
		}
		return r.result, r.err
	case <-ctx.Done():
		if p.taskCtx.Err() != nil {
			return domain.Result{}, errInterrupted
		}
		return domain.Result{}, fmt.Errorf("task exceeded timeout of %s: %w", p.cfg.TaskTimeout, ctx.Err())
	}
}

func (p *Pool) record(ctx context.Context, workerID string, task *domain.Task, status domain.ExecutionStatus, d time.Duration, err error) {
	if p.audit == nil {
		return
	}
	exec := &domain.Execution{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		Stage:      p.cfg.Stage,
		WorkerID:   workerID,
		Attempt:    task.RetryCount + 1,
		Status:     status,
		DurationMs: d.Milliseconds(),
		ExecutedAt: time.Now().UTC(),
	}
	if err != nil {
		exec.Error = err.Error()
	}
	if aerr := p.audit.RecordExecution(ctx, exec); aerr != nil {
		p.log.Error("failed to record execution", slog.String("task_id", task.ID), slog.String("error", aerr.Error()))
	}
}

func (p *Pool) broadcast(ctx context.Context, t domain.MetricType, value float64, task *domain.Task, status domain.ExecutionStatus) {
	if p.metrics == nil {
		return
	}
	p.metrics.Broadcast(ctx, domain.MetricSample{
		Type:  t,
		Value: value,
		Tags: map[string]string{
			"stage":   p.cfg.Stage,
			"task_id": task.ID,
			"status":  string(status),
		},
	})
}
