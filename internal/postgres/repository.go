package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// AuditRepository is the durable audit trail of task attempts, dead letters and rollouts.
// The queue in Redis is the source of truth; this store only answers "what happened".
type AuditRepository interface {
	RecordExecution(ctx context.Context, exec *domain.Execution) error
	RecordDeadLetter(ctx context.Context, task *domain.Task) error
	RecordRollout(ctx context.Context, r *domain.Rollout) error
	ListExecutions(ctx context.Context, taskID string) ([]*domain.Execution, error)
	GetRollout(ctx context.Context, deploymentID string) (*domain.Rollout, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the AuditRepository interface.
func NewRepository(pool *pgxpool.Pool) AuditRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema files in name order. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
	}
	return nil
}

func (r *repository) RecordExecution(ctx context.Context, exec *domain.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_executions
			(id, task_id, stage, worker_id, attempt, status, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		exec.ID, exec.TaskID, exec.Stage, exec.WorkerID, exec.Attempt,
		string(exec.Status), exec.DurationMs, exec.Error, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record execution for task %s: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) RecordDeadLetter(ctx context.Context, task *domain.Task) error {
	deadAt := time.Now().UTC()
	if task.CompletedAt != nil {
		deadAt = *task.CompletedAt
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dead_letters
			(task_id, stage, origin_task_id, priority, retry_count, error, payload, dead_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE
		SET retry_count = EXCLUDED.retry_count, error = EXCLUDED.error, dead_at = EXCLUDED.dead_at
	`,
		task.ID, task.Type, task.OriginTaskID, task.Priority,
		task.RetryCount, task.Error, task.Payload, deadAt,
	)
	if err != nil {
		return fmt.Errorf("record dead letter %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) RecordRollout(ctx context.Context, ro *domain.Rollout) error {
	samples, err := json.Marshal(ro.Samples)
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO rollouts
			(deployment_id, status, traffic, stage_index, reason, samples, started_at, finished_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (deployment_id) DO UPDATE
		SET status = EXCLUDED.status, traffic = EXCLUDED.traffic, stage_index = EXCLUDED.stage_index,
		    reason = EXCLUDED.reason, samples = EXCLUDED.samples, finished_at = EXCLUDED.finished_at
	`,
		ro.DeploymentID, string(ro.Status), ro.Traffic(), ro.StageIndex,
		ro.Reason, samples, ro.StartedAt, ro.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record rollout %s: %w", ro.DeploymentID, err)
	}
	return nil
}

func (r *repository) ListExecutions(ctx context.Context, taskID string) ([]*domain.Execution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, stage, worker_id, attempt, status, duration_ms, error, executed_at
		FROM task_executions
		WHERE task_id = $1
		ORDER BY executed_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list executions for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		var (
			e      domain.Execution
			status string
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Stage, &e.WorkerID, &e.Attempt,
			&status, &e.DurationMs, &e.Error, &e.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Status = domain.ExecutionStatus(status)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *repository) GetRollout(ctx context.Context, deploymentID string) (*domain.Rollout, error) {
	var (
		ro      domain.Rollout
		status  string
		traffic int
		samples []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT deployment_id, status, traffic, stage_index, reason, samples, started_at, finished_at
		FROM rollouts
		WHERE deployment_id = $1
	`, deploymentID).Scan(&ro.DeploymentID, &status, &traffic, &ro.StageIndex,
		&ro.Reason, &samples, &ro.StartedAt, &ro.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.DeploymentNotFoundError{DeploymentID: deploymentID}
		}
		return nil, fmt.Errorf("get rollout %s: %w", deploymentID, err)
	}
	ro.Status = domain.RolloutStatus(status)
	if len(samples) > 0 {
		if err := json.Unmarshal(samples, &ro.Samples); err != nil {
			return nil, fmt.Errorf("decode samples: %w", err)
		}
	}
	return &ro, nil
}

// NoopRepository discards every record. It is used when no DSN is configured.
type NoopRepository struct{}

func (NoopRepository) RecordExecution(context.Context, *domain.Execution) error { return nil }
func (NoopRepository) RecordDeadLetter(context.Context, *domain.Task) error     { return nil }
func (NoopRepository) RecordRollout(context.Context, *domain.Rollout) error     { return nil }
func (NoopRepository) ListExecutions(context.Context, string) ([]*domain.Execution, error) {
	return nil, nil
}
func (NoopRepository) GetRollout(_ context.Context, id string) (*domain.Rollout, error) {
	return nil, &domain.DeploymentNotFoundError{DeploymentID: id}
}
