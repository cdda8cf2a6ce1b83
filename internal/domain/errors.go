package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTask is matched by DuplicateTaskError via errors.Is.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrBreakerOpen is returned when a circuit breaker short-circuits a call.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrDeploymentRunning is returned when a rollout with the same id is already running.
	ErrDeploymentRunning = errors.New("deployment already running")
	// ErrClaimLost is matched by ClaimLostError via errors.Is.
	ErrClaimLost = errors.New("claim lost")
	// ErrUnbreakableCycle is returned when cycle breaking leaves a cyclic graph behind.
	ErrUnbreakableCycle = errors.New("dependency graph contains an unbreakable cycle")
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// DuplicateTaskError is returned when a task id is enqueued twice without overwrite.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already enqueued", e.TaskID)
}

func (e *DuplicateTaskError) Is(target error) bool { return target == ErrDuplicateTask }

// InvalidTransitionError is returned when a task is not in the state an operation requires.
type InvalidTransitionError struct {
	TaskID string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// ClaimLostError is returned when a worker reports on a task it no longer
// holds, typically because its claim expired and another worker took it.
type ClaimLostError struct {
	TaskID   string
	WorkerID string
	Owner    string
}

func (e *ClaimLostError) Error() string {
	return fmt.Sprintf("task %s is no longer claimed by %s (owner %q)", e.TaskID, e.WorkerID, e.Owner)
}

func (e *ClaimLostError) Is(target error) bool { return target == ErrClaimLost }

// PermanentError marks an executor failure that must not be retried (validation or
// policy rejection). The task goes straight to the dead-letter state.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so workers dead-letter the task without consuming a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// QAFailedError is returned by verification executors when the check ran but the
// artifact did not pass. It is a verdict, not an execution failure.
type QAFailedError struct {
	Issues string
}

func (e *QAFailedError) Error() string {
	return fmt.Sprintf("qa failed: %s", e.Issues)
}

// DeploymentNotFoundError is returned for unknown deployment ids.
type DeploymentNotFoundError struct {
	DeploymentID string
}

func (e *DeploymentNotFoundError) Error() string {
	return fmt.Sprintf("deployment not found: %s", e.DeploymentID)
}

// ConfigError is returned for invalid configuration detected at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
