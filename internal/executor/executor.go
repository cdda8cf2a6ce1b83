// Package executor holds the stage executors workers invoke.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// Executor runs one task of a stage. Returning a *domain.QAFailedError reports
// a failed verification verdict; a *domain.PermanentError skips retries.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) (domain.Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, task *domain.Task) (domain.Result, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, task *domain.Task) (domain.Result, error) {
	return f(ctx, task)
}

// UnknownStageError is returned when no executor is registered for a stage.
type UnknownStageError struct {
	Stage string
}

func (e *UnknownStageError) Error() string {
	return fmt.Sprintf("no executor registered for stage %q", e.Stage)
}

// Registry maps stages to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds or replaces the executor for stage. Safe to call concurrently.
func (r *Registry) Register(stage string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[stage] = e
}

// Get returns the executor for stage.
func (r *Registry) Get(stage string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[stage]
	if !ok {
		return nil, &UnknownStageError{Stage: stage}
	}
	return e, nil
}

// Stages returns the registered stages, sorted.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for s := range r.executors {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Execute dispatches on task.Type. An unregistered stage is a permanent failure.
func (r *Registry) Execute(ctx context.Context, task *domain.Task) (domain.Result, error) {
	e, err := r.Get(task.Type)
	if err != nil {
		return domain.Result{}, domain.Permanent(err)
	}
	return e.Execute(ctx, task)
}

// Echo completes every task with its payload as output.
func Echo() Executor {
	return Func(func(ctx context.Context, task *domain.Task) (domain.Result, error) {
		if err := ctx.Err(); err != nil {
			return domain.Result{}, err
		}
		return domain.Result{Output: append([]byte(nil), task.Payload...)}, nil
	})
}
