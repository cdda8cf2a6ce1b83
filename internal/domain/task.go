package domain

import "time"

// State represents the lifecycle states a task can be in.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDeadLetter State = "dead_letter"
)

// IsTerminal returns true if no further state transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateDeadLetter
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateDeadLetter:
		return true
	}
	return false
}

// Well-known label keys carried through a task's lineage.
const (
	LabelDeployment = "deployment"
	LabelPath       = "path"
	LabelIssues     = "qa_issues"
	LabelPlan       = "plan"
)

// Task is the unit of work moved through the pipeline stages.
type Task struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Payload      []byte            `json:"payload,omitempty"`
	Priority     int               `json:"priority"`
	State        State             `json:"state"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	WorkerID     string            `json:"worker_id,omitempty"`
	Error        string            `json:"error,omitempty"`
	OriginTaskID string            `json:"origin_task_id,omitempty"`
	Result       []byte            `json:"result,omitempty"`
	FixAttempts  int               `json:"fix_attempts,omitempty"`
	KnownIssues  bool              `json:"known_issues,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Payload != nil {
		cp.Payload = append([]byte(nil), t.Payload...)
	}
	if t.Result != nil {
		cp.Result = append([]byte(nil), t.Result...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.Labels != nil {
		cp.Labels = make(map[string]string, len(t.Labels))
		for k, v := range t.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}

// Label returns the value of a label or "".
func (t *Task) Label(key string) string {
	if t.Labels == nil {
		return ""
	}
	return t.Labels[key]
}

// Derive builds the follow-up task for stage. The derived id is deterministic so that
// re-delivered events enqueue the same task and are rejected as duplicates.
func (t *Task) Derive(stage string, payload []byte) *Task {
	child := &Task{
		ID:           t.ID + ">" + stage,
		Type:         stage,
		Payload:      payload,
		Priority:     t.Priority,
		State:        StatePending,
		MaxRetries:   t.MaxRetries,
		CreatedAt:    time.Now().UTC(),
		OriginTaskID: t.ID,
		FixAttempts:  t.FixAttempts,
		KnownIssues:  t.KnownIssues,
	}
	if len(t.Labels) > 0 {
		child.Labels = make(map[string]string, len(t.Labels))
		for k, v := range t.Labels {
			child.Labels[k] = v
		}
	}
	return child
}

// Result is what an executor produces for a task.
type Result struct {
	Output []byte `json:"output,omitempty"`
}

// FailureRecord is one entry of a task's failure history.
type FailureRecord struct {
	At         time.Time `json:"at"`
	RetryCount int       `json:"retry_count"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Error      string    `json:"error"`
	Retried    bool      `json:"retried"`
}

// Outcome is reported by a worker after it finished handling a claimed task.
type Outcome struct {
	Task         *Task
	Result       Result
	Err          error
	QAFailed     bool
	Issues       string
	DeadLettered bool
	Duration     time.Duration
}

// Succeeded reports whether the executor completed the task, including QA verdicts.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// ExecutionStatus is the audited result of one attempt.
type ExecutionStatus string

const (
	ExecutionSucceeded   ExecutionStatus = "succeeded"
	ExecutionQAFailed    ExecutionStatus = "qa_failed"
	ExecutionRetrying    ExecutionStatus = "retrying"
	ExecutionDeadLetter  ExecutionStatus = "dead_letter"
	ExecutionReleased    ExecutionStatus = "released"
	ExecutionInterrupted ExecutionStatus = "interrupted"
)

// Execution records a single attempt at running a task.
type Execution struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Stage      string          `json:"stage"`
	WorkerID   string          `json:"worker_id"`
	Attempt    int             `json:"attempt"`
	Status     ExecutionStatus `json:"status"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}
