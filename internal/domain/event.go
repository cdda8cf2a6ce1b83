package domain

import "time"

// EventKind identifies a pipeline event.
type EventKind string

const (
	EventFileCompleted    EventKind = "file_completed"
	EventQAFailed         EventKind = "qa_failed"
	EventFixCompleted     EventKind = "fix_completed"
	EventDeployReady      EventKind = "deploy_ready"
	EventTaskDeadLettered EventKind = "task_dead_lettered"
)

// Event is a task-outcome notification routed between pipeline stages.
type Event struct {
	Kind   EventKind `json:"kind"`
	Task   *Task     `json:"task"`
	Stage  string    `json:"stage"`
	Result []byte    `json:"result,omitempty"`
	Issues string    `json:"issues,omitempty"`
	At     time.Time `json:"at"`
}

// TaskID returns the id of the task the event is about.
func (e Event) TaskID() string {
	if e.Task == nil {
		return ""
	}
	return e.Task.ID
}
