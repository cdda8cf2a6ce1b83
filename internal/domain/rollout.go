package domain

import "time"

// RolloutStatus is the lifecycle status of a canary deployment.
type RolloutStatus string

const (
	RolloutRunning    RolloutStatus = "running"
	RolloutCompleted  RolloutStatus = "completed"
	RolloutRolledBack RolloutStatus = "rolled_back"
	RolloutFailed     RolloutStatus = "failed"
)

// IsTerminal returns true once the rollout can no longer change.
func (s RolloutStatus) IsTerminal() bool { return s != RolloutRunning }

// HealthVerdict classifies a single health sample.
type HealthVerdict string

const (
	HealthHealthy   HealthVerdict = "healthy"
	HealthDegraded  HealthVerdict = "degraded"
	HealthUnhealthy HealthVerdict = "unhealthy"
)

// Health is what a deployment target reports when polled.
type Health struct {
	ErrorRate float64       `json:"error_rate"`
	Latency   time.Duration `json:"latency"`
}

// HealthSample is a classified health observation taken during a stage.
type HealthSample struct {
	Stage     int           `json:"stage"`
	ErrorRate float64       `json:"error_rate"`
	Latency   time.Duration `json:"latency"`
	Verdict   HealthVerdict `json:"verdict"`
	At        time.Time     `json:"at"`
}

// Rollout is a snapshot of a canary deployment.
type Rollout struct {
	DeploymentID string         `json:"deployment_id"`
	Stages       []int          `json:"stages"`
	StageIndex   int            `json:"current_stage_index"`
	Status       RolloutStatus  `json:"status"`
	Reason       string         `json:"reason,omitempty"`
	Samples      []HealthSample `json:"samples,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Traffic returns the traffic percentage of the current stage, or 0 once rolled back.
func (r *Rollout) Traffic() int {
	if r.Status == RolloutRolledBack || r.Status == RolloutFailed {
		return 0
	}
	if r.StageIndex < 0 || r.StageIndex >= len(r.Stages) {
		return 0
	}
	return r.Stages[r.StageIndex]
}
