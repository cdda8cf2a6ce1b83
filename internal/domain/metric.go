package domain

import "time"

// MetricType names a metric stream.
type MetricType string

const (
	MetricTaskProgress MetricType = "task-progress"
	MetricSystemHealth MetricType = "system-health"
	MetricPerformance  MetricType = "performance"
	MetricQueueStatus  MetricType = "queue-status"
	MetricWorkerStatus MetricType = "worker-status"
	MetricError        MetricType = "error"
	MetricDeployment   MetricType = "deployment"
)

// MetricTypes lists every known metric type.
var MetricTypes = []MetricType{
	MetricTaskProgress, MetricSystemHealth, MetricPerformance,
	MetricQueueStatus, MetricWorkerStatus, MetricError, MetricDeployment,
}

// Valid reports whether t is a known metric type.
func (t MetricType) Valid() bool {
	for _, known := range MetricTypes {
		if t == known {
			return true
		}
	}
	return false
}

// MetricSample is one observation pushed to the metrics stream.
type MetricSample struct {
	Type      MetricType        `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Data      any               `json:"data,omitempty"`
}

// QueueStats is the queue statistics snapshot.
type QueueStats struct {
	Pending     int64   `json:"pending"`
	Processing  int64   `json:"processing"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	DeadLetter  int64   `json:"dead_letter"`
	SuccessRate float64 `json:"success_rate"`
}
