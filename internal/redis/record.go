package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// Wire format of a task record. Each field is stored as one hash field under
// task:<id>; timestamps are unix milliseconds with 0 meaning unset.
const (
	fieldID           = "id"
	fieldType         = "type"
	fieldPayload      = "payload"
	fieldPriority     = "priority"
	fieldState        = "state"
	fieldRetryCount   = "retry_count"
	fieldMaxRetries   = "max_retries"
	fieldCreatedAt    = "created_at"
	fieldStartedAt    = "started_at"
	fieldCompletedAt  = "completed_at"
	fieldWorkerID     = "worker_id"
	fieldError        = "error"
	fieldOriginTaskID = "origin_task_id"
	fieldResult       = "result"
	fieldFixAttempts  = "fix_attempts"
	fieldKnownIssues  = "known_issues"
	fieldLabels       = "labels"
)

// encodeRecord flattens a task into hash field/value pairs.
func encodeRecord(t *domain.Task) ([]any, error) {
	labels := ""
	if len(t.Labels) > 0 {
		raw, err := json.Marshal(t.Labels)
		if err != nil {
			return nil, fmt.Errorf("marshal labels: %w", err)
		}
		labels = string(raw)
	}
	return []any{
		fieldID, t.ID,
		fieldType, t.Type,
		fieldPayload, string(t.Payload),
		fieldPriority, strconv.Itoa(t.Priority),
		fieldState, string(t.State),
		fieldRetryCount, strconv.Itoa(t.RetryCount),
		fieldMaxRetries, strconv.Itoa(t.MaxRetries),
		fieldCreatedAt, formatMillis(&t.CreatedAt),
		fieldStartedAt, formatMillis(t.StartedAt),
		fieldCompletedAt, formatMillis(t.CompletedAt),
		fieldWorkerID, t.WorkerID,
		fieldError, t.Error,
		fieldOriginTaskID, t.OriginTaskID,
		fieldResult, string(t.Result),
		fieldFixAttempts, strconv.Itoa(t.FixAttempts),
		fieldKnownIssues, formatBool(t.KnownIssues),
		fieldLabels, labels,
	}, nil
}

// decodeRecord rebuilds a task from the fields returned by HGETALL.
func decodeRecord(fields map[string]string) (*domain.Task, error) {
	t := &domain.Task{
		ID:           fields[fieldID],
		Type:         fields[fieldType],
		State:        domain.State(fields[fieldState]),
		WorkerID:     fields[fieldWorkerID],
		Error:        fields[fieldError],
		OriginTaskID: fields[fieldOriginTaskID],
		KnownIssues:  fields[fieldKnownIssues] == "1",
	}
	if p := fields[fieldPayload]; p != "" {
		t.Payload = []byte(p)
	}
	if r := fields[fieldResult]; r != "" {
		t.Result = []byte(r)
	}

	var err error
	if t.Priority, err = atoi(fields, fieldPriority); err != nil {
		return nil, err
	}
	if t.RetryCount, err = atoi(fields, fieldRetryCount); err != nil {
		return nil, err
	}
	if t.MaxRetries, err = atoi(fields, fieldMaxRetries); err != nil {
		return nil, err
	}
	if t.FixAttempts, err = atoi(fields, fieldFixAttempts); err != nil {
		return nil, err
	}

	created, err := parseMillis(fields[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", fieldCreatedAt, err)
	}
	if created != nil {
		t.CreatedAt = *created
	}
	if t.StartedAt, err = parseMillis(fields[fieldStartedAt]); err != nil {
		return nil, fmt.Errorf("field %s: %w", fieldStartedAt, err)
	}
	if t.CompletedAt, err = parseMillis(fields[fieldCompletedAt]); err != nil {
		return nil, fmt.Errorf("field %s: %w", fieldCompletedAt, err)
	}

	if raw := fields[fieldLabels]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Labels); err != nil {
			return nil, fmt.Errorf("field %s: %w", fieldLabels, err)
		}
	}
	return t, nil
}

func atoi(fields map[string]string, key string) (int, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return n, nil
}

func formatMillis(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) (*time.Time, error) {
	if v == "" || v == "0" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, err
	}
	ts := time.UnixMilli(ms).UTC()
	return &ts, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
