package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// Verdicts a webhook may return.
const (
	VerdictOK       = "ok"
	VerdictQAFailed = "qa_failed"
)

// webhookRequest is the JSON body posted for each task.
type webhookRequest struct {
	TaskID       string            `json:"task_id"`
	Stage        string            `json:"stage"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Attempt      int               `json:"attempt"`
	FixAttempts  int               `json:"fix_attempts"`
	KnownIssues  bool              `json:"known_issues"`
	OriginTaskID string            `json:"origin_task_id,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
}

// webhookResponse is what the endpoint answers with on 2xx.
type webhookResponse struct {
	Verdict string          `json:"verdict"`
	Output  json.RawMessage `json:"output,omitempty"`
	Issues  string          `json:"issues,omitempty"`
}

// WebhookOption configures a WebhookExecutor.
type WebhookOption func(*WebhookExecutor)

// WithHeader sets a header on every request.
func WithHeader(key, value string) WebhookOption {
	return func(w *WebhookExecutor) { w.headers[key] = value }
}

// WithTimeout sets the HTTP client timeout. The worker's task deadline still applies.
func WithTimeout(d time.Duration) WebhookOption {
	return func(w *WebhookExecutor) { w.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookExecutor) { w.client = c }
}

// WebhookExecutor posts each task to an HTTP endpoint.
//
// 2xx answers carry {"verdict": "ok"|"qa_failed", "output": ..., "issues": "..."}.
// 4xx answers other than 408 and 429 are permanent failures; anything else is retried.
type WebhookExecutor struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// NewWebhookExecutor creates a WebhookExecutor for url.
func NewWebhookExecutor(url string, opts ...WebhookOption) *WebhookExecutor {
	w := &WebhookExecutor{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Minute},
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute implements Executor.
func (w *WebhookExecutor) Execute(ctx context.Context, task *domain.Task) (domain.Result, error) {
	ctx, span := telemetry.Tracer("executor").Start(ctx, "executor.webhook")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.stage", task.Type),
		attribute.String("webhook.url", w.url),
	)

	body, err := json.Marshal(webhookRequest{
		TaskID:       task.ID,
		Stage:        task.Type,
		Payload:      rawJSON(task.Payload),
		Attempt:      task.RetryCount + 1,
		FixAttempts:  task.FixAttempts,
		KnownIssues:  task.KnownIssues,
		OriginTaskID: task.OriginTaskID,
		Labels:       task.Labels,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode request failed")
		return domain.Result{}, domain.Permanent(fmt.Errorf("encode webhook request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return domain.Result{}, domain.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return domain.Result{}, fmt.Errorf("webhook call to %s: %w", w.url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		span.RecordError(err)
		return domain.Result{}, fmt.Errorf("read webhook response: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d: %s", w.url, resp.StatusCode, strings.TrimSpace(string(raw)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		if permanentStatus(resp.StatusCode) {
			return domain.Result{}, domain.Permanent(err)
		}
		return domain.Result{}, err
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.Result{}, nil
	}
	var out webhookResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid response")
		return domain.Result{}, fmt.Errorf("decode webhook response: %w", err)
	}
	result := domain.Result{Output: []byte(out.Output)}
	switch out.Verdict {
	case "", VerdictOK:
		return result, nil
	case VerdictQAFailed:
		span.SetAttributes(attribute.Bool("qa.failed", true))
		return result, &domain.QAFailedError{Issues: out.Issues}
	default:
		err := errors.New("webhook returned unknown verdict " + out.Verdict)
		span.RecordError(err)
		return domain.Result{}, domain.Permanent(err)
	}
}

func permanentStatus(code int) bool {
	return code < http.StatusInternalServerError &&
		code != http.StatusRequestTimeout &&
		code != http.StatusTooManyRequests
}

// rawJSON passes JSON payloads through and quotes anything else.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
