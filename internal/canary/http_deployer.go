package canary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	"github.com/ramiqadoumi/stageflow/pkg/telemetry"
)

// HTTPDeployer talks to a deploy agent exposing
//
//	POST {base}/deployments/{id}/traffic   {"percent": 25}
//	POST {base}/deployments/{id}/rollback
//	GET  {base}/deployments/{id}/health -> {"error_rate": 0.01, "latency_ms": 120}
type HTTPDeployer struct {
	base   string
	token  string
	client *http.Client
}

// NewHTTPDeployer returns a deployer for the agent at baseURL. token, when set,
// is sent as a bearer token.
func NewHTTPDeployer(baseURL, token string) *HTTPDeployer {
	return &HTTPDeployer{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

type trafficRequest struct {
	Percent int `json:"percent"`
}

type healthResponse struct {
	ErrorRate float64 `json:"error_rate"`
	LatencyMs float64 `json:"latency_ms"`
}

// SetTraffic implements Deployer.
func (d *HTTPDeployer) SetTraffic(ctx context.Context, id string, percent int) error {
	body, _ := json.Marshal(trafficRequest{Percent: percent})
	_, err := d.do(ctx, "canary.set_traffic", http.MethodPost, id, "traffic", body)
	return err
}

// Rollback implements Deployer.
func (d *HTTPDeployer) Rollback(ctx context.Context, id string) error {
	_, err := d.do(ctx, "canary.rollback", http.MethodPost, id, "rollback", nil)
	return err
}

// CheckHealth implements Deployer.
func (d *HTTPDeployer) CheckHealth(ctx context.Context, id string) (domain.Health, error) {
	raw, err := d.do(ctx, "canary.check_health", http.MethodGet, id, "health", nil)
	if err != nil {
		return domain.Health{}, err
	}
	var h healthResponse
	if err := json.Unmarshal(raw, &h); err != nil {
		return domain.Health{}, fmt.Errorf("decode health for %s: %w", id, err)
	}
	return domain.Health{
		ErrorRate: h.ErrorRate,
		Latency:   time.Duration(h.LatencyMs * float64(time.Millisecond)),
	}, nil
}

// do issues one request. 4xx answers other than 429 are permanent.
func (d *HTTPDeployer) do(ctx context.Context, spanName, method, id, action string, body []byte) ([]byte, error) {
	ctx, span := telemetry.Tracer("canary").Start(ctx, spanName)
	defer span.End()

	target := fmt.Sprintf("%s/deployments/%s/%s", d.base, url.PathEscape(id), action)
	span.SetAttributes(
		attribute.String("deployment.id", id),
		attribute.String("http.url", target),
	)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return nil, fmt.Errorf("build %s request: %w", action, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return nil, fmt.Errorf("%s %s: %w", action, id, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", action, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("%s %s returned status %d: %s", action, id, resp.StatusCode, strings.TrimSpace(string(raw)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		if resp.StatusCode < http.StatusInternalServerError && resp.StatusCode != http.StatusTooManyRequests {
			return nil, domain.Permanent(err)
		}
		return nil, err
	}
	return raw, nil
}
