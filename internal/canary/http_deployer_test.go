package canary

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

func TestHTTPDeployer(t *testing.T) {
	var traffic []int
	var rolledBack bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/deployments/web v2/traffic":
			var body trafficRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			traffic = append(traffic, body.Percent)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/deployments/web v2/rollback":
			rolledBack = true
		case r.Method == http.MethodGet && r.URL.Path == "/deployments/web v2/health":
			w.Write([]byte(`{"error_rate":0.07,"latency_ms":250}`)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewHTTPDeployer(srv.URL+"/", "s3cret")
	ctx := context.Background()

	require.NoError(t, d.SetTraffic(ctx, "web v2", 25))
	require.NoError(t, d.Rollback(ctx, "web v2"))
	h, err := d.CheckHealth(ctx, "web v2")
	require.NoError(t, err)

	assert.Equal(t, []int{25}, traffic)
	assert.True(t, rolledBack)
	assert.InDelta(t, 0.07, h.ErrorRate, 1e-9)
	assert.Equal(t, 250*time.Millisecond, h.Latency)
}

func TestHTTPDeployer_StatusClassification(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", status)
	}))
	defer srv.Close()
	d := NewHTTPDeployer(srv.URL, "")

	err := d.SetTraffic(context.Background(), "svc", 10)
	var perm *domain.PermanentError
	assert.True(t, errors.As(err, &perm), "4xx is permanent")

	status = http.StatusServiceUnavailable
	err = d.SetTraffic(context.Background(), "svc", 10)
	require.Error(t, err)
	assert.False(t, errors.As(err, &perm), "5xx is retryable")

	status = http.StatusTooManyRequests
	err = d.SetTraffic(context.Background(), "svc", 10)
	require.Error(t, err)
	assert.False(t, errors.As(err, &perm), "429 is retryable")
}
