package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestTracing_ServiceName(t *testing.T) {
	assert.Equal(t, "stageflow-orchestrator", Tracing{Role: "orchestrator"}.ServiceName())
	assert.Equal(t, "stageflow-worker-verify", Tracing{Role: "worker", Stage: "verify"}.ServiceName())
}

func TestTracing_StartWithoutEndpoint(t *testing.T) {
	shutdown, err := Tracing{Role: "worker"}.Start(context.Background())
	require.NoError(t, err)
	shutdown()

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}

func TestTracing_Sampler(t *testing.T) {
	cases := map[string]struct {
		ratio float64
		want  string
	}{
		"unset":   {0, "AlwaysOnSampler"},
		"full":    {1, "AlwaysOnSampler"},
		"partial": {0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Contains(t, Tracing{SampleRatio: tc.ratio}.sampler().Description(), tc.want)
		})
	}
}
