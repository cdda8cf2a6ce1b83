package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationPrefix = "github.com/ramiqadoumi/stageflow/"

// Tracer returns the tracer a stageflow component records its spans under,
// e.g. Tracer("router").
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}

// Tracing describes how one stageflow process exports spans.
type Tracing struct {
	// Role is "orchestrator" or "worker".
	Role string
	// Stage is set when the process serves a single stage.
	Stage string
	// Endpoint is the OTLP HTTP host:port. Empty disables export.
	Endpoint string
	// SampleRatio applies to root spans; 0 or anything >= 1 samples all.
	SampleRatio float64
}

// ServiceName is the service.name resource attribute, e.g.
// "stageflow-worker-verify".
func (t Tracing) ServiceName() string {
	name := "stageflow-" + t.Role
	if t.Stage != "" {
		name += "-" + t.Stage
	}
	return name
}

// Start installs the W3C propagator and, when an endpoint is set, a batching
// OTLP provider. The propagator is installed either way so outcome events
// still carry trace context across the Kafka bridge.
// Call the returned function on exit to flush pending spans.
func (t Tracing) Start(ctx context.Context) (shutdown func(), err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if t.Endpoint == "" {
		return func() {}, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(t.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter for %s: %w", t.ServiceName(), err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(t.resource(ctx)),
		sdktrace.WithSampler(t.sampler()),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}

func (t Tracing) resource(ctx context.Context) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(t.ServiceName()),
		semconv.ServiceNamespace("stageflow"),
	}
	if t.Stage != "" {
		attrs = append(attrs, attribute.String("stageflow.stage", t.Stage))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcess(),
		resource.WithOS(),
	)
	if err != nil || res == nil {
		return resource.Default()
	}
	return res
}

// sampler keeps a sampled parent's decision so a task's spans stay whole
// across the orchestrator and its workers.
func (t Tracing) sampler() sdktrace.Sampler {
	if t.SampleRatio <= 0 || t.SampleRatio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(t.SampleRatio))
}
