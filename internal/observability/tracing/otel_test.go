package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-medsafe/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{ServiceName: "safety-worker"})
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"},
		otel.GetTextMapPropagator().Fields())
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{
		Environment:    "production",
		TracingEnabled: true,
		OTLPEndpoint:   "otel-collector:4317",
		SampleRate:     0.25,
	}

	got := FromConfig(cfg, "outbox-relay", "1.2.0")
	assert.True(t, got.Enabled)
	assert.Equal(t, "outbox-relay", got.ServiceName)
	assert.Equal(t, "1.2.0", got.ServiceVersion)
	assert.Equal(t, "otel-collector:4317", got.OTLPEndpoint)
	assert.False(t, got.Insecure)
	assert.Equal(t, 0.25, got.SampleRate)

	cfg.Environment = "development"
	assert.True(t, FromConfig(cfg, "outbox-relay", "1.2.0").Insecure)
}

func TestSampler(t *testing.T) {
	root := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "evaluate",
	}

	assert.Equal(t, sdktrace.RecordAndSample, Sampler(1).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, Sampler(7).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.Drop, Sampler(0).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.Drop, Sampler(-1).ShouldSample(root).Decision)

	sampledParent := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    root.TraceID,
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
	child := root
	child.ParentContext = sampledParent
	assert.Equal(t, sdktrace.RecordAndSample, Sampler(0).ShouldSample(child).Decision)
}
