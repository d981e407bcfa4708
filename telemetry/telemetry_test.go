package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "svc", "v0", true)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestLoopInstruments_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	li := NewLoopInstruments(mp.Meter(ScopeName))
	ctx := context.Background()

	li.Step(ctx, 10*time.Millisecond)
	li.Step(ctx, 20*time.Millisecond)
	li.ProviderCall(ctx, "scripted", true)
	li.ToolCall(ctx, "ls", false)
	li.Transition(ctx, "idle", "running")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}
	steps, ok := byName["agentloop.runloop.steps"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(2), steps.DataPoints[0].Value)

	for _, name := range []string{"agentloop.runloop.step.duration", "agentloop.provider.calls", "agentloop.tool.calls", "agentloop.runloop.transitions"} {
		assert.Contains(t, byName, name)
	}
}
