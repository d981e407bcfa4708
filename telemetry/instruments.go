package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LoopInstruments are the run loop's counters and histograms. The zero value
// is not usable; create with NewLoopInstruments.
type LoopInstruments struct {
	steps         metric.Int64Counter
	stepDuration  metric.Float64Histogram
	providerCalls metric.Int64Counter
	toolCalls     metric.Int64Counter
	transitions   metric.Int64Counter
}

// NewLoopInstruments registers the loop instruments on meter. A nil meter
// uses the global provider.
func NewLoopInstruments(meter metric.Meter) *LoopInstruments {
	if meter == nil {
		meter = Meter()
	}
	li := &LoopInstruments{}
	li.steps, _ = meter.Int64Counter("agentloop.runloop.steps",
		metric.WithDescription("Run loop steps executed"))
	li.stepDuration, _ = meter.Float64Histogram("agentloop.runloop.step.duration",
		metric.WithDescription("Duration of one run loop step"), metric.WithUnit("s"))
	li.providerCalls, _ = meter.Int64Counter("agentloop.provider.calls",
		metric.WithDescription("Provider streaming calls by outcome"))
	li.toolCalls, _ = meter.Int64Counter("agentloop.tool.calls",
		metric.WithDescription("Tool dispatches by outcome"))
	li.transitions, _ = meter.Int64Counter("agentloop.runloop.transitions",
		metric.WithDescription("Run loop state transitions by target state"))
	return li
}

func outcome(ok bool) attribute.KeyValue {
	if ok {
		return attribute.String("outcome", "success")
	}
	return attribute.String("outcome", "failure")
}

// Step records one completed step.
func (li *LoopInstruments) Step(ctx context.Context, dur time.Duration) {
	li.steps.Add(ctx, 1)
	li.stepDuration.Record(ctx, dur.Seconds())
}

// ProviderCall records a provider call outcome.
func (li *LoopInstruments) ProviderCall(ctx context.Context, provider string, ok bool) {
	li.providerCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider), outcome(ok)))
}

// ToolCall records a tool dispatch outcome.
func (li *LoopInstruments) ToolCall(ctx context.Context, tool string, ok bool) {
	li.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool), outcome(ok)))
}

// Transition records a state change.
func (li *LoopInstruments) Transition(ctx context.Context, from, to string) {
	li.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("from", from), attribute.String("to", to)))
}
