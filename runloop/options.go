package runloop

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/stream"
)

const (
	// DefaultMaxIterations bounds one run when no limit is configured.
	DefaultMaxIterations = 50
	// DefaultMaxParallelTools bounds concurrent tool dispatch within one step.
	DefaultMaxParallelTools = 4
)

// Options configure a Loop.
type Options struct {
	// ConversationID is stamped on every committed event and request.
	ConversationID string

	// Instructions is the system prompt sent with every provider call. It is
	// rendered once as a text/template with InstructionVars.
	Instructions    string
	InstructionVars map[string]any

	// MaxIterations is the provider call budget per run. Zero means unlimited.
	MaxIterations int

	// ConfirmationMode suspends every step that produced actions until Confirm
	// or Reject is called.
	ConfirmationMode bool

	MaxParallelTools int

	// ProviderTimeout bounds a single provider call. Zero disables the limit.
	ProviderTimeout time.Duration
	// ToolTimeout bounds a single tool execution. Zero disables the limit.
	ToolTimeout time.Duration

	// StuckDetection enables the repetition detector at step boundaries.
	StuckDetection bool

	// Tools overrides the definitions advertised to the provider. When nil the
	// executor's own definitions are used if it exposes them.
	Tools []model.ToolDefinition

	Logger logging.Logger
	Tracer trace.Tracer
	Meter  metric.Meter

	// Diagnostics receives chunks dropped by the stream aggregator.
	Diagnostics func(*stream.Anomaly)

	// OnEvent is called on the worker goroutine after every commit, once per
	// committed event in sequence order. It must not block.
	OnEvent func(core.Event)

	// OnStateChange is called on the worker goroutine after every transition.
	OnStateChange func(from, to core.State)
}

func defaultOptions() Options {
	return Options{
		MaxIterations:    DefaultMaxIterations,
		MaxParallelTools: DefaultMaxParallelTools,
		StuckDetection:   true,
		Logger:           logging.NoOpLogger{},
	}
}
