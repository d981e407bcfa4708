// Package logging provides a minimal logging interface and adapters for agentloop.
//
// The Logger interface defines the logging methods (Debug, Info, Warn, Error)
// the run loop, stream aggregator and storage backends use for observability.
// This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping an existing *slog.Logger
//   - StructuredLogger with conversation context and domain helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	loop, err := runloop.New(log, provider, tools, func(o *runloop.Options) { o.Logger = logger })
//
// Messages are short dotted event names ("runloop.step.start"); details go
// into key/value pairs.
package logging
