package core

import "errors"

// State is the run loop state of a conversation.
type State string

const (
	StateIdle                State = "idle"
	StateRunning             State = "running"
	StateWaitingConfirmation State = "waiting_confirmation"
	StatePaused              State = "paused"
	StateFinished            State = "finished"
	StateError               State = "error"
	StateStuck               State = "stuck"
)

// Startable reports whether a new run may begin from this state.
func (s State) Startable() bool {
	switch s {
	case StateIdle, StateFinished, StateError, StateStuck:
		return true
	}
	return false
}

// ErrorKind classifies failures surfaced by the core.
type ErrorKind string

const (
	ErrorClassificationAnomaly ErrorKind = "classification_anomaly"
	ErrorOwnershipMismatch     ErrorKind = "ownership_mismatch"
	ErrorProviderFailure       ErrorKind = "provider_failure"
	ErrorToolExecutionFailure  ErrorKind = "tool_execution_failure"
	ErrorPersistenceFailure    ErrorKind = "persistence_failure"
	ErrorConcurrencyViolation  ErrorKind = "concurrency_violation"
)

var (
	// ErrPersistence is wrapped by every EventLog error caused by a failed durable write.
	ErrPersistence = errors.New("event log: durable commit failed")
	// ErrProviderFailure is wrapped by errors reported when a provider call fails mid-stream.
	ErrProviderFailure = errors.New("provider failure")
)
