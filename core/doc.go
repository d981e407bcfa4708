// Package core provides the foundational domain types and contracts shared by
// every agentloop component. It defines:
//
//   - Events (immutable, sequenced records of what happened in a conversation)
//   - The closed set of event payloads (message, action, observation, error, system)
//   - The EventLog contract implemented by the eventlog backends
//   - Run loop states and the error taxonomy surfaced by the core
//   - Small history helpers (unmatched actions, observation validation)
//
// The package keeps implementation concerns (storage engines, provider SDKs,
// tool execution) out of scope and exposes small interfaces so backends can be
// swapped without touching the run loop.
package core
