// Package stream turns a provider's raw token-level stream into committed
// events.
//
// Classify maps one canonical raw chunk to a typed Chunk. An Aggregator opens
// one Session per provider call; the session owns its draft buffers, keyed by
// (item id, part kind), and is discarded once its events are committed or
// the call fails. Nothing partial ever reaches the EventLog: a completed
// response is committed with a single AppendBatch and a failed one commits
// exactly one error event.
package stream
