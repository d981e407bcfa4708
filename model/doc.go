// Package model defines the provider-agnostic streaming contract used by the
// run loop to talk to language models.
//
// Every Provider emits raw chunks in one canonical wire format: JSON objects
// shaped like the OpenAI Responses streaming events (type, response_id,
// item_id, sequence_number, delta, ...). Adapters for other vendors translate
// their native stream into that shape with the builders in canonical.go, so
// the stream classifier has exactly one format to understand.
//
// ScriptedProvider replays pre-recorded chunks and is used by tests and
// examples.
package model
