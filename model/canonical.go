package model

import (
	"github.com/tidwall/sjson"
)

// Canonical event types understood by the stream classifier.
const (
	EventCreated            = "response.created"
	EventInProgress         = "response.in_progress"
	EventCompleted          = "response.completed"
	EventFailed             = "response.failed"
	EventIncomplete         = "response.incomplete"
	EventError              = "error"
	EventOutputItemAdded    = "response.output_item.added"
	EventTextDelta          = "response.output_text.delta"
	EventTextDone           = "response.output_text.done"
	EventReasoningDelta     = "response.reasoning_summary_text.delta"
	EventReasoningDone      = "response.reasoning_summary_text.done"
	EventReasoningTextDelta = "response.reasoning_text.delta"
	EventReasoningTextDone  = "response.reasoning_text.done"
	EventArgumentsDelta     = "response.function_call_arguments.delta"
	EventArgumentsDone      = "response.function_call_arguments.done"
	EventRefusalDelta       = "response.refusal.delta"
	EventRefusalDone        = "response.refusal.done"
)

// Builder stamps canonical chunks for one response with increasing
// sequence numbers. It is not safe for concurrent use.
type Builder struct {
	responseID string
	seq        int64
}

// NewBuilder creates a builder for the given response id.
func NewBuilder(responseID string) *Builder { return &Builder{responseID: responseID} }

// ResponseID returns the response id stamped on every chunk.
func (b *Builder) ResponseID() string { return b.responseID }

func (b *Builder) base(typ string) []byte {
	b.seq++
	raw := []byte(`{}`)
	raw, _ = sjson.SetBytes(raw, "type", typ)
	raw, _ = sjson.SetBytes(raw, "sequence_number", b.seq)
	raw, _ = sjson.SetBytes(raw, "response_id", b.responseID)
	return raw
}

func (b *Builder) itemEvent(typ, itemID, field, value string) RawChunk {
	raw := b.base(typ)
	raw, _ = sjson.SetBytes(raw, "item_id", itemID)
	raw, _ = sjson.SetBytes(raw, field, value)
	return raw
}

// Created announces the response.
func (b *Builder) Created() RawChunk {
	raw := b.base(EventCreated)
	raw, _ = sjson.SetBytes(raw, "response.id", b.responseID)
	raw, _ = sjson.SetBytes(raw, "response.status", "in_progress")
	return raw
}

// InProgress is lifecycle noise.
func (b *Builder) InProgress() RawChunk { return b.base(EventInProgress) }

// Completed terminates the response successfully.
func (b *Builder) Completed() RawChunk {
	raw := b.base(EventCompleted)
	raw, _ = sjson.SetBytes(raw, "response.id", b.responseID)
	raw, _ = sjson.SetBytes(raw, "response.status", "completed")
	return raw
}

// Failed terminates the response with an error message.
func (b *Builder) Failed(message string) RawChunk {
	raw := b.base(EventFailed)
	raw, _ = sjson.SetBytes(raw, "response.id", b.responseID)
	raw, _ = sjson.SetBytes(raw, "response.status", "failed")
	raw, _ = sjson.SetBytes(raw, "response.error.message", message)
	return raw
}

// TextDelta appends assistant text to an item.
func (b *Builder) TextDelta(itemID, delta string) RawChunk {
	return b.itemEvent(EventTextDelta, itemID, "delta", delta)
}

// TextDone freezes assistant text; text is the provider snapshot.
func (b *Builder) TextDone(itemID, text string) RawChunk {
	return b.itemEvent(EventTextDone, itemID, "text", text)
}

// ReasoningDelta appends reasoning text to an item.
func (b *Builder) ReasoningDelta(itemID, delta string) RawChunk {
	return b.itemEvent(EventReasoningDelta, itemID, "delta", delta)
}

// ReasoningDone freezes reasoning text.
func (b *Builder) ReasoningDone(itemID, text string) RawChunk {
	return b.itemEvent(EventReasoningDone, itemID, "text", text)
}

// RefusalDelta appends refusal text to an item.
func (b *Builder) RefusalDelta(itemID, delta string) RawChunk {
	return b.itemEvent(EventRefusalDelta, itemID, "delta", delta)
}

// RefusalDone freezes refusal text.
func (b *Builder) RefusalDone(itemID, text string) RawChunk {
	return b.itemEvent(EventRefusalDone, itemID, "refusal", text)
}

// FunctionCallAdded opens a tool call item carrying its name and call id.
func (b *Builder) FunctionCallAdded(itemID, name, callID string) RawChunk {
	raw := b.base(EventOutputItemAdded)
	raw, _ = sjson.SetBytes(raw, "item.id", itemID)
	raw, _ = sjson.SetBytes(raw, "item.type", "function_call")
	raw, _ = sjson.SetBytes(raw, "item.name", name)
	raw, _ = sjson.SetBytes(raw, "item.call_id", callID)
	return raw
}

// ArgumentsDelta appends tool call argument text.
func (b *Builder) ArgumentsDelta(itemID, delta string) RawChunk {
	return b.itemEvent(EventArgumentsDelta, itemID, "delta", delta)
}

// ArgumentsDone freezes tool call arguments.
func (b *Builder) ArgumentsDone(itemID, arguments string) RawChunk {
	return b.itemEvent(EventArgumentsDone, itemID, "arguments", arguments)
}
