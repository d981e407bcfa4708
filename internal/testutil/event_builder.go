package testutil

import (
	"time"

	"github.com/hupe1980/agentloop/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder().Reasoning("hmm").Text("hello").Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	source         core.Source
	id             string
	conversationID string
	timestamp      time.Time
	role           string
	sections       []core.Section
	payload        core.Payload
}

// NewEventBuilder creates a builder with default source agent.
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{source: core.SourceAgent, role: "assistant"}
}

// Source sets the event source (chainable).
func (b *EventBuilder) Source(s core.Source) *EventBuilder { b.source = s; return b }

// ID overrides the auto-generated event ID (chainable).
func (b *EventBuilder) ID(id string) *EventBuilder { b.id = id; return b }

// Conversation sets the conversation id (chainable).
func (b *EventBuilder) Conversation(id string) *EventBuilder { b.conversationID = id; return b }

// At fixes the timestamp (chainable).
func (b *EventBuilder) At(ts time.Time) *EventBuilder { b.timestamp = ts; return b }

// UserText appends a text section and marks the message as user authored (chainable).
func (b *EventBuilder) UserText(t string) *EventBuilder {
	b.source, b.role = core.SourceUser, "user"
	return b.Text(t)
}

// Text appends a text section (chainable).
func (b *EventBuilder) Text(t string) *EventBuilder {
	b.sections = append(b.sections, core.Section{Kind: core.SectionText, Text: t})
	return b
}

// Reasoning appends a reasoning section (chainable).
func (b *EventBuilder) Reasoning(t string) *EventBuilder {
	b.sections = append(b.sections, core.Section{Kind: core.SectionReasoning, Text: t})
	return b
}

// Action makes the event a tool call (chainable).
func (b *EventBuilder) Action(tool, args, callID string) *EventBuilder {
	b.source = core.SourceAgent
	b.payload = core.ActionPayload{ToolName: tool, Arguments: args, CallID: callID}
	return b
}

// Observation makes the event a tool result (chainable).
func (b *EventBuilder) Observation(tool, callID, result string, success bool) *EventBuilder {
	b.source = core.SourceEnvironment
	b.payload = core.ObservationPayload{ToolName: tool, CallID: callID, Result: result, Success: success}
	return b
}

// Error makes the event an error record (chainable).
func (b *EventBuilder) Error(kind core.ErrorKind, msg string) *EventBuilder {
	b.source = core.SourceSystem
	b.payload = core.ErrorPayload{ErrorKind: kind, Message: msg}
	return b
}

// Build constructs the core.Event value.
func (b *EventBuilder) Build() core.Event {
	payload := b.payload
	if payload == nil {
		payload = core.MessagePayload{Role: b.role, Sections: b.sections}
	}
	ev := core.NewEvent(b.source, payload)
	if b.id != "" {
		ev.ID = b.id
	}
	if !b.timestamp.IsZero() {
		ev.Timestamp = b.timestamp
	}
	ev.ConversationID = b.conversationID
	return ev
}

// Texts extracts the text of every message event in order.
func Texts(events []core.Event) []string {
	var out []string
	for _, ev := range events {
		if m, ok := ev.Message(); ok {
			out = append(out, m.Text())
		}
	}
	return out
}

// Kinds lists the payload kind of every event in order.
func Kinds(events []core.Event) []core.EventKind {
	out := make([]core.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}
