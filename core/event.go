package core

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies who produced an Event.
type Source string

const (
	SourceUser        Source = "user"
	SourceAgent       Source = "agent"
	SourceEnvironment Source = "environment"
	SourceSystem      Source = "system"
)

// Event is the immutable, sequenced record of something that happened in a
// conversation. Sequence is zero until the EventLog assigns it at append time;
// after commit the event must be treated as immutable.
//
// Payload is one of MessagePayload, ActionPayload, ObservationPayload,
// ErrorPayload or SystemPayload. Timestamp is UTC.
type Event struct {
	Sequence       int64     `json:"sequence"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Source         Source    `json:"source"`
	Payload        Payload   `json:"-"`
}

// NewEvent creates an uncommitted event with a fresh id and timestamp.
// Prefer the typed constructors below for the common variants.
func NewEvent(source Source, payload Payload) Event {
	return Event{
		ID:        NewID(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payload,
	}
}

// NewUserMessageEvent creates a user-authored single text section message.
func NewUserMessageEvent(text string) Event {
	return NewEvent(SourceUser, MessagePayload{
		Role:     "user",
		Sections: []Section{{Kind: SectionText, Text: text}},
	})
}

// NewAgentMessageEvent creates an assistant message from ordered sections.
func NewAgentMessageEvent(sections ...Section) Event {
	return NewEvent(SourceAgent, MessagePayload{Role: "assistant", Sections: sections})
}

// NewActionEvent represents the agent requesting execution of a named tool.
func NewActionEvent(toolName, arguments, callID string) Event {
	return NewEvent(SourceAgent, ActionPayload{ToolName: toolName, Arguments: arguments, CallID: callID})
}

// NewObservationEvent records the result of a previously committed action.
// If err is non-nil the observation is marked failed and carries its message.
func NewObservationEvent(action ActionPayload, result string, err error) Event {
	obs := ObservationPayload{CallID: action.CallID, ToolName: action.ToolName, Result: result, Success: err == nil}
	if err != nil {
		obs.Result = err.Error()
	}
	return NewEvent(SourceEnvironment, obs)
}

// NewErrorEvent records a core failure.
func NewErrorEvent(kind ErrorKind, message string) Event {
	return NewEvent(SourceSystem, ErrorPayload{ErrorKind: kind, Message: message})
}

// NewSystemEvent records a lifecycle notice.
func NewSystemEvent(notice Notice, detail string) Event {
	return NewEvent(SourceSystem, SystemPayload{Notice: notice, Detail: detail})
}

// NewID generates a new unique identifier for events and conversations.
func NewID() string { return uuid.NewString() }

// Kind returns the payload kind, or an empty kind for a payload-less event.
func (e Event) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Message returns the message payload if the event carries one.
func (e Event) Message() (MessagePayload, bool) {
	p, ok := e.Payload.(MessagePayload)
	return p, ok
}

// Action returns the action payload if the event carries one.
func (e Event) Action() (ActionPayload, bool) {
	p, ok := e.Payload.(ActionPayload)
	return p, ok
}

// Observation returns the observation payload if the event carries one.
func (e Event) Observation() (ObservationPayload, bool) {
	p, ok := e.Payload.(ObservationPayload)
	return p, ok
}

// Error returns the error payload if the event carries one.
func (e Event) Error() (ErrorPayload, bool) {
	p, ok := e.Payload.(ErrorPayload)
	return p, ok
}

// System returns the system payload if the event carries one.
func (e Event) System() (SystemPayload, bool) {
	p, ok := e.Payload.(SystemPayload)
	return p, ok
}

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }
