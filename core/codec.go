package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// eventEnvelope is the wire form of an Event: the header fields plus a kind
// discriminator and the raw payload object.
type eventEnvelope struct {
	Sequence       int64           `json:"sequence"`
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         Source          `json:"source"`
	Kind           EventKind       `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the event with a kind discriminator.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("core: event %s has no payload", e.ID)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("core: marshal %s payload: %w", e.Payload.Kind(), err)
	}
	return json.Marshal(eventEnvelope{
		Sequence:       e.Sequence,
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Timestamp:      e.Timestamp,
		Source:         e.Source,
		Kind:           e.Payload.Kind(),
		Payload:        payload,
	})
}

// UnmarshalJSON decodes an event, dispatching on the kind discriminator.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("core: decode event: %w", err)
	}
	payload, err := DecodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		Sequence:       env.Sequence,
		ID:             env.ID,
		ConversationID: env.ConversationID,
		Timestamp:      env.Timestamp,
		Source:         env.Source,
		Payload:        payload,
	}
	return nil
}

// DecodePayload decodes a payload object of the given kind.
func DecodePayload(kind EventKind, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindMessage:
		var m MessagePayload
		err = json.Unmarshal(raw, &m)
		p = m
	case KindAction:
		var a ActionPayload
		err = json.Unmarshal(raw, &a)
		p = a
	case KindObservation:
		var o ObservationPayload
		err = json.Unmarshal(raw, &o)
		p = o
	case KindError:
		var ep ErrorPayload
		err = json.Unmarshal(raw, &ep)
		p = ep
	case KindSystem:
		var s SystemPayload
		err = json.Unmarshal(raw, &s)
		p = s
	default:
		return nil, fmt.Errorf("core: unknown event kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("core: decode %s payload: %w", kind, err)
	}
	return p, nil
}
