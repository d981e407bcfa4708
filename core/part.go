package core

// EventKind discriminates the payload variant carried by an Event.
type EventKind string

const (
	KindMessage     EventKind = "message"
	KindAction      EventKind = "action"
	KindObservation EventKind = "observation"
	KindError       EventKind = "error"
	KindSystem      EventKind = "system"
)

// Payload represents the variant body of an Event. Concrete payload types
// implement the unexported isPayload marker enabling a closed set.
type Payload interface {
	Kind() EventKind
	isPayload()
}

// SectionKind tags one section of a message.
type SectionKind string

const (
	SectionText      SectionKind = "text"
	SectionReasoning SectionKind = "reasoning"
	SectionRefusal   SectionKind = "refusal"
)

// Section is one independently ordered segment of message content.
type Section struct {
	Kind SectionKind `json:"kind"`
	Text string      `json:"text"`
}

// MessagePayload is conversational content authored by the user or the agent.
type MessagePayload struct {
	Role     string    `json:"role"` // user, assistant
	Sections []Section `json:"sections"`
}

// Kind implements Payload.
func (MessagePayload) Kind() EventKind { return KindMessage }

func (MessagePayload) isPayload() {}

// Text concatenates all text sections in order.
func (m MessagePayload) Text() string { return m.join(SectionText) }

// Reasoning concatenates all reasoning sections in order.
func (m MessagePayload) Reasoning() string { return m.join(SectionReasoning) }

func (m MessagePayload) join(kind SectionKind) string {
	var out string
	for _, s := range m.Sections {
		if s.Kind == kind {
			out += s.Text
		}
	}
	return out
}

// ActionPayload is a tool invocation chosen by the agent. Arguments are
// opaque to the core and forwarded verbatim to the tool executor.
type ActionPayload struct {
	ToolName   string `json:"tool_name"`
	Arguments  string `json:"arguments,omitempty"`
	CallID     string `json:"call_id"`
	ResponseID string `json:"response_id,omitempty"`
}

// Kind implements Payload.
func (ActionPayload) Kind() EventKind { return KindAction }

func (ActionPayload) isPayload() {}

// ObservationPayload records the outcome of exactly one prior action.
type ObservationPayload struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name,omitempty"`
	Result   string `json:"result"`
	Success  bool   `json:"success"`
	Rejected bool   `json:"rejected,omitempty"`
}

// Kind implements Payload.
func (ObservationPayload) Kind() EventKind { return KindObservation }

func (ObservationPayload) isPayload() {}

// ErrorPayload records a failure surfaced by the core.
type ErrorPayload struct {
	ErrorKind  ErrorKind `json:"error_kind"`
	Message    string    `json:"message"`
	CallID     string    `json:"call_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
}

// Kind implements Payload.
func (ErrorPayload) Kind() EventKind { return KindError }

func (ErrorPayload) isPayload() {}

// Notice names a lifecycle notice.
type Notice string

const (
	NoticeBudgetExhausted      Notice = "budget_exhausted"
	NoticePaused               Notice = "paused"
	NoticeResumed              Notice = "resumed"
	NoticeCancelled            Notice = "cancelled"
	NoticeStuck                Notice = "stuck"
	NoticeConfirmationRequired Notice = "confirmation_required"
)

// SystemPayload is a lifecycle notice emitted by the run loop.
type SystemPayload struct {
	Notice Notice `json:"notice"`
	Detail string `json:"detail,omitempty"`
}

// Kind implements Payload.
func (SystemPayload) Kind() EventKind { return KindSystem }

func (SystemPayload) isPayload() {}
