package stream

// PartKind is the semantic category of a chunk.
type PartKind string

const (
	PartAssistantText     PartKind = "assistant_text"
	PartReasoning         PartKind = "reasoning"
	PartToolCallArguments PartKind = "tool_call_arguments"
	PartRefusal           PartKind = "refusal"
	PartStatus            PartKind = "status"
)

// Status is the lifecycle signal carried by a status chunk.
type Status string

const (
	StatusCreated    Status = "created"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusOther      Status = "other"
)

// Chunk is one classified unit of a provider stream.
type Chunk struct {
	Part       PartKind
	ResponseID string
	ItemID     string
	// Sequence is the provider sequence number, 0 when absent.
	Sequence int64
	Delta    string
	// Snapshot is the full text a terminal chunk reports for its section.
	Snapshot string
	Terminal bool

	// Opener marks a tool call item announcement carrying ToolName and CallID.
	Opener   bool
	ToolName string
	CallID   string

	Status Status
	Error  string
	// Type is the provider event type, kept for diagnostics.
	Type string
	// Raw is the provider payload. It is never persisted.
	Raw []byte
}

// IsContent reports whether the chunk carries section content.
func (c Chunk) IsContent() bool { return c.Part != PartStatus }
