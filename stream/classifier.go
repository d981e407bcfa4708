package stream

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentloop/model"
)

var contentParts = map[string]struct {
	part     PartKind
	terminal bool
}{
	model.EventTextDelta:          {PartAssistantText, false},
	model.EventTextDone:           {PartAssistantText, true},
	model.EventReasoningDelta:     {PartReasoning, false},
	model.EventReasoningDone:      {PartReasoning, true},
	model.EventReasoningTextDelta: {PartReasoning, false},
	model.EventReasoningTextDone:  {PartReasoning, true},
	model.EventArgumentsDelta:     {PartToolCallArguments, false},
	model.EventArgumentsDone:      {PartToolCallArguments, true},
	model.EventRefusalDelta:       {PartRefusal, false},
	model.EventRefusalDone:        {PartRefusal, true},
}

// Classify maps one raw provider payload to a chunk. It returns false only
// for an empty payload. Unknown or malformed payloads become status chunks
// with StatusOther; classification never fails.
func Classify(raw []byte) (Chunk, bool) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Chunk{}, false
	}
	c := Chunk{Part: PartStatus, Status: StatusOther, Raw: raw}
	if !gjson.ValidBytes(raw) {
		return c, true
	}

	r := gjson.ParseBytes(raw)
	c.Type = r.Get("type").String()
	c.ResponseID = firstString(r, "response_id", "response.id")
	c.ItemID = firstString(r, "item_id", "item.id")
	c.Sequence = r.Get("sequence_number").Int()

	if cp, ok := contentParts[c.Type]; ok {
		c.Part = cp.part
		c.Status = ""
		c.Terminal = cp.terminal
		if cp.terminal {
			c.Snapshot = firstString(r, "text", "arguments", "refusal")
		} else {
			c.Delta = r.Get("delta").String()
		}
		return c, true
	}

	switch c.Type {
	case model.EventOutputItemAdded:
		if r.Get("item.type").String() == "function_call" {
			c.Part = PartToolCallArguments
			c.Status = ""
			c.Opener = true
			c.ToolName = r.Get("item.name").String()
			c.CallID = r.Get("item.call_id").String()
		}
	case model.EventCreated:
		c.Status = StatusCreated
	case model.EventInProgress:
		c.Status = StatusInProgress
	case model.EventCompleted:
		c.Status = StatusCompleted
		c.Terminal = true
	case model.EventFailed, model.EventIncomplete, model.EventError:
		c.Status = StatusFailed
		c.Terminal = true
		c.Error = firstString(r, "response.error.message", "message", "error.message", "response.incomplete_details.reason")
		if c.Error == "" {
			c.Error = c.Type
		}
	}
	return c, true
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
