package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/eventlog/memory"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/stream"
)

func consume(t *testing.T, events ...string) (stream.Response, error) {
	t.Helper()
	tr := newTranslator()
	var raws []model.RawChunk
	for _, ev := range events {
		raws = append(raws, tr.translate(ev)...)
	}
	out := make(chan model.RawChunk, len(raws))
	errs := make(chan error)
	for _, r := range raws {
		out <- r
	}
	close(out)
	close(errs)
	return stream.NewAggregator(memory.NewLog("conv", 0)).Consume(context.Background(), out, errs)
}

func TestTranslator_ThinkingTextAndToolUse(t *testing.T) {
	resp, err := consume(t,
		`{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","content":[]}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"need the time"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Let me "}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"check."}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"now","input":{}}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":""}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"tz\":\"UTC\"}"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`{"type":"message_stop"}`,
	)
	require.NoError(t, err)
	assert.Equal(t, "msg_01", resp.ResponseID)
	require.Len(t, resp.Sections, 2)
	assert.Equal(t, core.SectionReasoning, resp.Sections[0].Kind)
	assert.Equal(t, "need the time", resp.Sections[0].Text)
	assert.Equal(t, "Let me check.", resp.Sections[1].Text)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "now", resp.Actions[0].ToolName)
	assert.Equal(t, "toolu_1", resp.Actions[0].CallID)
	assert.JSONEq(t, `{"tz":"UTC"}`, resp.Actions[0].Arguments)
}

func TestTranslator_ToolUseWithoutInput(t *testing.T) {
	resp, err := consume(t,
		`{"type":"message_start","message":{"id":"msg_02"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_2","name":"finish","input":{}}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_stop"}`,
	)
	require.NoError(t, err)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "{}", resp.Actions[0].Arguments)
}

func TestTranslator_ErrorEventFails(t *testing.T) {
	_, err := consume(t,
		`{"type":"message_start","message":{"id":"msg_03"}}`,
		`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
	)
	require.ErrorIs(t, err, core.ErrProviderFailure)
}

func TestTranslator_TruncatedStreamFails(t *testing.T) {
	_, err := consume(t,
		`{"type":"message_start","message":{"id":"msg_04"}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut"}}`,
	)
	require.ErrorIs(t, err, core.ErrProviderFailure)
}

func TestBuildMessages_GroupsTurns(t *testing.T) {
	history := []core.Event{
		core.NewUserMessageEvent("time?"),
		core.NewEvent(core.SourceAgent, core.ActionPayload{ToolName: "now", CallID: "toolu_1", Arguments: `{"tz":"UTC"}`}),
		core.NewEvent(core.SourceAgent, core.ActionPayload{ToolName: "now", CallID: "toolu_2"}),
		core.NewEvent(core.SourceEnvironment, core.ObservationPayload{CallID: "toolu_1", Result: "noon", Success: true}),
		core.NewEvent(core.SourceEnvironment, core.ObservationPayload{CallID: "toolu_2", Result: "boom"}),
		core.NewSystemEvent(core.NoticeStuck, "monologue"),
	}

	msgs := buildMessages(history)
	require.Len(t, msgs, 3)
	assert.Len(t, msgs[0].Content, 1)
	assert.Len(t, msgs[1].Content, 2)
	require.Len(t, msgs[2].Content, 2)
	require.NotNil(t, msgs[2].Content[1].OfToolResult)
	assert.True(t, msgs[2].Content[1].OfToolResult.IsError.Value)
}

func TestBuildTools(t *testing.T) {
	tools := buildTools([]model.ToolDefinition{{
		Type: "function",
		Function: model.FunctionDefinition{
			Name:        "echo",
			Description: "Echo text",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
				"required":   []any{"text"},
			},
		},
	}})
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "echo", tools[0].OfTool.Name)
	assert.Equal(t, []string{"text"}, tools[0].OfTool.InputSchema.Required)
	assert.Equal(t, "Echo text", tools[0].OfTool.Description.Value)
}
