package openai

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/eventlog/memory"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/stream"
)

func chunk(t *testing.T, raw string) openai.ChatCompletionChunk {
	t.Helper()
	var ck openai.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(raw), &ck))
	return ck
}

// consume runs translated chunks through the real aggregator.
func consume(t *testing.T, raws []model.RawChunk) (stream.Response, error) {
	t.Helper()
	out := make(chan model.RawChunk, len(raws))
	errs := make(chan error)
	for _, r := range raws {
		out <- r
	}
	close(out)
	close(errs)
	agg := stream.NewAggregator(memory.NewLog("conv", 0))
	return agg.Consume(context.Background(), out, errs)
}

func translateAll(t *testing.T, raws ...string) []model.RawChunk {
	t.Helper()
	tr := newTranslator()
	var out []model.RawChunk
	for _, r := range raws {
		out = append(out, tr.translate(chunk(t, r))...)
	}
	return out
}

func TestTranslator_Text(t *testing.T) {
	raws := translateAll(t,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":" there"}}]}`,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	)

	resp, err := consume(t, raws)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-1", resp.ResponseID)
	require.Len(t, resp.Sections, 1)
	assert.Equal(t, "Hello there", resp.Sections[0].Text)
	assert.Empty(t, resp.Actions)
}

func TestTranslator_ToolCalls(t *testing.T) {
	raws := translateAll(t,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"echo","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"text\":"}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"now","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"hi\"}"}}]}}]}`,
		`{"id":"chatcmpl-2","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	resp, err := consume(t, raws)
	require.NoError(t, err)
	require.Len(t, resp.Actions, 2)
	assert.Equal(t, "echo", resp.Actions[0].ToolName)
	assert.Equal(t, "call_a", resp.Actions[0].CallID)
	assert.JSONEq(t, `{"text":"hi"}`, resp.Actions[0].Arguments)
	assert.Equal(t, "now", resp.Actions[1].ToolName)
	assert.Equal(t, "{}", resp.Actions[1].Arguments)
}

func TestTranslator_MissingCallIDIsScopedToResponse(t *testing.T) {
	raws := translateAll(t,
		`{"id":"chatcmpl-7","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"type":"function","function":{"name":"echo","arguments":"{}"}}]}}]}`,
		`{"id":"chatcmpl-7","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	resp, err := consume(t, raws)
	require.NoError(t, err)
	require.Len(t, resp.Actions, 1)
	assert.Equal(t, "call_chatcmpl-7_0", resp.Actions[0].CallID)
}

func TestTranslator_ContentFilterFails(t *testing.T) {
	raws := translateAll(t,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{"content":"partial"}}]}`,
		`{"id":"chatcmpl-3","choices":[{"index":0,"delta":{},"finish_reason":"content_filter"}]}`,
	)

	_, err := consume(t, raws)
	require.ErrorIs(t, err, core.ErrProviderFailure)
}

func TestTranslator_IgnoresChunksAfterFinish(t *testing.T) {
	tr := newTranslator()
	tr.translate(chunk(t, `{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`))
	assert.Empty(t, tr.translate(chunk(t, `{"id":"c","choices":[{"index":0,"delta":{"content":"late"}}]}`)))
}

func TestBuildMessages(t *testing.T) {
	history := []core.Event{
		core.NewUserMessageEvent("what time is it?"),
		core.NewEvent(core.SourceAgent, core.MessagePayload{Role: "assistant", Sections: []core.Section{{Kind: core.SectionText, Text: "checking"}}}),
		core.NewEvent(core.SourceAgent, core.ActionPayload{ToolName: "now", CallID: "call_1", Arguments: "{}"}),
		core.NewEvent(core.SourceEnvironment, core.ObservationPayload{CallID: "call_1", ToolName: "now", Result: "noon", Success: true}),
		core.NewSystemEvent(core.NoticePaused, ""),
	}

	msgs := buildMessages(model.Request{Instructions: "be brief", History: history})
	require.Len(t, msgs, 4)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[2].OfAssistant.ToolCalls[0].ID)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "call_1", msgs[3].OfTool.ToolCallID)
}

func TestInfo(t *testing.T) {
	client := openai.NewClient()
	m := NewModelFromClient(&client, func(o *Options) { o.Model = "gpt-test" })
	assert.Equal(t, model.Info{Name: "gpt-test", Provider: "openai", SupportsTools: true}, m.Info())
}
