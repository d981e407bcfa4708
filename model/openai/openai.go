// Package openai provides an implementation of model.Provider using the OpenAI
// Chat Completions API (streaming + function/tool calling). It converts the
// conversation history into the SDK's message format and translates the
// streamed chunks into the canonical wire format.
package openai

import (
	"context"
	"fmt"
	"strconv"

	"github.com/openai/openai-go"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Options configure the OpenAI model adapter.
// Fields mirror a subset of Chat Completion parameters intentionally kept
// minimal; extend via functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model wraps the OpenAI Chat Completions API behind model.Provider.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client. The API key
// and base URL come from the environment (OPENAI_API_KEY, OPENAI_BASE_URL).
func NewModel(optFns ...func(o *Options)) *Model {
	client := openai.NewClient()
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Stream implements model.Provider.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan model.RawChunk, <-chan error) {
	out := make(chan model.RawChunk, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req, buildMessages(req))
		stream := m.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		tr := newTranslator()
		for stream.Next() {
			for _, raw := range tr.translate(stream.Current()) {
				select {
				case out <- raw:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("openai streaming error: %w", err)
		}
	}()
	return out, errCh
}

// buildMessages converts the event history into chat messages. An agent
// message and the actions that follow it become one assistant message; each
// observation becomes a tool message.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	var (
		text    string
		calls   []openai.ChatCompletionMessageToolCallParam
		pending bool
	)
	flush := func() {
		if !pending {
			return
		}
		msg := openai.AssistantMessage(text)
		if len(calls) > 0 {
			msg.OfAssistant.ToolCalls = calls
		}
		messages = append(messages, msg)
		text, calls, pending = "", nil, false
	}

	for _, ev := range req.History {
		switch p := ev.Payload.(type) {
		case core.MessagePayload:
			flush()
			if ev.Source == core.SourceUser || p.Role == "user" {
				messages = append(messages, openai.UserMessage(p.Text()))
				continue
			}
			text, pending = p.Text(), true
		case core.ActionPayload:
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID:   p.CallID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      p.ToolName,
					Arguments: p.Arguments,
				},
			})
			pending = true
		case core.ObservationPayload:
			flush()
			messages = append(messages, openai.ToolMessage(p.Result, p.CallID))
		}
	}
	flush()
	return messages
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (m *Model) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Function.Name,
				Description: openai.String(tdef.Function.Description),
				Parameters:  tdef.Function.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}

// toolCall tracks one streamed tool call by its choice index.
type toolCall struct {
	item string
	args string
}

// translator turns chat completion chunks into canonical events. Text goes
// to one message item per response; every tool call index gets its own
// function_call item.
type translator struct {
	b        *model.Builder
	calls    map[int64]*toolCall
	order    []int64
	text     string
	refusal  string
	finished bool
}

func newTranslator() *translator {
	return &translator{calls: map[int64]*toolCall{}}
}

func (t *translator) messageItem() string { return "msg_" + t.b.ResponseID() }

func (t *translator) translate(ck openai.ChatCompletionChunk) []model.RawChunk {
	var out []model.RawChunk
	if t.b == nil {
		t.b = model.NewBuilder(ck.ID)
		out = append(out, t.b.Created())
	}
	if t.finished {
		return out
	}

	for _, ch := range ck.Choices {
		if ch.Index != 0 {
			continue
		}
		if ch.Delta.Content != "" {
			t.text += ch.Delta.Content
			out = append(out, t.b.TextDelta(t.messageItem(), ch.Delta.Content))
		}
		if ch.Delta.Refusal != "" {
			t.refusal += ch.Delta.Refusal
			out = append(out, t.b.RefusalDelta(t.messageItem(), ch.Delta.Refusal))
		}
		for _, tc := range ch.Delta.ToolCalls {
			call, ok := t.calls[tc.Index]
			if !ok {
				callID := tc.ID
				if callID == "" {
					callID = "call_" + t.b.ResponseID() + "_" + strconv.FormatInt(tc.Index, 10)
				}
				call = &toolCall{item: "fc_" + callID}
				t.calls[tc.Index] = call
				t.order = append(t.order, tc.Index)
				out = append(out, t.b.FunctionCallAdded(call.item, tc.Function.Name, callID))
			}
			if tc.Function.Arguments != "" {
				call.args += tc.Function.Arguments
				out = append(out, t.b.ArgumentsDelta(call.item, tc.Function.Arguments))
			}
		}
		if ch.FinishReason != "" {
			out = append(out, t.finish(ch.FinishReason)...)
		}
	}
	return out
}

func (t *translator) finish(reason string) []model.RawChunk {
	t.finished = true
	var out []model.RawChunk
	if t.text != "" {
		out = append(out, t.b.TextDone(t.messageItem(), t.text))
	}
	if t.refusal != "" {
		out = append(out, t.b.RefusalDone(t.messageItem(), t.refusal))
	}
	for _, idx := range t.order {
		call := t.calls[idx]
		args := call.args
		if args == "" {
			args = "{}"
		}
		out = append(out, t.b.ArgumentsDone(call.item, args))
	}
	if reason == "content_filter" {
		return append(out, t.b.Failed("response blocked by content filter"))
	}
	return append(out, t.b.Completed())
}
