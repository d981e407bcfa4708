// Package anthropic provides a model.Provider for the Anthropic Claude
// Messages API. Streamed message events are translated into the canonical
// wire format.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind model.Provider.
type Model struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// NewModel creates a new Anthropic model using the official client
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions(optFns)

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new Anthropic model from an existing client
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	return &Model{client: client, opts: defaultOptions(optFns)}
}

// Stream implements model.Provider.
func (m *Model) Stream(ctx context.Context, req model.Request) (<-chan model.RawChunk, <-chan error) {
	out := make(chan model.RawChunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req.History),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}
		if req.Instructions != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
		}
		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		stream := m.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		tr := newTranslator()
		for stream.Next() {
			for _, raw := range tr.translate(stream.Current().RawJSON()) {
				select {
				case out <- raw:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		}
	}()

	return out, errCh
}

// buildMessages converts the event history into alternating user and
// assistant turns. Tool results travel in user turns directly after the
// assistant turn that requested them.
func buildMessages(history []core.Event) []anthropic.MessageParam {
	var (
		messages []anthropic.MessageParam
		role     anthropic.MessageParamRole
		blocks   []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(blocks) == 0 {
			return
		}
		if role == anthropic.MessageParamRoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
		blocks = nil
	}
	add := func(r anthropic.MessageParamRole, block anthropic.ContentBlockParamUnion) {
		if r != role {
			flush()
			role = r
		}
		blocks = append(blocks, block)
	}

	for _, ev := range history {
		switch p := ev.Payload.(type) {
		case core.MessagePayload:
			text := p.Text()
			if text == "" {
				continue
			}
			if ev.Source == core.SourceUser || p.Role == "user" {
				add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(text))
			} else {
				add(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(text))
			}
		case core.ActionPayload:
			var input any = map[string]any{}
			if p.Arguments != "" {
				if err := json.Unmarshal([]byte(p.Arguments), &input); err != nil {
					input = p.Arguments // fallback to string
				}
			}
			add(anthropic.MessageParamRoleAssistant, anthropic.NewToolUseBlock(p.CallID, input, p.ToolName))
		case core.ObservationPayload:
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(p.CallID, p.Result, !p.Success))
		}
	}
	flush()
	return messages
}

// buildTools converts tool definitions to Anthropic tool format
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if params := tool.Function.Parameters; params != nil {
			if properties, exists := params["properties"]; exists {
				inputSchema.Properties = properties
			}
			switch req := params["required"].(type) {
			case []string:
				inputSchema.Required = req
			case []any:
				for _, r := range req {
					if s, ok := r.(string); ok {
						inputSchema.Required = append(inputSchema.Required, s)
					}
				}
			}
		}

		anthropicTools[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Function.Name)
		if tool.Function.Description != "" && anthropicTools[i].OfTool != nil {
			anthropicTools[i].OfTool.Description = anthropic.String(tool.Function.Description)
		}
	}

	return anthropicTools
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}

type blockKind int

const (
	blockText blockKind = iota
	blockThinking
	blockToolUse
)

type block struct {
	kind blockKind
	item string
	buf  string
}

// translator maps Messages API stream events onto canonical events. Every
// content block becomes its own item, keyed by the block index.
type translator struct {
	b      *model.Builder
	blocks map[int64]*block
	done   bool
}

func newTranslator() *translator {
	return &translator{blocks: map[int64]*block{}}
}

func (t *translator) item(prefix string, idx int64) string {
	return prefix + "_" + t.b.ResponseID() + "_" + strconv.FormatInt(idx, 10)
}

func (t *translator) translate(raw string) []model.RawChunk {
	ev := gjson.Parse(raw)
	typ := ev.Get("type").String()

	if t.b == nil {
		id := ev.Get("message.id").String()
		if id == "" {
			id = "msg"
		}
		t.b = model.NewBuilder(id)
		out := []model.RawChunk{t.b.Created()}
		if typ == "message_start" {
			return out
		}
		return append(out, t.translate(raw)...)
	}
	if t.done {
		return nil
	}

	switch typ {
	case "content_block_start":
		idx := ev.Get("index").Int()
		cb := ev.Get("content_block")
		switch cb.Get("type").String() {
		case "text":
			t.blocks[idx] = &block{kind: blockText, item: t.item("msg", idx)}
		case "thinking":
			t.blocks[idx] = &block{kind: blockThinking, item: t.item("rs", idx)}
		case "tool_use":
			callID := cb.Get("id").String()
			bl := &block{kind: blockToolUse, item: "fc_" + callID}
			t.blocks[idx] = bl
			return []model.RawChunk{t.b.FunctionCallAdded(bl.item, cb.Get("name").String(), callID)}
		}
	case "content_block_delta":
		bl, ok := t.blocks[ev.Get("index").Int()]
		if !ok {
			return nil
		}
		delta := ev.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			s := delta.Get("text").String()
			bl.buf += s
			return []model.RawChunk{t.b.TextDelta(bl.item, s)}
		case "thinking_delta":
			s := delta.Get("thinking").String()
			bl.buf += s
			return []model.RawChunk{t.b.ReasoningDelta(bl.item, s)}
		case "input_json_delta":
			s := delta.Get("partial_json").String()
			if s == "" {
				return nil
			}
			bl.buf += s
			return []model.RawChunk{t.b.ArgumentsDelta(bl.item, s)}
		}
	case "content_block_stop":
		idx := ev.Get("index").Int()
		bl, ok := t.blocks[idx]
		if !ok {
			return nil
		}
		delete(t.blocks, idx)
		switch bl.kind {
		case blockText:
			return []model.RawChunk{t.b.TextDone(bl.item, bl.buf)}
		case blockThinking:
			return []model.RawChunk{t.b.ReasoningDone(bl.item, bl.buf)}
		case blockToolUse:
			args := bl.buf
			if args == "" {
				args = "{}"
			}
			return []model.RawChunk{t.b.ArgumentsDone(bl.item, args)}
		}
	case "message_delta":
		if ev.Get("delta.stop_reason").String() == "refusal" {
			t.done = true
			return []model.RawChunk{t.b.Failed("response refused by the model")}
		}
	case "message_stop":
		t.done = true
		return []model.RawChunk{t.b.Completed()}
	case "error":
		t.done = true
		return []model.RawChunk{t.b.Failed(ev.Get("error.message").String())}
	}
	return nil
}
