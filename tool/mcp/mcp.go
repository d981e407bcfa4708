// Package mcp exposes the tools of a Model Context Protocol server through
// the tool.Executor contract.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/tool"
)

// Caller is the subset of the MCP client used by the executor.
type Caller interface {
	ListTools(ctx context.Context, req mcptypes.ListToolsRequest) (*mcptypes.ListToolsResult, error)
	CallTool(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error)
}

var _ Caller = (*mcpclient.Client)(nil)

const separator = "__"

// Options configure an Executor.
type Options struct {
	// Prefix namespaces tool names as "prefix__tool"; empty means no namespace.
	Prefix string
}

// Executor dispatches actions to one MCP server.
type Executor struct {
	client Caller
	opts   Options
	tools  []mcptypes.Tool
}

// Initialize performs the MCP handshake on c.
func Initialize(ctx context.Context, c *mcpclient.Client, clientName, version string) error {
	_, err := c.Initialize(ctx, mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: mcptypes.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo:      mcptypes.Implementation{Name: clientName, Version: version},
		},
	})
	if err != nil {
		return fmt.Errorf("mcp: initialize: %w", err)
	}
	return nil
}

// New lists the server's tools and returns an executor for them. The client
// must already be initialized.
func New(ctx context.Context, client Caller, optFns ...func(o *Options)) (*Executor, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	res, err := client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools: %w", err)
	}
	return &Executor{client: client, opts: opts, tools: res.Tools}, nil
}

// Definitions converts the server's tools into model tool definitions.
func (e *Executor) Definitions() []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(e.tools))
	for _, t := range e.tools {
		params := map[string]any{
			"type":       t.InputSchema.Type,
			"properties": t.InputSchema.Properties,
		}
		if len(t.InputSchema.Required) > 0 {
			params["required"] = t.InputSchema.Required
		}
		if params["properties"] == nil {
			params["properties"] = map[string]any{}
		}
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        e.qualify(t.Name),
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return defs
}

// Execute implements tool.Executor. A result flagged IsError by the server
// becomes a *tool.ToolError carrying the server's text.
func (e *Executor) Execute(ctx context.Context, action core.ActionPayload) (string, error) {
	name, ok := e.unqualify(action.ToolName)
	if !ok {
		return "", &tool.ToolError{Tool: action.ToolName, Message: tool.ErrUnknownTool.Error(), Code: tool.CodeUnknown, Details: tool.ErrUnknownTool}
	}
	args, err := tool.DecodeArguments(action.Arguments)
	if err != nil {
		return "", &tool.ToolError{Tool: action.ToolName, Message: err.Error(), Code: tool.CodeArguments}
	}

	res, err := e.client.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", &tool.ToolError{Tool: action.ToolName, Message: err.Error(), Code: tool.CodeExecution, Details: err}
	}
	text := resultText(res)
	if res.IsError {
		return "", &tool.ToolError{Tool: action.ToolName, Message: text, Code: tool.CodeExecution}
	}
	return text, nil
}

func (e *Executor) qualify(name string) string {
	if e.opts.Prefix == "" {
		return name
	}
	return e.opts.Prefix + separator + name
}

func (e *Executor) unqualify(name string) (string, bool) {
	if e.opts.Prefix == "" {
		return name, true
	}
	return strings.CutPrefix(name, e.opts.Prefix+separator)
}

// resultText joins text content; other content kinds are rendered as JSON.
func resultText(res *mcptypes.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcptypes.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if data, err := json.Marshal(c); err == nil {
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}
