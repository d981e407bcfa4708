package mcp

import (
	"context"
	"errors"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/tool"
)

var _ tool.Executor = (*Executor)(nil)

func newServer() *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("test", "1.0.0", mcpserver.WithToolCapabilities(true))
	s.AddTool(
		mcptypes.NewTool("echo",
			mcptypes.WithDescription("Echo the input"),
			mcptypes.WithString("text", mcptypes.Description("Text to echo"), mcptypes.Required()),
		),
		func(_ context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			return mcptypes.NewToolResultText("echo: " + req.GetString("text", "")), nil
		},
	)
	s.AddTool(
		mcptypes.NewTool("fail", mcptypes.WithDescription("Always fails")),
		func(_ context.Context, _ mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			return mcptypes.NewToolResultError("nope"), nil
		},
	)
	return s
}

func newExecutor(t *testing.T, prefix string) *Executor {
	t.Helper()
	ctx := context.Background()
	c, err := mcpclient.NewInProcessClient(newServer())
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, Initialize(ctx, c, "agentloop-test", "1.0"))

	exec, err := New(ctx, c, func(o *Options) { o.Prefix = prefix })
	require.NoError(t, err)
	return exec
}

func TestExecutor_DefinitionsAndCalls(t *testing.T) {
	exec := newExecutor(t, "srv")
	ctx := context.Background()

	names := map[string]bool{}
	for _, d := range exec.Definitions() {
		names[d.Function.Name] = true
	}
	assert.True(t, names["srv__echo"])
	assert.True(t, names["srv__fail"])

	out, err := exec.Execute(ctx, core.ActionPayload{ToolName: "srv__echo", Arguments: `{"text":"hi"}`, CallID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)

	_, err = exec.Execute(ctx, core.ActionPayload{ToolName: "srv__fail", CallID: "2"})
	var te *tool.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "nope", te.Message)

	_, err = exec.Execute(ctx, core.ActionPayload{ToolName: "other__echo", CallID: "3"})
	assert.True(t, errors.Is(err, tool.ErrUnknownTool))
}
