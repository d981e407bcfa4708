package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
)

func TestRouter(t *testing.T) {
	echo := NewFunctionTool("echo", "", map[string]any{"type": "object"}, func(_ context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})
	shadow := NewFunctionTool("sum", "shadowed", map[string]any{"type": "object"}, func(context.Context, map[string]any) (any, error) {
		return "wrong", nil
	})
	r := NewRouter(
		NewRegistry(sumTool()),
		ExecutorFunc(func(context.Context, core.ActionPayload) (string, error) { return "ignored", nil }),
		NewRegistry(echo, shadow),
	)
	ctx := context.Background()

	names := make([]string, 0)
	for _, d := range r.Definitions() {
		names = append(names, d.Function.Name)
	}
	assert.Equal(t, []string{"sum", "echo"}, names)

	out, err := r.Execute(ctx, core.ActionPayload{ToolName: "sum", Arguments: `{"a":1,"b":2}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":3}`, out)

	out, err = r.Execute(ctx, core.ActionPayload{ToolName: "echo", Arguments: `{"text":"hi"}`})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = r.Execute(ctx, core.ActionPayload{ToolName: "nope"})
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeUnknown, te.Code)
	assert.ErrorIs(t, err, ErrUnknownTool)
}
