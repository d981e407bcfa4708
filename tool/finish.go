package tool

import (
	"context"
)

// finishTool lets the model end the run explicitly.
type finishTool struct{}

// NewFinishTool constructs the finish tool. The run loop recognises an action
// naming it as the agent's finish signal and stops after recording its
// observation.
func NewFinishTool() Tool { return finishTool{} }

func (finishTool) Name() string { return FinishToolName }

func (finishTool) Description() string {
	return "Signal that the task is complete. Provide a short summary of the outcome for the user."
}

func (finishTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "description": "Final summary for the user"},
		},
	}
}

func (finishTool) Call(_ context.Context, args map[string]any) (any, error) {
	if msg, ok := args["message"].(string); ok && msg != "" {
		return msg, nil
	}
	return "finished", nil
}
