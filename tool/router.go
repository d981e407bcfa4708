package tool

import (
	"context"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Definer is implemented by executors that advertise their tools.
type Definer interface {
	Definitions() []model.ToolDefinition
}

// Router dispatches actions across several executors by tool name. The first
// executor advertising a name owns it.
type Router struct {
	routes map[string]Executor
	defs   []model.ToolDefinition
}

// NewRouter builds a router over executors. Executors that do not implement
// Definer are skipped.
func NewRouter(executors ...Executor) *Router {
	r := &Router{routes: make(map[string]Executor)}
	for _, e := range executors {
		d, ok := e.(Definer)
		if !ok {
			continue
		}
		for _, def := range d.Definitions() {
			if _, taken := r.routes[def.Function.Name]; taken {
				continue
			}
			r.routes[def.Function.Name] = e
			r.defs = append(r.defs, def)
		}
	}
	return r
}

// Definitions implements Definer.
func (r *Router) Definitions() []model.ToolDefinition {
	return append([]model.ToolDefinition(nil), r.defs...)
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, action core.ActionPayload) (string, error) {
	e, ok := r.routes[action.ToolName]
	if !ok {
		return "", &ToolError{Tool: action.ToolName, Message: ErrUnknownTool.Error(), Code: CodeUnknown, Details: ErrUnknownTool}
	}
	return e.Execute(ctx, action)
}
