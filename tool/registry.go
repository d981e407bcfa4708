package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// Registry is an Executor dispatching actions to registered tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists every tool as a model tool definition, sorted by name.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })
	return defs
}

// Execute decodes the action's arguments, calls the tool and renders its
// result as text. Panics inside a tool are recovered into a *ToolError.
func (r *Registry) Execute(ctx context.Context, action core.ActionPayload) (result string, err error) {
	t, ok := r.Get(action.ToolName)
	if !ok {
		return "", &ToolError{Tool: action.ToolName, Message: ErrUnknownTool.Error(), Code: CodeUnknown, Details: ErrUnknownTool}
	}

	args, err := DecodeArguments(action.Arguments)
	if err != nil {
		return "", &ToolError{Tool: action.ToolName, Message: err.Error(), Code: CodeArguments, Details: err}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = ""
			err = &ToolError{Tool: action.ToolName, Message: fmt.Sprintf("panic: %v", rec), Code: CodePanic, Details: string(debug.Stack())}
		}
	}()

	out, err := t.Call(ctx, args)
	if err != nil {
		return "", err
	}
	return RenderResult(out)
}

// DecodeArguments parses an action's argument string into a JSON object. An
// empty string decodes to an empty object.
func DecodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("arguments are not valid JSON")
	}
	if !gjson.Parse(raw).IsObject() {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// RenderResult converts a tool's return value into observation text.
func RenderResult(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render tool result: %w", err)
	}
	return string(data), nil
}
