package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/hupe1980/agentloop/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a tool.
//
// It validates model supplied arguments against its parameter schema before
// execution and normalizes failures into *ToolError:
//
//	VALIDATION_ERROR  -> schema / argument mismatch
//	EXECUTION_ERROR   -> underlying function returned an error (non-ToolError)
//	(custom codes preserved if the function returns *ToolError directly)
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []any{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewTypedTool builds a tool whose arguments decode into T. The schema is
// reflected from T's `json` and `jsonschema` struct tags.
func NewTypedTool[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) *FunctionTool {
	return NewFunctionTool(name, description, reflectSchema[T](), func(ctx context.Context, raw map[string]any) (any, error) {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		var args T
		if err := json.Unmarshal(data, &args); err != nil {
			return nil, &ToolError{Tool: name, Message: err.Error(), Code: CodeArguments}
		}
		return fn(ctx, args)
	})
}

func reflectSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	data, err := json.Marshal(reflector.Reflect(zero))
	if err != nil {
		panic(fmt.Sprintf("failed to generate schema for type %T: %v", zero, err))
	}
	schema := map[string]any{}
	if err := json.Unmarshal(data, &schema); err != nil {
		panic(fmt.Sprintf("failed to decode schema for type %T: %v", zero, err))
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}

// Name returns the unique tool name used in function call declarations and routing.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the short natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates the provided args against the declared schema then invokes the
// underlying function.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (any, error) {
	if err := util.ValidateParameters(args, t.parameters); err != nil {
		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return nil, toolErr
		}
		return nil, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeExecution,
			Details: err,
		}
	}
	return result, nil
}
