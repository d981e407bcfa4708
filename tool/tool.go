// Package tool implements the tool-dispatch contract the run loop uses to
// execute actions. Tool semantics are owned by the caller: the core only
// forwards an action's opaque arguments and records the textual result as an
// observation. Failures are data, never control flow.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/util"
)

// FinishToolName is the action name the run loop treats as the agent's
// explicit finish signal.
const FinishToolName = "finish"

// ErrUnknownTool is returned when an action names a tool nobody registered.
var ErrUnknownTool = errors.New("unknown tool")

// Executor dispatches one action and returns its textual result. It may block
// arbitrarily long; a returned error becomes a failed observation.
type Executor interface {
	Execute(ctx context.Context, action core.ActionPayload) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action core.ActionPayload) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, action core.ActionPayload) (string, error) {
	return f(ctx, action)
}

// Tool is a named capability exposed to the model.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Be safe for concurrent use; independent actions may run in parallel
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description is provided to the model to explain when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with already decoded and validated arguments.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Unwrap exposes a wrapped cause stored in Details.
func (e *ToolError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Error codes attached to ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeUnknown    = "UNKNOWN_TOOL"
	CodePanic      = "PANIC"
	CodeArguments  = "INVALID_ARGUMENTS"
)
