package model

import (
	"context"
	"encoding/json"

	"github.com/hupe1980/agentloop/core"
)

// RawChunk is one provider stream payload in the canonical wire format.
type RawChunk = json.RawMessage

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the normalized provider input assembled by the run loop.
type Request struct {
	ConversationID string           `json:"conversation_id,omitempty"`
	Instructions   string           `json:"instructions"`
	History        []core.Event     `json:"history"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted"
	SupportsTools bool   `json:"supports_tools"`
}

// Provider is an opaque streaming completion call. The chunk channel is closed
// when the stream ends; a terminal error (if any) is sent on the error channel
// before both channels close.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan RawChunk, <-chan error)

	// Info returns information about the provider implementation.
	Info() Info
}
