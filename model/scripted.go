package model

import (
	"context"
	"fmt"
	"sync"
)

// Script is the canned outcome of one provider call: chunks emitted in order,
// then Err (if non-nil) on the error channel.
type Script struct {
	Chunks []RawChunk
	Err    error
	// Gate, when set, blocks the call after emitting Chunks until it is closed.
	Gate <-chan struct{}
}

// ScriptedProvider is a lightweight in-memory Provider replaying one Script per
// call. Calls beyond the scripted ones fail.
type ScriptedProvider struct {
	mu       sync.Mutex
	scripts  []Script
	requests []Request
	info     Info
}

// NewScriptedProvider constructs a provider replaying scripts in order.
func NewScriptedProvider(scripts ...Script) *ScriptedProvider {
	return &ScriptedProvider{
		scripts: scripts,
		info:    Info{Name: "scripted", Provider: "scripted", SupportsTools: true},
	}
}

// Add appends more scripts.
func (p *ScriptedProvider) Add(scripts ...Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts = append(p.scripts, scripts...)
}

// Requests returns the requests observed so far.
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Calls returns the number of provider calls made.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Stream implements Provider.
func (p *ScriptedProvider) Stream(ctx context.Context, req Request) (<-chan RawChunk, <-chan error) {
	out := make(chan RawChunk, 16)
	errCh := make(chan error, 1)

	p.mu.Lock()
	call := len(p.requests)
	p.requests = append(p.requests, req)
	var (
		script Script
		ok     bool
	)
	if call < len(p.scripts) {
		script, ok = p.scripts[call], true
	}
	p.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)
		if !ok {
			errCh <- fmt.Errorf("scripted provider: no script for call %d", call+1)
			return
		}
		for _, c := range script.Chunks {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- c:
			}
		}
		if script.Gate != nil {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-script.Gate:
			}
		}
		if script.Err != nil {
			errCh <- script.Err
		}
	}()
	return out, errCh
}

// Info implements Provider.
func (p *ScriptedProvider) Info() Info { return p.info }

// TextResponse scripts a completed response streaming the given text deltas.
func TextResponse(responseID string, deltas ...string) Script {
	b := NewBuilder(responseID)
	chunks := []RawChunk{b.Created()}
	for _, d := range deltas {
		chunks = append(chunks, b.TextDelta("msg_"+responseID, d))
	}
	chunks = append(chunks, b.Completed())
	return Script{Chunks: chunks}
}

// ToolCallResponse scripts a completed response requesting one tool call.
func ToolCallResponse(responseID, toolName, callID, arguments string) Script {
	b := NewBuilder(responseID)
	item := "fc_" + callID
	return Script{Chunks: []RawChunk{
		b.Created(),
		b.FunctionCallAdded(item, toolName, callID),
		b.ArgumentsDelta(item, arguments),
		b.ArgumentsDone(item, arguments),
		b.Completed(),
	}}
}
