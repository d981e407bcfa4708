package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hupe1980/agentloop/core"
)

type fakeConversation struct {
	mu       sync.Mutex
	calls    []string
	messages []string
	reason   string
	confirm  bool
}

func (f *fakeConversation) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeConversation) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConversation) SendMessage(_ context.Context, content string) (int64, error) {
	f.record("send")
	f.mu.Lock()
	f.messages = append(f.messages, content)
	f.mu.Unlock()
	return 1, nil
}
func (f *fakeConversation) Run(context.Context) error     { f.record("run"); return nil }
func (f *fakeConversation) Pause()                        { f.record("pause") }
func (f *fakeConversation) Cancel()                       { f.record("cancel") }
func (f *fakeConversation) Confirm(context.Context) error { f.record("confirm"); return nil }
func (f *fakeConversation) Reject(_ context.Context, reason string) error {
	f.record("reject")
	f.reason = reason
	return nil
}
func (f *fakeConversation) SetConfirmationMode(_ context.Context, on bool) error {
	f.record("confirmation")
	f.confirm = on
	return nil
}
func (f *fakeConversation) State() core.State { return core.StateIdle }
func (f *fakeConversation) Iterations() int   { return 0 }

func TestHandle(t *testing.T) {
	ctx := context.Background()
	f := &fakeConversation{}

	assert.False(t, handle(ctx, f, "hello there"))
	assert.Eventually(t, func() bool { return len(f.seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"send", "run"}, f.seen())
	assert.Equal(t, []string{"hello there"}, f.messages)

	assert.False(t, handle(ctx, f, "/reject too risky"))
	assert.Equal(t, "too risky", f.reason)

	assert.False(t, handle(ctx, f, "/confirmation on"))
	assert.True(t, f.confirm)

	assert.False(t, handle(ctx, f, "/pause"))
	assert.False(t, handle(ctx, f, "/bogus"))
	assert.False(t, handle(ctx, f, ""))
	assert.True(t, handle(ctx, f, "/quit"))

	assert.Equal(t, []string{"send", "run", "reject", "confirmation", "pause"}, f.seen())
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		ev   core.Event
		want string
	}{
		{core.NewEvent(core.SourceAgent, core.ActionPayload{ToolName: "echo", Arguments: `{"text":"hi"}`}), `-> echo {"text":"hi"}`},
		{core.NewEvent(core.SourceUser, core.ObservationPayload{Result: "no", Rejected: true}), "<- [rejected] no"},
		{core.NewEvent(core.SourceEnvironment, core.ObservationPayload{Result: "boom"}), "<- [failed] boom"},
		{core.NewSystemEvent(core.NoticePaused, ""), "** paused"},
		{core.NewUserMessageEvent("line one\nline two"), "line one line two"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, summarize(tt.ev))
	}
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}
