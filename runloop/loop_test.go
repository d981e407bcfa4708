package runloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/eventlog/memory"
	"github.com/hupe1980/agentloop/internal/testutil"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/tool"
)

// funcProvider scripts each call from a function of the 1-based call number.
type funcProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req model.Request) model.Script
}

func (p *funcProvider) Stream(ctx context.Context, req model.Request) (<-chan model.RawChunk, <-chan error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()
	return model.NewScriptedProvider(p.fn(n, req)).Stream(ctx, req)
}

func (p *funcProvider) Info() model.Info {
	return model.Info{Name: "func", Provider: "func", SupportsTools: true}
}

func (p *funcProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ model.Provider = (*funcProvider)(nil)

func echoTool() tool.Executor {
	return tool.ExecutorFunc(func(_ context.Context, a core.ActionPayload) (string, error) {
		return "echo:" + a.Arguments, nil
	})
}

func newLoop(t *testing.T, log core.EventLog, p model.Provider, tools tool.Executor, optFns ...func(o *Options)) *Loop {
	t.Helper()
	l, err := New(log, p, tools, append([]func(o *Options){func(o *Options) {
		o.ConversationID = "conv-1"
	}}, optFns...)...)
	require.NoError(t, err)
	l.Start(context.Background())
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func waitState(t *testing.T, l *Loop, want core.State) {
	t.Helper()
	require.Eventually(t, func() bool { return l.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state is %s, want %s", l.State(), want)
}

func events(t *testing.T, log core.EventLog) []core.Event {
	t.Helper()
	evs, err := core.Collect(context.Background(), log, 1)
	require.NoError(t, err)
	return evs
}

func notices(evs []core.Event) []core.Notice {
	var out []core.Notice
	for _, ev := range evs {
		if s, ok := ev.System(); ok {
			out = append(out, s.Notice)
		}
	}
	return out
}

func TestLoop_TextResponseFinishes(t *testing.T) {
	log := memory.NewLog("conv-1", 0)
	p := model.NewScriptedProvider(model.TextResponse("resp_1", "Hel", "lo", " there"))
	l := newLoop(t, log, p, echoTool())

	seq, err := l.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	waitState(t, l, core.StateFinished)
	evs := events(t, log)
	require.Len(t, evs, 2)
	assert.Equal(t, []string{"Hi", "Hello there"}, testutil.Texts(evs))
	assert.Equal(t, core.SourceAgent, evs[1].Source)
	assert.Equal(t, "conv-1", evs[1].ConversationID)
	assert.Equal(t, 1, l.Iterations())

	req := p.Requests()[0]
	require.Len(t, req.History, 1)
	assert.Equal(t, "conv-1", req.ConversationID)
}

func TestLoop_ReasoningAndTextSections(t *testing.T) {
	b := model.NewBuilder("resp_1")
	p := model.NewScriptedProvider(model.Script{Chunks: []model.RawChunk{
		b.Created(),
		b.ReasoningDelta("msg_1", "Let me think"),
		b.TextDelta("msg_1", "The answer is 4"),
		b.Completed(),
	}})
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool())

	_, err := l.SendMessage(context.Background(), "2+2?")
	require.NoError(t, err)
	waitState(t, l, core.StateFinished)

	msg, ok := events(t, log)[1].Message()
	require.True(t, ok)
	assert.Equal(t, []core.Section{
		{Kind: core.SectionReasoning, Text: "Let me think"},
		{Kind: core.SectionText, Text: "The answer is 4"},
	}, msg.Sections)
}

func TestLoop_PauseMidToolExecution(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	tools := tool.ExecutorFunc(func(_ context.Context, a core.ActionPayload) (string, error) {
		if calls.Add(1) == 2 {
			close(started)
			<-release
		}
		return "ok", nil
	})
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		if call <= 2 {
			return model.ToolCallResponse(fmt.Sprintf("resp_%d", call), "work", fmt.Sprintf("call_%d", call), `{}`)
		}
		return model.TextResponse("resp_3", "done")
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, tools)

	_, err := l.SendMessage(context.Background(), "go")
	require.NoError(t, err)

	<-started
	l.Pause()
	assert.Equal(t, core.StateRunning, l.State())
	close(release)

	waitState(t, l, core.StatePaused)
	evs := events(t, log)
	last := evs[len(evs)-1]
	sys, ok := last.System()
	require.True(t, ok)
	assert.Equal(t, core.NoticePaused, sys.Notice)

	obs, ok := evs[len(evs)-2].Observation()
	require.True(t, ok)
	assert.Equal(t, "call_2", obs.CallID)
	assert.Empty(t, core.UnmatchedActions(evs))
	assert.Equal(t, 2, p.Calls())

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, core.StateFinished, l.State())
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, 3, l.Iterations())
	assert.Contains(t, notices(events(t, log)), core.NoticeResumed)
}

func TestLoop_ProviderFailureCommitsOnlyError(t *testing.T) {
	b := model.NewBuilder("resp_1")
	p := model.NewScriptedProvider(model.Script{
		Chunks: []model.RawChunk{b.Created(), b.TextDelta("msg_1", "Hel"), b.TextDelta("msg_1", "lo")},
		Err:    errors.New("upstream reset"),
	})
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool())

	_, err := l.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)
	waitState(t, l, core.StateError)

	evs := events(t, log)
	assert.Equal(t, []core.EventKind{core.KindMessage, core.KindError}, testutil.Kinds(evs))
	ep, _ := evs[1].Error()
	assert.Equal(t, core.ErrorProviderFailure, ep.ErrorKind)
	assert.Equal(t, "resp_1", ep.ResponseID)

	// A new run from ERROR surfaces the failure to the caller.
	p.Add(model.Script{Err: errors.New("still down")})
	err = l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProviderFailure)
	assert.Equal(t, core.StateError, l.State())
}

func TestLoop_BudgetExhausted(t *testing.T) {
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		return model.ToolCallResponse(fmt.Sprintf("resp_%d", call), "echo", fmt.Sprintf("call_%d", call), fmt.Sprintf(`{"n":%d}`, call))
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool(), func(o *Options) { o.MaxIterations = 3 })

	_, err := l.SendMessage(context.Background(), "loop")
	require.NoError(t, err)
	waitState(t, l, core.StateFinished)

	evs := events(t, log)
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, []core.EventKind{
		core.KindMessage,
		core.KindAction, core.KindObservation,
		core.KindAction, core.KindObservation,
		core.KindAction, core.KindObservation,
		core.KindSystem,
	}, testutil.Kinds(evs))
	assert.Equal(t, []core.Notice{core.NoticeBudgetExhausted}, notices(evs))
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}

	// A new run starts with a fresh budget.
	_, err = l.SendMessage(context.Background(), "again")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Calls() == 6 && l.State() == core.StateFinished },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, l.Iterations())
}

func TestLoop_FinishAction(t *testing.T) {
	p := model.NewScriptedProvider(model.ToolCallResponse("resp_1", tool.FinishToolName, "call_1", `{"message":"all done"}`))
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, tool.NewRegistry())

	_, err := l.SendMessage(context.Background(), "wrap up")
	require.NoError(t, err)
	waitState(t, l, core.StateFinished)

	evs := events(t, log)
	obs, ok := evs[len(evs)-1].Observation()
	require.True(t, ok)
	assert.True(t, obs.Success)
	assert.Equal(t, "all done", obs.Result)
	assert.Empty(t, notices(evs))

	var names []string
	for _, d := range p.Requests()[0].Tools {
		names = append(names, d.Function.Name)
	}
	assert.Contains(t, names, tool.FinishToolName)
}

func TestLoop_ToolFailureIsObservation(t *testing.T) {
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		if call == 1 {
			return model.ToolCallResponse("resp_1", "missing", "call_1", `{}`)
		}
		return model.TextResponse("resp_2", "sorry")
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, tool.NewRegistry())

	_, err := l.SendMessage(context.Background(), "try")
	require.NoError(t, err)
	waitState(t, l, core.StateFinished)

	evs := events(t, log)
	obs, ok := evs[2].Observation()
	require.True(t, ok)
	assert.False(t, obs.Success)
	assert.Contains(t, obs.Result, tool.ErrUnknownTool.Error())
	assert.Equal(t, core.SourceEnvironment, evs[2].Source)
	assert.Equal(t, []string{"try", "sorry"}, testutil.Texts(evs))
}

func TestLoop_ExecutorPanicIsObservation(t *testing.T) {
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		if call == 1 {
			return model.ToolCallResponse("resp_1", "boom", "call_1", `{}`)
		}
		return model.TextResponse("resp_2", "recovered")
	}}
	exploding := tool.ExecutorFunc(func(context.Context, core.ActionPayload) (string, error) {
		panic("tool exploded")
	})
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, exploding)

	_, err := l.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	waitState(t, l, core.StateFinished)

	evs := events(t, log)
	obs, ok := evs[2].Observation()
	require.True(t, ok)
	assert.False(t, obs.Success)
	assert.Contains(t, obs.Result, "tool exploded")
	assert.Equal(t, []string{"go", "recovered"}, testutil.Texts(evs))
}

func TestLoop_ParallelActionsCommitInOrder(t *testing.T) {
	b := model.NewBuilder("resp_1")
	chunks := []model.RawChunk{b.Created()}
	for _, id := range []string{"a", "b", "c"} {
		chunks = append(chunks,
			b.FunctionCallAdded("fc_"+id, "sleep", "call_"+id),
			b.ArgumentsDone("fc_"+id, `{}`))
	}
	chunks = append(chunks, b.Completed())

	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		if call == 1 {
			return model.Script{Chunks: chunks}
		}
		return model.TextResponse("resp_2", "ok")
	}}
	delays := map[string]time.Duration{"call_a": 30 * time.Millisecond, "call_b": 0, "call_c": 10 * time.Millisecond}
	tools := tool.ExecutorFunc(func(_ context.Context, a core.ActionPayload) (string, error) {
		time.Sleep(delays[a.CallID])
		return a.CallID, nil
	})
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, tools, func(o *Options) { o.MaxParallelTools = 3 })

	_, err := l.SendMessage(context.Background(), "fan out")
	require.NoError(t, err)
	waitState(t, l, core.StateFinished)

	var order []string
	for _, ev := range events(t, log) {
		if obs, ok := ev.Observation(); ok {
			order = append(order, obs.Result)
		}
	}
	assert.Equal(t, []string{"call_a", "call_b", "call_c"}, order)
}

func TestLoop_ConfirmationMode(t *testing.T) {
	var executed atomic.Int32
	tools := tool.ExecutorFunc(func(_ context.Context, a core.ActionPayload) (string, error) {
		executed.Add(1)
		return "ran", nil
	})
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		if call == 1 {
			return model.ToolCallResponse("resp_1", "rm", "call_1", `{"path":"/tmp/x"}`)
		}
		return model.TextResponse("resp_2", "removed")
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, tools, func(o *Options) { o.ConfirmationMode = true })

	_, err := l.SendMessage(context.Background(), "clean up")
	require.NoError(t, err)
	waitState(t, l, core.StateWaitingConfirmation)

	evs := events(t, log)
	assert.Len(t, core.UnmatchedActions(evs), 1)
	assert.Equal(t, []core.Notice{core.NoticeConfirmationRequired}, notices(evs))
	assert.Equal(t, int32(0), executed.Load())

	// Pause is ignored while waiting.
	l.Pause()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, core.StateWaitingConfirmation, l.State())

	// Messages are recorded without resuming.
	_, err = l.SendMessage(context.Background(), "are you sure?")
	require.NoError(t, err)
	assert.Equal(t, core.StateWaitingConfirmation, l.State())

	require.NoError(t, l.Confirm(context.Background()))
	waitState(t, l, core.StateFinished)
	assert.Equal(t, int32(1), executed.Load())
	assert.Empty(t, core.UnmatchedActions(events(t, log)))
	assert.Equal(t, 2, p.Calls())
}

func TestLoop_RunConfirmsImplicitly(t *testing.T) {
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		if call == 1 {
			return model.ToolCallResponse("resp_1", "echo", "call_1", `{}`)
		}
		return model.TextResponse("resp_2", "done")
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool(), func(o *Options) { o.ConfirmationMode = true })

	_, err := l.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	waitState(t, l, core.StateWaitingConfirmation)

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, core.StateFinished, l.State())
}

func TestLoop_Reject(t *testing.T) {
	p := model.NewScriptedProvider(model.ToolCallResponse("resp_1", "rm", "call_1", `{}`))
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool(), func(o *Options) { o.ConfirmationMode = true })

	_, err := l.SendMessage(context.Background(), "delete it")
	require.NoError(t, err)
	waitState(t, l, core.StateWaitingConfirmation)

	require.NoError(t, l.Reject(context.Background(), "not allowed"))
	assert.Equal(t, core.StateIdle, l.State())

	evs := events(t, log)
	last := evs[len(evs)-1]
	obs, ok := last.Observation()
	require.True(t, ok)
	assert.Equal(t, core.SourceUser, last.Source)
	assert.True(t, obs.Rejected)
	assert.False(t, obs.Success)
	assert.Equal(t, "not allowed", obs.Result)
	assert.Equal(t, "call_1", obs.CallID)
	require.NoError(t, core.ValidateObservations(evs))
}

func TestLoop_CancelShortCircuitsResume(t *testing.T) {
	gate := make(chan struct{})
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		s := model.ToolCallResponse("resp_1", "echo", "call_1", `{}`)
		s.Gate = gate
		return s
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool())

	_, err := l.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	l.Cancel()
	close(gate)
	waitState(t, l, core.StatePaused)

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, core.StateFinished, l.State())
	assert.Equal(t, 1, p.Calls())

	evs := events(t, log)
	assert.Equal(t, []core.Notice{core.NoticePaused, core.NoticeCancelled}, notices(evs))
	assert.Empty(t, core.UnmatchedActions(evs))
}

func TestLoop_CancelDuringFinishingStepDoesNotLeak(t *testing.T) {
	gate := make(chan struct{})
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		switch call {
		case 1:
			s := model.TextResponse("resp_1", "first")
			s.Gate = gate
			return s
		case 2:
			return model.ToolCallResponse("resp_2", "echo", "call_2", `{}`)
		}
		return model.TextResponse("resp_3", "second")
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool())

	_, err := l.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	l.Cancel()
	close(gate)
	waitState(t, l, core.StateFinished)

	_, err = l.SendMessage(context.Background(), "again")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.Calls() == 3 && l.State() == core.StateFinished
	}, 2*time.Second, 5*time.Millisecond)

	evs := events(t, log)
	assert.Empty(t, notices(evs))
	assert.Equal(t, []string{"go", "first", "again", "second"}, testutil.Texts(evs))
}

func TestLoop_PauseFromIdle(t *testing.T) {
	p := model.NewScriptedProvider(model.TextResponse("resp_1", "hi"))
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool())

	l.Pause()
	waitState(t, l, core.StatePaused)
	assert.Equal(t, []core.Notice{core.NoticePaused}, notices(events(t, log)))

	_, err := l.SendMessage(context.Background(), "wake up")
	require.NoError(t, err)
	waitState(t, l, core.StateFinished)
	assert.Equal(t, []string{"wake up", "hi"}, testutil.Texts(events(t, log)))
}

func TestLoop_RunWhileRunningAttaches(t *testing.T) {
	gate := make(chan struct{})
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		s := model.TextResponse("resp_1", "slow")
		s.Gate = gate
		return s
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool())

	_, err := l.SendMessage(context.Background(), "go")
	require.NoError(t, err)

	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- l.Run(context.Background()) }()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for range 2 {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
	}
	assert.Equal(t, core.StateFinished, l.State())
	assert.Equal(t, 1, p.Calls())
}

func TestLoop_MessageDuringStepKeepsRunning(t *testing.T) {
	gate := make(chan struct{})
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		s := model.TextResponse(fmt.Sprintf("resp_%d", call), fmt.Sprintf("answer %d", call))
		if call == 1 {
			s.Gate = gate
		}
		return s
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool())

	_, err := l.SendMessage(context.Background(), "first")
	require.NoError(t, err)

	seqCh := make(chan int64, 1)
	go func() {
		seq, err := l.SendMessage(context.Background(), "second")
		assert.NoError(t, err)
		seqCh <- seq
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool { return p.Calls() == 2 && l.State() == core.StateFinished },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), <-seqCh)
	assert.Equal(t, []string{"first", "answer 1", "second", "answer 2"}, testutil.Texts(events(t, log)))
}

func TestLoop_PersistenceFailure(t *testing.T) {
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		return model.TextResponse(fmt.Sprintf("resp_%d", call), "hello")
	}}
	log := testutil.NewFailingLog(memory.NewLog("conv-1", 0))
	l := newLoop(t, log, p, echoTool())

	log.FailAfter(1)
	_, err := l.SendMessage(context.Background(), "Hi")
	require.NoError(t, err)

	err = l.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPersistence)
	assert.Equal(t, core.StateRunning, l.State())
	assert.Len(t, events(t, log), 1)

	log.Heal()
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, core.StateFinished, l.State())
	assert.Equal(t, []string{"Hi", "hello"}, testutil.Texts(events(t, log)))
}

func TestLoop_SendMessagePersistenceFailure(t *testing.T) {
	log := testutil.NewFailingLog(memory.NewLog("conv-1", 0))
	l := newLoop(t, log, model.NewScriptedProvider(), echoTool())

	log.Fail()
	_, err := l.SendMessage(context.Background(), "Hi")
	assert.ErrorIs(t, err, core.ErrPersistence)
	assert.Equal(t, core.StateIdle, l.State())
}

func TestLoop_Stuck(t *testing.T) {
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		return model.ToolCallResponse(fmt.Sprintf("resp_%d", call), "ls", fmt.Sprintf("call_%d", call), `{"dir":"."}`)
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool(), func(o *Options) { o.MaxIterations = 0 })

	_, err := l.SendMessage(context.Background(), "list")
	require.NoError(t, err)
	waitState(t, l, core.StateStuck)

	assert.Equal(t, 4, p.Calls())
	evs := events(t, log)
	last, ok := evs[len(evs)-1].System()
	require.True(t, ok)
	assert.Equal(t, core.NoticeStuck, last.Notice)
	assert.Equal(t, PatternRepeatingObservation, last.Detail)
}

func TestLoop_PendingActionsDispatchedFirst(t *testing.T) {
	log := memory.NewLog("conv-1", 0)
	ctx := context.Background()
	_, err := log.AppendBatch(ctx,
		core.NewUserMessageEvent("resume me"),
		core.NewActionEvent("echo", `{"x":1}`, "call_0"),
	)
	require.NoError(t, err)

	p := model.NewScriptedProvider(model.TextResponse("resp_1", "recovered"))
	l := newLoop(t, log, p, echoTool())

	require.NoError(t, l.Run(ctx))
	evs := events(t, log)
	assert.Equal(t, []core.EventKind{core.KindMessage, core.KindAction, core.KindObservation, core.KindMessage}, testutil.Kinds(evs))
	req := p.Requests()[0]
	assert.Len(t, req.History, 3)
}

func TestLoop_OnEventAndSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	var mu sync.Mutex
	var seen []int64
	p := &funcProvider{fn: func(call int, _ model.Request) model.Script {
		if call == 1 {
			return model.ToolCallResponse("resp_1", "echo", "call_1", `{}`)
		}
		return model.TextResponse("resp_2", "done")
	}}
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool(), func(o *Options) {
		o.Tracer = tp.Tracer("test")
		o.OnEvent = func(ev core.Event) {
			mu.Lock()
			seen = append(seen, ev.Sequence)
			mu.Unlock()
		}
	})

	_, err := l.SendMessage(context.Background(), "go")
	require.NoError(t, err)
	waitState(t, l, core.StateFinished)

	mu.Lock()
	assert.Equal(t, []int64{1, 2, 3, 4}, seen)
	mu.Unlock()

	names := map[string]int{}
	for _, s := range rec.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 2, names["runloop.step"])
	assert.Equal(t, 2, names["runloop.provider"])
	assert.Equal(t, 1, names["runloop.tool"])
}

func TestLoop_Close(t *testing.T) {
	l, err := New(memory.NewLog("conv-1", 0), model.NewScriptedProvider(), echoTool())
	require.NoError(t, err)
	l.Start(context.Background())
	require.NoError(t, l.Close(context.Background()))

	_, err = l.SendMessage(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, l.Close(context.Background()))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, model.NewScriptedProvider(), nil)
	assert.Error(t, err)
	_, err = New(memory.NewLog("c", 0), nil, nil)
	assert.Error(t, err)
	_, err = New(memory.NewLog("c", 0), model.NewScriptedProvider(), nil, func(o *Options) {
		o.Instructions = "{{ .broken"
	})
	assert.Error(t, err)
}

func TestNew_RendersInstructions(t *testing.T) {
	p := model.NewScriptedProvider(model.TextResponse("resp_1", "ok"))
	log := memory.NewLog("conv-1", 0)
	l := newLoop(t, log, p, echoTool(), func(o *Options) {
		o.Instructions = "You help {{ .User | upper }}."
		o.InstructionVars = map[string]any{"User": "ada"}
	})

	_, err := l.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	waitState(t, l, core.StateFinished)
	assert.Equal(t, "You help ADA.", p.Requests()[0].Instructions)
}
