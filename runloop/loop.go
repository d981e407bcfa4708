// Package runloop drives one conversation through repeated provider and tool
// cycles. A single worker goroutine owns every write to the conversation's
// event log; public methods only enqueue intents or flip flags that the worker
// observes at step boundaries.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/internal/util"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/stream"
	"github.com/hupe1980/agentloop/telemetry"
	"github.com/hupe1980/agentloop/tool"
)

// ErrClosed is returned by operations on a closed loop.
var ErrClosed = errors.New("runloop: closed")

type intentKind int

const (
	intentMessage intentKind = iota
	intentRun
	intentConfirm
	intentReject
	intentConfirmationMode
)

func (k intentKind) String() string {
	switch k {
	case intentMessage:
		return "message"
	case intentRun:
		return "run"
	case intentConfirm:
		return "confirm"
	case intentReject:
		return "reject"
	case intentConfirmationMode:
		return "confirmation_mode"
	}
	return "unknown"
}

type reply struct {
	seq int64
	err error
}

type intent struct {
	kind  intentKind
	text  string
	on    bool
	reply chan reply
}

// Loop is the run loop state machine of one conversation.
type Loop struct {
	log      core.EventLog
	provider model.Provider
	tools    tool.Executor
	opts     Options

	logger       *loggerAdapter
	tracer       trace.Tracer
	instruments  *telemetry.LoopInstruments
	aggregator   *stream.Aggregator
	budget       *core.IterationBudget
	instructions string
	definitions  []model.ToolDefinition
	finish       tool.Tool

	intents chan intent
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	cancelRun context.CancelFunc

	state        atomic.Value // core.State
	pauseFlag    atomic.Bool
	cancelFlag   atomic.Bool
	confirmation atomic.Bool

	// Owned by the worker goroutine.
	active     bool
	confirmed  bool
	runStart   int64
	waiters    []chan reply
	pendingMsg bool
}

// New creates a loop over log. The worker starts on the first call to Start
// or to any operation that needs it.
func New(log core.EventLog, provider model.Provider, tools tool.Executor, optFns ...func(o *Options)) (*Loop, error) {
	if log == nil {
		return nil, errors.New("runloop: event log is required")
	}
	if provider == nil {
		return nil, errors.New("runloop: provider is required")
	}

	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxParallelTools <= 0 {
		opts.MaxParallelTools = DefaultMaxParallelTools
	}
	if opts.MaxIterations < 0 {
		opts.MaxIterations = 0
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	if opts.Meter == nil {
		opts.Meter = telemetry.Meter()
	}

	instructions, err := util.RenderTemplate(opts.Instructions, opts.InstructionVars)
	if err != nil {
		return nil, fmt.Errorf("runloop: render instructions: %w", err)
	}

	l := &Loop{
		log:          log,
		provider:     provider,
		tools:        tools,
		opts:         opts,
		logger:       newLoggerAdapter(opts.Logger),
		tracer:       opts.Tracer,
		instruments:  telemetry.NewLoopInstruments(opts.Meter),
		budget:       core.NewIterationBudget(opts.MaxIterations),
		instructions: instructions,
		finish:       tool.NewFinishTool(),
		intents:      make(chan intent),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	l.aggregator = stream.NewAggregator(log, func(o *stream.Options) {
		o.ConversationID = opts.ConversationID
		o.Logger = opts.Logger
		o.Diagnostics = opts.Diagnostics
		o.Meter = opts.Meter
	})
	l.definitions = l.toolDefinitions()
	l.state.Store(core.StateIdle)
	l.confirmation.Store(opts.ConfirmationMode)
	return l, nil
}

func (l *Loop) toolDefinitions() []model.ToolDefinition {
	defs := l.opts.Tools
	if defs == nil {
		if d, ok := l.tools.(tool.Definer); ok {
			defs = d.Definitions()
		}
	}
	for _, d := range defs {
		if d.Function.Name == tool.FinishToolName {
			return defs
		}
	}
	return append(append([]model.ToolDefinition(nil), defs...), model.ToolDefinition{
		Type: "function",
		Function: model.FunctionDefinition{
			Name:        l.finish.Name(),
			Description: l.finish.Description(),
			Parameters:  l.finish.Parameters(),
		},
	})
}

// Start launches the worker. Values carried by ctx (trace context) reach
// every step; its cancellation does not stop the loop, Close does.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		l.cancelRun = cancel
		go l.work(wctx)
	})
}

// Close stops the worker after the step in flight completes. If ctx expires
// first, in-flight provider and tool calls are cancelled and ctx.Err() is
// returned.
func (l *Loop) Close(ctx context.Context) error {
	l.Start(ctx)
	l.closeOnce.Do(func() { close(l.done) })
	select {
	case <-l.stopped:
		l.cancelRun()
		return nil
	case <-ctx.Done():
		l.cancelRun()
		<-l.stopped
		return ctx.Err()
	}
}

// State returns the current state. It is safe to call from any goroutine.
func (l *Loop) State() core.State { return l.state.Load().(core.State) }

// Iterations returns the number of provider calls made in the current run.
func (l *Loop) Iterations() int { return l.budget.Used() }

// ConfirmationMode reports whether actions wait for confirmation.
func (l *Loop) ConfirmationMode() bool { return l.confirmation.Load() }

// SendMessage appends a user message and returns its sequence. An idle,
// paused, finished, failed or stuck loop starts running; a running loop picks
// the message up at the next step boundary; a loop waiting for confirmation
// only records it.
func (l *Loop) SendMessage(ctx context.Context, content string) (int64, error) {
	r, err := l.submit(ctx, intent{kind: intentMessage, text: content})
	return r.seq, err
}

// Run resumes the loop and blocks until it stops running. It returns the
// provider or persistence error that stopped the run, if any. Calling Run
// while the loop is already running attaches to the current run.
func (l *Loop) Run(ctx context.Context) error {
	_, err := l.submit(ctx, intent{kind: intentRun})
	return err
}

// Pause requests suspension at the next step boundary. It never blocks and
// never interrupts a provider call or tool execution.
func (l *Loop) Pause() {
	l.pauseFlag.Store(true)
	l.signal()
}

// Cancel pauses the loop and marks the run abandoned: the next resume ends it
// as finished instead of continuing.
func (l *Loop) Cancel() {
	l.cancelFlag.Store(true)
	l.pauseFlag.Store(true)
	l.signal()
}

// Confirm lets pending actions run. It is a no-op unless the loop is waiting
// for confirmation.
func (l *Loop) Confirm(ctx context.Context) error {
	_, err := l.submit(ctx, intent{kind: intentConfirm})
	return err
}

// Reject records a rejected observation for every pending action and returns
// the loop to idle.
func (l *Loop) Reject(ctx context.Context, reason string) error {
	_, err := l.submit(ctx, intent{kind: intentReject, text: reason})
	return err
}

// SetConfirmationMode toggles confirmation mode. The change applies from the
// next step boundary.
func (l *Loop) SetConfirmationMode(ctx context.Context, on bool) error {
	_, err := l.submit(ctx, intent{kind: intentConfirmationMode, on: on})
	return err
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) submit(ctx context.Context, in intent) (reply, error) {
	l.Start(ctx)
	in.reply = make(chan reply, 1)
	select {
	case l.intents <- in:
	case <-l.done:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-in.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// work is the worker goroutine. Only it touches the log.
func (l *Loop) work(ctx context.Context) {
	defer close(l.stopped)
	for {
		if l.active {
			select {
			case <-l.done:
				l.shutdown()
				return
			default:
			}
			out := l.step(ctx)
			l.drain(ctx)
			l.boundary(ctx, out)
			continue
		}

		select {
		case <-l.done:
			l.shutdown()
			return
		case in := <-l.intents:
			l.handle(ctx, in)
		case <-l.wake:
			l.applyFlags(ctx)
		}
	}
}

func (l *Loop) shutdown() {
	l.release(reply{err: ErrClosed})
	for {
		select {
		case in := <-l.intents:
			in.reply <- reply{err: ErrClosed}
		default:
			return
		}
	}
}

// drain handles every queued intent without blocking.
func (l *Loop) drain(ctx context.Context) {
	for {
		select {
		case in := <-l.intents:
			l.handle(ctx, in)
		default:
			return
		}
	}
}

func (l *Loop) handle(ctx context.Context, in intent) {
	switch in.kind {
	case intentMessage:
		l.onMessage(ctx, in)
	case intentRun:
		l.onRun(ctx, in)
	case intentConfirm:
		in.reply <- reply{err: l.onConfirm(ctx)}
	case intentReject:
		in.reply <- reply{err: l.onReject(ctx, in.text)}
	case intentConfirmationMode:
		l.confirmation.Store(in.on)
		l.logger.LogInfo("runloop.confirmation_mode.set", "conversation_id", l.opts.ConversationID, "enabled", in.on)
		in.reply <- reply{}
	}
}

func (l *Loop) onMessage(ctx context.Context, in intent) {
	committed, err := l.commit(ctx, core.NewUserMessageEvent(in.text))
	if err != nil {
		in.reply <- reply{err: err}
		return
	}
	seq := committed[0].Sequence
	if l.active {
		l.pendingMsg = true
		in.reply <- reply{seq: seq}
		return
	}

	var runErr error
	switch st := l.State(); {
	case st == core.StateWaitingConfirmation:
	case st == core.StatePaused:
		runErr = l.resumePaused(ctx)
	case st.Startable(), st == core.StateRunning:
		runErr = l.begin(ctx, st)
	}
	in.reply <- reply{seq: seq, err: runErr}
}

func (l *Loop) onRun(ctx context.Context, in intent) {
	if l.active {
		l.logger.LogDebug("runloop.run.ignored", "conversation_id", l.opts.ConversationID,
			"kind", core.ErrorConcurrencyViolation, "state", l.State())
		l.waiters = append(l.waiters, in.reply)
		return
	}

	var err error
	switch st := l.State(); {
	case st == core.StateWaitingConfirmation:
		err = l.onConfirm(ctx)
	case st == core.StatePaused:
		err = l.resumePaused(ctx)
	default:
		err = l.begin(ctx, st)
	}
	if err != nil || !l.active {
		in.reply <- reply{err: err}
		return
	}
	l.waiters = append(l.waiters, in.reply)
}

// begin starts or retries a run from a non-paused state.
func (l *Loop) begin(ctx context.Context, from core.State) error {
	if from.Startable() {
		latest, err := l.log.LatestSequence(ctx)
		if err != nil {
			return err
		}
		l.budget.Reset()
		l.runStart = latest
	}
	l.setState(ctx, core.StateRunning)
	l.active = true
	return nil
}

// resumePaused continues a paused run, or ends it if it was cancelled.
func (l *Loop) resumePaused(ctx context.Context) error {
	l.pauseFlag.Store(false)
	if l.cancelFlag.Swap(false) {
		if _, err := l.commit(ctx, core.NewSystemEvent(core.NoticeCancelled, "run abandoned by cancel")); err != nil {
			l.cancelFlag.Store(true)
			return err
		}
		l.setState(ctx, core.StateFinished)
		return nil
	}
	if _, err := l.commit(ctx, core.NewSystemEvent(core.NoticeResumed, "")); err != nil {
		return err
	}
	l.setState(ctx, core.StateRunning)
	l.active = true
	return nil
}

func (l *Loop) onConfirm(ctx context.Context) error {
	if l.State() != core.StateWaitingConfirmation {
		l.logger.LogDebug("runloop.confirm.ignored", "conversation_id", l.opts.ConversationID, "state", l.State())
		return nil
	}
	if l.cancelFlag.Load() {
		if err := l.rejectPending(ctx, "cancelled"); err != nil {
			return err
		}
		if _, err := l.commit(ctx, core.NewSystemEvent(core.NoticeCancelled, "run abandoned by cancel")); err != nil {
			return err
		}
		l.cancelFlag.Store(false)
		l.pauseFlag.Store(false)
		l.setState(ctx, core.StateFinished)
		return nil
	}
	l.confirmed = true
	l.setState(ctx, core.StateRunning)
	l.active = true
	return nil
}

func (l *Loop) onReject(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "User rejected the action"
	}
	if err := l.rejectPending(ctx, reason); err != nil {
		return err
	}
	l.confirmed = false
	l.cancelFlag.Store(false)
	l.pauseFlag.Store(false)
	if l.State() == core.StateWaitingConfirmation {
		l.setState(ctx, core.StateIdle)
	}
	return nil
}

func (l *Loop) rejectPending(ctx context.Context, reason string) error {
	history, err := core.Collect(ctx, l.log, 1)
	if err != nil {
		return err
	}
	pending := core.UnmatchedActions(history)
	if len(pending) == 0 {
		l.logger.LogWarn("runloop.reject.empty", "conversation_id", l.opts.ConversationID)
		return nil
	}
	evs := make([]core.Event, len(pending))
	for i, a := range pending {
		evs[i] = core.NewEvent(core.SourceUser, core.ObservationPayload{
			CallID:   a.CallID,
			ToolName: a.ToolName,
			Result:   reason,
			Rejected: true,
		})
	}
	if _, err := l.commit(ctx, evs...); err != nil {
		return err
	}
	l.logger.LogInfo("runloop.actions.rejected", "conversation_id", l.opts.ConversationID,
		"count", len(pending), "reason", reason)
	return nil
}

// applyFlags reacts to Pause or Cancel while no step is running.
func (l *Loop) applyFlags(ctx context.Context) {
	if !l.pauseFlag.Load() {
		return
	}
	switch l.State() {
	case core.StateIdle, core.StateRunning:
		if err := l.enterPaused(ctx); err != nil {
			l.logger.LogError("runloop.pause.failed", "conversation_id", l.opts.ConversationID, "error", err)
		}
	case core.StateWaitingConfirmation:
		// Pause is meaningless here; a cancel marker stays for Confirm.
		l.pauseFlag.Store(false)
	case core.StatePaused:
		l.pauseFlag.Store(false)
	default:
		l.pauseFlag.Store(false)
		l.cancelFlag.Store(false)
	}
}

func (l *Loop) enterPaused(ctx context.Context) error {
	if _, err := l.commit(ctx, core.NewSystemEvent(core.NoticePaused, "")); err != nil {
		return err
	}
	l.pauseFlag.Store(false)
	l.setState(ctx, core.StatePaused)
	return nil
}

// stop ends the active run and answers every Run caller.
func (l *Loop) stop(err error) {
	l.active = false
	l.pendingMsg = false
	l.release(reply{err: err})
}

func (l *Loop) release(r reply) {
	for _, w := range l.waiters {
		w <- r
	}
	l.waiters = nil
}

func (l *Loop) setState(ctx context.Context, to core.State) {
	from := l.State()
	if from == to {
		return
	}
	l.state.Store(to)
	l.instruments.Transition(ctx, string(from), string(to))
	l.logger.LogInfo("runloop.state.changed", "conversation_id", l.opts.ConversationID,
		"from", from, "to", to)
	if l.opts.OnStateChange != nil {
		l.opts.OnStateChange(from, to)
	}
}

// commit appends evs as one atomic batch. Commits ignore ctx cancellation so
// that a step whose context expired still records what it did.
func (l *Loop) commit(ctx context.Context, evs ...core.Event) ([]core.Event, error) {
	for i := range evs {
		evs[i].ConversationID = l.opts.ConversationID
	}
	seqs, err := l.log.AppendBatch(context.WithoutCancel(ctx), evs...)
	if err != nil {
		l.logger.LogError("runloop.commit.failed", "conversation_id", l.opts.ConversationID,
			"events", len(evs), "error", err)
		return nil, err
	}
	for i := range evs {
		evs[i].Sequence = seqs[i]
	}
	l.publish(evs)
	return evs, nil
}

func (l *Loop) publish(evs []core.Event) {
	if l.opts.OnEvent == nil {
		return
	}
	for _, ev := range evs {
		l.opts.OnEvent(ev)
	}
}
