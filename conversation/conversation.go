// Package conversation binds one event log and one run loop into the
// aggregate root callers drive: messages go in, the loop runs, and the log
// records everything that happened.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/eventlog"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/runloop"
	"github.com/hupe1980/agentloop/tool"
)

// ErrCorruptLog is returned when an existing log violates the event
// invariants and cannot be resumed.
var ErrCorruptLog = errors.New("conversation: corrupt event log")

// Conversation is one long-lived agent/tool interaction with its own log and
// run loop.
type Conversation struct {
	id            string
	log           core.EventLog
	loop          *runloop.Loop
	maxIterations int
	logger        logging.Logger
}

// New opens a conversation over log. An existing log is validated before the
// loop starts: sequences must be gap-free and every observation must answer
// exactly one earlier action. Options are applied to the run loop; the
// conversation id is always set from id.
func New(ctx context.Context, id string, log core.EventLog, provider model.Provider, tools tool.Executor, optFns ...func(o *runloop.Options)) (*Conversation, error) {
	if id == "" {
		id = core.NewID()
	}
	latest, err := validate(ctx, log)
	if err != nil {
		return nil, err
	}

	var resolved runloop.Options
	fns := append(append([]func(o *runloop.Options){}, optFns...), func(o *runloop.Options) {
		o.ConversationID = id
		resolved = *o
	})
	loop, err := runloop.New(log, provider, tools, fns...)
	if err != nil {
		return nil, err
	}
	logger := resolved.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	c := &Conversation{
		id:            id,
		log:           log,
		loop:          loop,
		maxIterations: resolved.MaxIterations,
		logger:        logger,
	}
	loop.Start(ctx)

	logger.Info("conversation.opened", "conversation_id", id, "latest_sequence", latest,
		"max_iterations", resolved.MaxIterations, "confirmation_mode", resolved.ConfirmationMode)
	return c, nil
}

// validate checks sequence contiguity and action/observation pairing and
// returns the latest sequence.
func validate(ctx context.Context, log core.EventLog) (int64, error) {
	if log == nil {
		return 0, errors.New("conversation: event log is required")
	}
	var (
		events []core.Event
		want   int64 = 1
	)
	for ev, err := range log.Read(ctx, 1) {
		if err != nil {
			return 0, err
		}
		if ev.Sequence != want {
			return 0, fmt.Errorf("%w: expected sequence %d, found %d", ErrCorruptLog, want, ev.Sequence)
		}
		want++
		events = append(events, ev)
	}
	if err := core.ValidateObservations(events); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCorruptLog, err)
	}
	return want - 1, nil
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// MaxIterations returns the per-run provider call budget (0 is unlimited).
func (c *Conversation) MaxIterations() int { return c.maxIterations }

// ConfirmationMode reports whether actions wait for confirmation.
func (c *Conversation) ConfirmationMode() bool { return c.loop.ConfirmationMode() }

// SetConfirmationMode toggles confirmation mode from the next step boundary.
func (c *Conversation) SetConfirmationMode(ctx context.Context, on bool) error {
	return c.loop.SetConfirmationMode(ctx, on)
}

// SendMessage appends a user message and returns its sequence.
func (c *Conversation) SendMessage(ctx context.Context, content string) (int64, error) {
	return c.loop.SendMessage(ctx, content)
}

// Run resumes the loop and blocks until it stops.
func (c *Conversation) Run(ctx context.Context) error { return c.loop.Run(ctx) }

// Pause requests suspension at the next step boundary.
func (c *Conversation) Pause() { c.loop.Pause() }

// Cancel abandons the current run at the next step boundary.
func (c *Conversation) Cancel() { c.loop.Cancel() }

// Confirm lets pending actions run.
func (c *Conversation) Confirm(ctx context.Context) error { return c.loop.Confirm(ctx) }

// Reject rejects every pending action.
func (c *Conversation) Reject(ctx context.Context, reason string) error {
	return c.loop.Reject(ctx, reason)
}

// State returns the run loop state.
func (c *Conversation) State() core.State { return c.loop.State() }

// Iterations returns the provider calls made in the current run.
func (c *Conversation) Iterations() int { return c.loop.Iterations() }

// LatestSequence returns the highest committed sequence, 0 for an empty log.
func (c *Conversation) LatestSequence(ctx context.Context) (int64, error) {
	return c.log.LatestSequence(ctx)
}

// Events replays the log from sequence from. Reads never block the loop.
func (c *Conversation) Events(ctx context.Context, from int64) iter.Seq2[core.Event, error] {
	return c.log.Read(ctx, from)
}

// Follow hands every event from sequence from to fn, waiting for new ones
// until ctx is done or fn fails. It returns the next sequence to read.
func (c *Conversation) Follow(ctx context.Context, from int64, interval time.Duration, fn func(core.Event) error) (int64, error) {
	return eventlog.Tail(ctx, c.log, from, interval, fn)
}

// Close stops the run loop after the step in flight. The log stays intact.
func (c *Conversation) Close(ctx context.Context) error {
	err := c.loop.Close(ctx)
	c.logger.Info("conversation.closed", "conversation_id", c.id, "state", c.loop.State())
	return err
}
