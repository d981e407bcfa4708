// Package agentloop provides a high-level façade over the conversation
// execution core. Most applications interact with this package by:
//  1. Creating an Agentloop via New() (optionally overriding the default
//     in-memory event store)
//  2. Opening a conversation with Conversation(), which creates it on first
//     use and resumes it from its persisted log afterwards
//  3. Driving it with SendMessage/Run/Pause/Confirm and replaying its log
//
// All defaults are safe for local development and testing; production
// deployments typically supply a durable store (sqlite or postgres), a real
// provider and a structured logger.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentloop/conversation"
	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/eventlog"
	"github.com/hupe1980/agentloop/eventlog/memory"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
	"github.com/hupe1980/agentloop/runloop"
	"github.com/hupe1980/agentloop/tool"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("agentloop: closed")

// Options configures the Agentloop instance.
type Options struct {
	// Store persists one event log per conversation. Defaults to an
	// in-memory store.
	Store eventlog.Store

	// Provider is the streaming model call shared by every conversation.
	Provider model.Provider

	// Tools executes actions. A nil executor answers only the finish tool.
	Tools tool.Executor

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Defaults applied to every conversation.
	Instructions     string
	MaxIterations    int
	ConfirmationMode bool
	ProviderTimeout  time.Duration
	ToolTimeout      time.Duration

	// LoopOptions are applied after the defaults above.
	LoopOptions []func(o *runloop.Options)
}

// Agentloop is the high-level façade holding shared services and the set of
// open conversations.
type Agentloop struct {
	opts Options

	mu     sync.Mutex
	active map[string]*conversation.Conversation
	closed bool
}

// New creates a new Agentloop instance with optional overrides.
func New(optFns ...func(o *Options)) (*Agentloop, error) {
	opts := Options{
		MaxIterations: runloop.DefaultMaxIterations,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Provider == nil {
		return nil, errors.New("agentloop: provider is required")
	}
	if opts.Store == nil {
		opts.Store = memory.NewStore()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Agentloop{opts: opts, active: make(map[string]*conversation.Conversation)}, nil
}

// Conversation returns the open conversation with id, opening (and
// validating) its persisted log on first use. An empty id creates a new
// conversation.
func (a *Agentloop) Conversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if c, ok := a.active[id]; ok && id != "" {
		return c, nil
	}

	c, err := a.open(ctx, id)
	if err != nil {
		return nil, err
	}
	a.active[c.ID()] = c
	return c, nil
}

func (a *Agentloop) open(ctx context.Context, id string) (*conversation.Conversation, error) {
	if id == "" {
		id = "conv_" + core.NewID()
	}
	log, err := a.opts.Store.Log(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("agentloop: open log %s: %w", id, err)
	}
	logger := a.opts.Logger
	if sl, ok := logger.(*logging.StructuredLogger); ok {
		logger = sl.WithConversation(id)
	}

	fns := []func(o *runloop.Options){func(o *runloop.Options) {
		o.Instructions = a.opts.Instructions
		o.MaxIterations = a.opts.MaxIterations
		o.ConfirmationMode = a.opts.ConfirmationMode
		o.ProviderTimeout = a.opts.ProviderTimeout
		o.ToolTimeout = a.opts.ToolTimeout
		o.Logger = logger
	}}
	fns = append(fns, a.opts.LoopOptions...)
	return conversation.New(ctx, id, log, a.opts.Provider, a.opts.Tools, fns...)
}

// Delete closes a conversation if it is open and destroys its persisted log.
func (a *Agentloop) Delete(ctx context.Context, id string) error {
	a.mu.Lock()
	c, ok := a.active[id]
	delete(a.active, id)
	a.mu.Unlock()

	if ok {
		if err := c.Close(ctx); err != nil {
			return err
		}
	}
	if err := a.opts.Store.Delete(ctx, id); err != nil {
		return fmt.Errorf("agentloop: delete %s: %w", id, err)
	}
	a.opts.Logger.Info("conversation.deleted", "conversation_id", id)
	return nil
}

// List returns the ids of every persisted conversation.
func (a *Agentloop) List(ctx context.Context) ([]string, error) {
	return a.opts.Store.List(ctx)
}

// Close stops every open conversation and closes the store.
func (a *Agentloop) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	active := a.active
	a.active = nil
	a.mu.Unlock()

	var errs []error
	for _, c := range active {
		errs = append(errs, c.Close(ctx))
	}
	errs = append(errs, a.opts.Store.Close())
	return errors.Join(errs...)
}
