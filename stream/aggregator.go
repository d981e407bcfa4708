package stream

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/logging"
	"github.com/hupe1980/agentloop/model"
)

// Options configure an Aggregator.
type Options struct {
	// ConversationID is stamped on every committed event.
	ConversationID string
	Logger         logging.Logger
	// Diagnostics receives every dropped chunk. It runs on the aggregating
	// goroutine and must not block.
	Diagnostics func(*Anomaly)
	Meter       metric.Meter
}

// Aggregator turns provider streams into committed events for one log.
type Aggregator struct {
	log       core.EventLog
	opts      Options
	anomalies metric.Int64Counter
	chunks    metric.Int64Counter
}

// NewAggregator creates an aggregator committing to log.
func NewAggregator(log core.EventLog, optFns ...func(o *Options)) *Aggregator {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("github.com/hupe1980/agentloop/stream")
	}
	a := &Aggregator{log: log, opts: opts}
	a.anomalies, _ = opts.Meter.Int64Counter("agentloop.stream.anomalies",
		metric.WithDescription("Chunks dropped as classification anomalies or ownership mismatches"))
	a.chunks, _ = opts.Meter.Int64Counter("agentloop.stream.chunks",
		metric.WithDescription("Provider chunks classified"))
	return a
}

// Open starts a new session. responseHint may be empty; the first chunk
// carrying a response id then binds it.
func (a *Aggregator) Open(responseHint string) *Session { return newSession(responseHint) }

// Apply classifies one raw chunk and routes it into s. Dropped chunks are
// reported and then ignored.
func (a *Aggregator) Apply(ctx context.Context, s *Session, raw []byte) {
	c, ok := Classify(raw)
	if !ok {
		return
	}
	a.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("part", string(c.Part))))
	if c.Part == PartStatus && c.Status == StatusOther {
		a.opts.Logger.Debug("stream.chunk.ignored", "type", c.Type, "response_id", c.ResponseID)
	}
	if an := s.Apply(c); an != nil {
		a.report(ctx, an)
	}
}

func (a *Aggregator) report(ctx context.Context, an *Anomaly) {
	a.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(an.Kind))))
	a.opts.Logger.Warn("stream.chunk.dropped",
		"kind", string(an.Kind), "reason", an.Reason,
		"response_id", an.ResponseID, "item_id", an.ItemID, "part", string(an.Part))
	if a.opts.Diagnostics != nil {
		a.opts.Diagnostics(an)
	}
}

// Finish commits the session's content atomically: one message event (if
// any section has text) followed by one action event per tool call. The
// session is discarded whether or not the commit succeeds.
func (a *Aggregator) Finish(ctx context.Context, s *Session) (Result, []core.Event, error) {
	res := s.Result()
	s.discard()

	if len(res.Actions) > 0 {
		if err := a.uniqueCallIDs(ctx, res.Actions); err != nil {
			return res, nil, err
		}
	}

	var events []core.Event
	if len(res.Sections) > 0 {
		events = append(events, a.stamp(core.NewAgentMessageEvent(res.Sections...)))
	}
	for _, act := range res.Actions {
		events = append(events, a.stamp(core.NewEvent(core.SourceAgent, act)))
	}
	if len(events) == 0 {
		return res, nil, nil
	}
	seqs, err := a.log.AppendBatch(ctx, events...)
	if err != nil {
		return res, nil, err
	}
	for i := range events {
		events[i].Sequence = seqs[i]
	}
	return res, events, nil
}

// uniqueCallIDs rewrites call ids already present in the log or earlier in
// actions, so that every observation can answer exactly one action.
func (a *Aggregator) uniqueCallIDs(ctx context.Context, actions []core.ActionPayload) error {
	history, err := core.Collect(ctx, a.log, 1)
	if err != nil {
		return err
	}
	used := make(map[string]bool)
	for _, ev := range history {
		if act, ok := ev.Action(); ok {
			used[act.CallID] = true
		}
	}
	for i := range actions {
		id := actions[i].CallID
		if id != "" && !used[id] {
			used[id] = true
			continue
		}
		fresh := "call_" + core.NewID()
		a.opts.Logger.Warn("stream.call_id.rewritten", "response_id", actions[i].ResponseID,
			"tool", actions[i].ToolName, "call_id", id, "new_call_id", fresh)
		actions[i].CallID = fresh
		used[fresh] = true
	}
	return nil
}

// Abort discards the session's drafts and commits exactly one provider
// failure event referencing the response.
func (a *Aggregator) Abort(ctx context.Context, s *Session, cause error) (core.Event, error) {
	s.discard()
	msg := "provider failure"
	if cause != nil {
		msg = cause.Error()
	}
	ev := core.NewErrorEvent(core.ErrorProviderFailure, msg)
	if p, ok := ev.Error(); ok {
		p.ResponseID = s.responseID
		ev.Payload = p
	}
	ev = a.stamp(ev)
	seq, err := a.log.Append(ctx, ev)
	if err != nil {
		return ev, err
	}
	ev.Sequence = seq
	return ev, nil
}

func (a *Aggregator) stamp(ev core.Event) core.Event {
	ev.ConversationID = a.opts.ConversationID
	return ev
}

// Response is the outcome of one consumed provider call.
type Response struct {
	Result
	// Committed are the events appended for this call.
	Committed []core.Event
}

// Consume drives one provider call to completion: every chunk is classified
// and applied, then the session is finished or aborted. A stream that ends
// without a completed status is a provider failure.
//
// Reading honours ctx; commits do not, so a cancelled or timed-out call still
// records its error event. A provider failure returns an error wrapping
// core.ErrProviderFailure after the error event is committed; a failed commit
// returns the log error instead.
func (a *Aggregator) Consume(ctx context.Context, chunks <-chan model.RawChunk, errs <-chan error) (Response, error) {
	s := a.Open("")
	commitCtx := context.WithoutCancel(ctx)

	var streamErr error
	for chunks != nil || errs != nil {
		select {
		case raw, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			a.Apply(ctx, s, raw)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}
		case <-ctx.Done():
			streamErr = ctx.Err()
			chunks, errs = nil, nil
		}
	}

	cause := streamErr
	if cause == nil {
		if failed, msg := s.Failed(); failed {
			cause = errors.New(msg)
		} else if !s.Completed() {
			cause = errors.New("stream ended before completion")
		}
	}
	if cause != nil {
		ev, err := a.Abort(commitCtx, s, cause)
		if err != nil {
			return Response{}, err
		}
		a.opts.Logger.Warn("stream.response.failed", "response_id", s.ResponseID(), "error", cause.Error())
		return Response{Result: Result{ResponseID: s.ResponseID()}, Committed: []core.Event{ev}},
			fmt.Errorf("%w: %v", core.ErrProviderFailure, cause)
	}

	res, events, err := a.Finish(commitCtx, s)
	if err != nil {
		return Response{}, err
	}
	a.opts.Logger.Debug("stream.response.committed", "response_id", res.ResponseID,
		"sections", len(res.Sections), "actions", len(res.Actions))
	return Response{Result: res, Committed: events}, nil
}
