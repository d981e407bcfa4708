package runloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/model"
)

// outcome summarizes one step for the boundary checks.
type outcome struct {
	finished    bool // a finish action was dispatched
	messageOnly bool // the response carried no actions
	awaiting    bool // actions committed, dispatch waits for confirmation
	actions     int
	providerErr error
	persistErr  error
}

// callLogger is implemented by logging.StructuredLogger.
type callLogger interface {
	LogProviderCall(provider, responseID string, dur time.Duration, err error)
	LogStep(iteration int, state string, dur time.Duration, actions int)
}

// step runs one unit of work: pending actions are dispatched first,
// otherwise the provider is called once and its actions are dispatched.
func (l *Loop) step(ctx context.Context) outcome {
	start := time.Now()
	ctx, span := l.tracer.Start(ctx, "runloop.step", trace.WithAttributes(
		attribute.String("conversation.id", l.opts.ConversationID),
		attribute.Int("iteration", l.budget.Used()+1),
	))
	defer span.End()

	out := l.runStep(ctx)

	switch {
	case out.persistErr != nil:
		span.RecordError(out.persistErr)
		span.SetStatus(codes.Error, "persistence failure")
	case out.providerErr != nil:
		span.RecordError(out.providerErr)
		span.SetStatus(codes.Error, "provider failure")
	}
	span.SetAttributes(attribute.Int("actions", out.actions))

	dur := time.Since(start)
	l.instruments.Step(ctx, dur)
	if cl, ok := l.logger.Logger().(callLogger); ok {
		cl.LogStep(l.budget.Used(), string(l.State()), dur, out.actions)
	}
	return out
}

func (l *Loop) runStep(ctx context.Context) outcome {
	history, err := core.Collect(ctx, l.log, 1)
	if err != nil {
		return outcome{persistErr: err}
	}

	if pending := core.UnmatchedActions(history); len(pending) > 0 {
		if l.confirmation.Load() && !l.confirmed {
			return outcome{awaiting: true, actions: len(pending)}
		}
		l.confirmed = false
		finished, err := l.dispatch(ctx, pending)
		return outcome{finished: finished, actions: len(pending), persistErr: err}
	}
	l.confirmed = false

	if err := l.budget.Consume(); err != nil {
		// Budget is checked at every boundary, so this only happens when a
		// paused run is resumed with nothing left.
		return outcome{}
	}

	resp, err := l.callProvider(ctx, history)
	if err != nil {
		if errors.Is(err, core.ErrPersistence) {
			return outcome{persistErr: err}
		}
		return outcome{providerErr: err}
	}

	if len(resp.Actions) == 0 {
		return outcome{messageOnly: true}
	}
	if l.confirmation.Load() {
		return outcome{awaiting: true, actions: len(resp.Actions)}
	}
	finished, err := l.dispatch(ctx, resp.Actions)
	return outcome{finished: finished, actions: len(resp.Actions), persistErr: err}
}

type providerResponse struct {
	Actions []core.ActionPayload
}

func (l *Loop) callProvider(ctx context.Context, history []core.Event) (providerResponse, error) {
	info := l.provider.Info()
	ctx, span := l.tracer.Start(ctx, "runloop.provider", trace.WithAttributes(
		attribute.String("provider", info.Provider),
		attribute.String("model", info.Name),
	))
	defer span.End()

	if l.opts.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.ProviderTimeout)
		defer cancel()
	}

	start := time.Now()
	chunks, errs := l.provider.Stream(ctx, model.Request{
		ConversationID: l.opts.ConversationID,
		Instructions:   l.instructions,
		History:        history,
		Tools:          l.definitions,
	})
	resp, err := l.aggregator.Consume(ctx, chunks, errs)

	l.instruments.ProviderCall(ctx, info.Provider, err == nil)
	if cl, ok := l.logger.Logger().(callLogger); ok {
		cl.LogProviderCall(info.Provider, resp.ResponseID, time.Since(start), err)
	}
	span.SetAttributes(attribute.String("response.id", resp.ResponseID))
	l.publish(resp.Committed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return providerResponse{}, err
	}
	return providerResponse{Actions: resp.Actions}, nil
}

// boundary applies the termination checks after a step, in priority order.
func (l *Loop) boundary(ctx context.Context, out outcome) {
	log := l.logger
	id := l.opts.ConversationID

	if out.persistErr != nil {
		log.LogError("runloop.step.persistence_failure", "conversation_id", id,
			"kind", core.ErrorPersistenceFailure, "error", out.persistErr)
		l.stop(out.persistErr)
		return
	}

	pendingMsg := l.pendingMsg
	l.pendingMsg = false

	switch {
	case out.finished:
		l.finishRun(ctx, nil)
	case out.messageOnly && !pendingMsg:
		l.finishRun(ctx, nil)
	case out.providerErr != nil:
		log.LogWarn("runloop.step.provider_failure", "conversation_id", id,
			"kind", core.ErrorProviderFailure, "error", out.providerErr)
		l.clearFlags()
		l.setState(ctx, core.StateError)
		l.stop(out.providerErr)
	case l.budget.Exhausted() && !out.awaiting:
		detail := fmt.Sprintf("iteration budget of %d exhausted", l.budget.Max())
		ev := core.NewSystemEvent(core.NoticeBudgetExhausted, detail)
		l.finishRun(ctx, &ev)
	case out.awaiting:
		if _, err := l.commit(ctx, core.NewSystemEvent(core.NoticeConfirmationRequired,
			fmt.Sprintf("%d action(s) awaiting confirmation", out.actions))); err != nil {
			l.stop(err)
			return
		}
		l.setState(ctx, core.StateWaitingConfirmation)
		l.stop(nil)
	case l.pauseFlag.Load():
		if err := l.enterPaused(ctx); err != nil {
			l.stop(err)
			return
		}
		l.stop(nil)
	case l.opts.StuckDetection:
		l.checkStuck(ctx)
	}
}

// finishRun commits an optional notice, moves to FINISHED and ends the run.
func (l *Loop) finishRun(ctx context.Context, notice *core.Event) {
	if notice != nil {
		if _, err := l.commit(ctx, *notice); err != nil {
			l.stop(err)
			return
		}
	}
	l.clearFlags()
	l.setState(ctx, core.StateFinished)
	l.stop(nil)
}

// clearFlags drops Pause and Cancel requests that arrived during a step that
// ended the run, so they cannot leak into the next one.
func (l *Loop) clearFlags() {
	l.pauseFlag.Store(false)
	l.cancelFlag.Store(false)
}

func (l *Loop) checkStuck(ctx context.Context) {
	history, err := core.Collect(ctx, l.log, l.runStart+1)
	if err != nil {
		l.stop(err)
		return
	}
	pattern, stuck := detectStuck(history)
	if !stuck {
		return
	}
	l.logger.LogWarn("runloop.stuck", "conversation_id", l.opts.ConversationID, "pattern", pattern)
	if _, err := l.commit(ctx, core.NewSystemEvent(core.NoticeStuck, pattern)); err != nil {
		l.stop(err)
		return
	}
	l.clearFlags()
	l.setState(ctx, core.StateStuck)
	l.stop(nil)
}
