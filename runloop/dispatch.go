package runloop

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/tool"
)

// toolLogger is implemented by logging.StructuredLogger.
type toolLogger interface {
	LogToolCall(tool, callID string, dur time.Duration, success bool, err error)
}

// dispatch executes actions concurrently and commits their observations as
// one batch in action order. It reports whether a finish action was among
// them. Tool failures become failed observations; only a commit error is
// returned.
func (l *Loop) dispatch(ctx context.Context, actions []core.ActionPayload) (bool, error) {
	observations := make([]core.Event, len(actions))
	finished := false

	var g errgroup.Group
	g.SetLimit(l.opts.MaxParallelTools)
	for i, a := range actions {
		if a.ToolName == tool.FinishToolName {
			finished = true
		}
		g.Go(func() error {
			observations[i] = l.execute(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	if _, err := l.commit(ctx, observations...); err != nil {
		return false, err
	}
	return finished, nil
}

// execute runs one action and turns its result into an observation event.
func (l *Loop) execute(ctx context.Context, action core.ActionPayload) core.Event {
	ctx, span := l.tracer.Start(ctx, "runloop.tool", trace.WithAttributes(
		attribute.String("tool.name", action.ToolName),
		attribute.String("tool.call_id", action.CallID),
	))
	defer span.End()

	if l.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := l.invoke(ctx, action)
	dur := time.Since(start)

	l.instruments.ToolCall(ctx, action.ToolName, err == nil)
	if tl, ok := l.logger.Logger().(toolLogger); ok {
		tl.LogToolCall(action.ToolName, action.CallID, dur, err == nil, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.logger.LogWarn("runloop.tool.failed", "conversation_id", l.opts.ConversationID,
			"kind", core.ErrorToolExecutionFailure, "tool", action.ToolName, "call_id", action.CallID, "error", err)
	}
	return core.NewObservationEvent(action, result, err)
}

// invoke answers finish actions itself and hands everything else to the
// executor. A panicking executor yields a PANIC tool error.
func (l *Loop) invoke(ctx context.Context, action core.ActionPayload) (result string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = ""
			err = &tool.ToolError{Tool: action.ToolName, Message: fmt.Sprintf("panic: %v", rec), Code: tool.CodePanic, Details: string(debug.Stack())}
		}
	}()

	if action.ToolName == tool.FinishToolName {
		return l.callFinish(ctx, action)
	}
	if l.tools == nil {
		return "", tool.NewToolError(action.ToolName, tool.ErrUnknownTool.Error(), tool.CodeUnknown)
	}
	return l.tools.Execute(ctx, action)
}

func (l *Loop) callFinish(ctx context.Context, action core.ActionPayload) (string, error) {
	args, err := tool.DecodeArguments(action.Arguments)
	if err != nil {
		return "", tool.NewToolError(action.ToolName, err.Error(), tool.CodeArguments)
	}
	out, err := l.finish.Call(ctx, args)
	if err != nil {
		return "", err
	}
	return tool.RenderResult(out)
}
