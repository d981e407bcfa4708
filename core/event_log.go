package core

import (
	"context"
	"iter"
)

// EventLog is the ordered, append-only, durable record of one conversation.
//
// Append and AppendBatch are the only mutation paths. Sequences start at 1
// and increase by exactly one per committed event, never reused. Failed
// appends commit nothing and return an error wrapping ErrPersistence.
//
// Read yields events with Sequence >= from in order. The iteration is bounded
// by the latest sequence observed when it starts, so a concurrent writer never
// makes it unbounded. Calling Read again restarts from scratch.
type EventLog interface {
	Append(ctx context.Context, ev Event) (int64, error)
	AppendBatch(ctx context.Context, evs ...Event) ([]int64, error)
	Read(ctx context.Context, from int64) iter.Seq2[Event, error]
	LatestSequence(ctx context.Context) (int64, error)
}

// Collect drains Read into a slice.
func Collect(ctx context.Context, log EventLog, from int64) ([]Event, error) {
	var out []Event
	for ev, err := range log.Read(ctx, from) {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
