package eventlog

import (
	"context"
	"time"

	"github.com/hupe1980/agentloop/core"
)

// Tail follows a log for read-only consumers (webhook batching, UI replay,
// audit). It hands every event with Sequence >= from to fn exactly once, in
// order, polling for new events every interval until ctx is done or fn
// returns an error. It returns the next sequence to read.
func Tail(ctx context.Context, log core.EventLog, from int64, interval time.Duration, fn func(core.Event) error) (int64, error) {
	if from < 1 {
		from = 1
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for ev, err := range log.Read(ctx, from) {
			if err != nil {
				return from, err
			}
			if err := fn(ev); err != nil {
				return from, err
			}
			from = ev.Sequence + 1
		}
		select {
		case <-ctx.Done():
			return from, ctx.Err()
		case <-ticker.C:
		}
	}
}
