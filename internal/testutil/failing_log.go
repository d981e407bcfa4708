package testutil

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/hupe1980/agentloop/core"
)

// ErrDiskFull is the failure injected by FailingLog.
var ErrDiskFull = errors.New("disk full")

// FailingLog wraps an EventLog and fails appends on demand. A failed append
// commits nothing.
type FailingLog struct {
	core.EventLog
	mu      sync.Mutex
	failing bool
	// failAfter counts successful appends left before failing; -1 disables.
	failAfter int
}

// NewFailingLog wraps log with failure injection disabled.
func NewFailingLog(log core.EventLog) *FailingLog {
	return &FailingLog{EventLog: log, failAfter: -1}
}

// Fail makes every append fail until Heal is called.
func (f *FailingLog) Fail() { f.mu.Lock(); f.failing = true; f.mu.Unlock() }

// FailAfter lets n more appends succeed, then fails.
func (f *FailingLog) FailAfter(n int) { f.mu.Lock(); f.failAfter = n; f.mu.Unlock() }

// Heal stops injecting failures.
func (f *FailingLog) Heal() { f.mu.Lock(); f.failing = false; f.failAfter = -1; f.mu.Unlock() }

func (f *FailingLog) shouldFail() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return true
	}
	if f.failAfter == 0 {
		f.failing = true
		return true
	}
	if f.failAfter > 0 {
		f.failAfter--
	}
	return false
}

// Append implements core.EventLog.
func (f *FailingLog) Append(ctx context.Context, ev core.Event) (int64, error) {
	if f.shouldFail() {
		return 0, fmt.Errorf("%w: %w", core.ErrPersistence, ErrDiskFull)
	}
	return f.EventLog.Append(ctx, ev)
}

// AppendBatch implements core.EventLog.
func (f *FailingLog) AppendBatch(ctx context.Context, evs ...core.Event) ([]int64, error) {
	if f.shouldFail() {
		return nil, fmt.Errorf("%w: %w", core.ErrPersistence, ErrDiskFull)
	}
	return f.EventLog.AppendBatch(ctx, evs...)
}

// Read implements core.EventLog.
func (f *FailingLog) Read(ctx context.Context, from int64) iter.Seq2[core.Event, error] {
	return f.EventLog.Read(ctx, from)
}
