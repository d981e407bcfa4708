// Package memory provides a volatile, process-local core.EventLog.
package memory

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/eventlog"
)

var errDeleted = errors.New("conversation deleted")

// Store keeps logs in a process local map. It is safe for concurrent access
// and best suited for tests or ephemeral demo servers.
type Store struct {
	mu       sync.RWMutex
	logs     map[string]*Log
	pageSize int
}

// Options configure a memory Store.
type Options struct {
	PageSize int
}

// NewStore constructs an empty in-memory store.
func NewStore(optFns ...func(o *Options)) *Store {
	opts := Options{PageSize: eventlog.DefaultPageSize}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{logs: make(map[string]*Log), pageSize: opts.PageSize}
}

// Log returns an existing log or creates a new one lazily.
func (s *Store) Log(_ context.Context, conversationID string) (core.EventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs == nil {
		return nil, eventlog.ErrClosed
	}
	if l, ok := s.logs[conversationID]; ok {
		return l, nil
	}
	l := NewLog(conversationID, s.pageSize)
	s.logs[conversationID] = l
	return l, nil
}

// Delete drops a conversation. Handles held by callers stop accepting appends.
func (s *Store) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[conversationID]; ok {
		l.markDeleted()
		delete(s.logs, conversationID)
	}
	return nil
}

// List returns conversation ids in lexical order.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases every log.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = nil
	return nil
}

// Log is a volatile event log for one conversation.
type Log struct {
	mu             sync.RWMutex
	conversationID string
	events         []core.Event
	deleted        bool
	pageSize       int
}

// NewLog creates a standalone log.
func NewLog(conversationID string, pageSize int) *Log {
	if pageSize <= 0 {
		pageSize = eventlog.DefaultPageSize
	}
	return &Log{conversationID: conversationID, pageSize: pageSize}
}

// Append implements core.EventLog.
func (l *Log) Append(ctx context.Context, ev core.Event) (int64, error) {
	seqs, err := l.AppendBatch(ctx, ev)
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch implements core.EventLog.
func (l *Log) AppendBatch(_ context.Context, evs ...core.Event) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deleted {
		return nil, eventlog.PersistenceError("append", errDeleted)
	}
	seqs := make([]int64, len(evs))
	for i, ev := range evs {
		ev.Sequence = int64(len(l.events)) + 1
		if ev.ConversationID == "" {
			ev.ConversationID = l.conversationID
		}
		l.events = append(l.events, ev)
		seqs[i] = ev.Sequence
	}
	return seqs, nil
}

// Read implements core.EventLog. Each page is copied under a read lock.
func (l *Log) Read(ctx context.Context, from int64) iter.Seq2[core.Event, error] {
	return func(yield func(core.Event, error) bool) {
		if from < 1 {
			from = 1
		}
		l.mu.RLock()
		high := int64(len(l.events))
		l.mu.RUnlock()

		next := from
		for next <= high {
			if err := ctx.Err(); err != nil {
				yield(core.Event{}, err)
				return
			}
			end := min(next+int64(l.pageSize)-1, high)
			l.mu.RLock()
			if int64(len(l.events)) < end {
				l.mu.RUnlock()
				yield(core.Event{}, eventlog.PersistenceError("read", errDeleted))
				return
			}
			page := make([]core.Event, end-next+1)
			copy(page, l.events[next-1:end])
			l.mu.RUnlock()
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			next = end + 1
		}
	}
}

// LatestSequence implements core.EventLog.
func (l *Log) LatestSequence(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.events)), nil
}

func (l *Log) markDeleted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted = true
	l.events = nil
}
