// Package sqlite provides a durable core.EventLog backed by a single embedded
// SQLite database file (pure Go driver, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/eventlog"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_heads (
	conversation_id TEXT PRIMARY KEY,
	latest_sequence INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	conversation_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	occurred_at DATETIME NOT NULL,
	body TEXT NOT NULL,
	PRIMARY KEY (conversation_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_id ON events(id);
`

// Options configure a sqlite Store.
type Options struct {
	PageSize    int
	BusyTimeout time.Duration
}

// Store keeps every conversation in one database file.
type Store struct {
	db       *sql.DB
	pageSize int
	// mu serializes appends; SQLite allows a single writer anyway.
	mu sync.Mutex
}

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway database.
func Open(ctx context.Context, path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{PageSize: eventlog.DefaultPageSize, BusyTimeout: 5 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}
	return &Store{db: db, pageSize: opts.PageSize}, nil
}

// Log returns the log for a conversation, registering its head row on first use.
func (s *Store) Log(ctx context.Context, conversationID string) (core.EventLog, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_heads (conversation_id, latest_sequence, created_at, updated_at)
		 VALUES (?, 0, ?, ?) ON CONFLICT(conversation_id) DO NOTHING`,
		conversationID, now, now)
	if err != nil {
		return nil, eventlog.PersistenceError("create log", err)
	}
	return &Log{store: s, conversationID: conversationID}, nil
}

// Delete removes the conversation's events and head row in one transaction.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eventlog.PersistenceError("delete", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE conversation_id = ?`, conversationID); err != nil {
		return eventlog.PersistenceError("delete events", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_heads WHERE conversation_id = ?`, conversationID); err != nil {
		return eventlog.PersistenceError("delete head", err)
	}
	if err := tx.Commit(); err != nil {
		return eventlog.PersistenceError("delete commit", err)
	}
	return nil
}

// List returns all conversation ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT conversation_id FROM conversation_heads ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Log is one conversation's view of the store.
type Log struct {
	store          *Store
	conversationID string
}

// Append implements core.EventLog.
func (l *Log) Append(ctx context.Context, ev core.Event) (int64, error) {
	seqs, err := l.AppendBatch(ctx, ev)
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch assigns sequences from the persisted head and inserts every
// event in one transaction.
func (l *Log) AppendBatch(ctx context.Context, evs ...core.Event) ([]int64, error) {
	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eventlog.PersistenceError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	err = tx.QueryRowContext(ctx,
		`SELECT latest_sequence FROM conversation_heads WHERE conversation_id = ?`, l.conversationID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventlog.PersistenceError("append", fmt.Errorf("conversation %s does not exist", l.conversationID))
	}
	if err != nil {
		return nil, eventlog.PersistenceError("read head", err)
	}

	seqs := make([]int64, len(evs))
	for i, ev := range evs {
		head++
		ev.Sequence = head
		if ev.ConversationID == "" {
			ev.ConversationID = l.conversationID
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return nil, eventlog.PersistenceError("encode event", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (conversation_id, sequence, id, kind, source, occurred_at, body) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			l.conversationID, ev.Sequence, ev.ID, string(ev.Kind()), string(ev.Source), ev.Timestamp, string(body)); err != nil {
			return nil, eventlog.PersistenceError("insert event", err)
		}
		seqs[i] = head
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_heads SET latest_sequence = ?, updated_at = ? WHERE conversation_id = ?`,
		head, time.Now().UTC(), l.conversationID); err != nil {
		return nil, eventlog.PersistenceError("update head", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, eventlog.PersistenceError("commit", err)
	}
	return seqs, nil
}

// Read implements core.EventLog. Each page is fully scanned and its rows
// closed before any event is yielded.
func (l *Log) Read(ctx context.Context, from int64) iter.Seq2[core.Event, error] {
	return func(yield func(core.Event, error) bool) {
		if from < 1 {
			from = 1
		}
		high, err := l.LatestSequence(ctx)
		if err != nil {
			yield(core.Event{}, err)
			return
		}
		next := from
		for next <= high {
			page, err := l.page(ctx, next, high)
			if err != nil {
				yield(core.Event{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, ev := range page {
				if !yield(ev, nil) {
					return
				}
			}
			next = page[len(page)-1].Sequence + 1
		}
	}
}

func (l *Log) page(ctx context.Context, from, high int64) ([]core.Event, error) {
	rows, err := l.store.db.QueryContext(ctx,
		`SELECT body FROM events WHERE conversation_id = ? AND sequence >= ? AND sequence <= ? ORDER BY sequence LIMIT ?`,
		l.conversationID, from, high, l.store.pageSize)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page []core.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		var ev core.Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("sqlite: decode event: %w", err)
		}
		page = append(page, ev)
	}
	return page, rows.Err()
}

// LatestSequence reads the persisted high-water mark.
func (l *Log) LatestSequence(ctx context.Context) (int64, error) {
	var head int64
	err := l.store.db.QueryRowContext(ctx,
		`SELECT latest_sequence FROM conversation_heads WHERE conversation_id = ?`, l.conversationID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: latest sequence: %w", err)
	}
	return head, nil
}
