// Package postgres provides a durable core.EventLog backed by PostgreSQL
// through a pgx connection pool. Several processes may share one database;
// the per-conversation head row is locked for the duration of each append.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/eventlog"
	"github.com/hupe1980/agentloop/logging"
)

// Schema creates the tables used by the store. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS agentloop_conversation_heads (
	conversation_id TEXT PRIMARY KEY,
	latest_sequence BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS agentloop_events (
	conversation_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	source TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	body JSONB NOT NULL,
	PRIMARY KEY (conversation_id, sequence)
);
`

// Options configure a postgres Store.
type Options struct {
	PageSize   int
	MaxRetries int
	RetryDelay time.Duration
	Logger     logging.Logger
}

// Store keeps every conversation in shared tables.
type Store struct {
	pool *pgxpool.Pool
	opts Options
}

// Open connects to dsn, pings and applies the schema.
func Open(ctx context.Context, dsn string, optFns ...func(o *Options)) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping pool: %w", err)
	}
	s := New(pool, optFns...)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller owns the schema (see Migrate).
func New(pool *pgxpool.Pool, optFns ...func(o *Options)) *Store {
	opts := Options{
		PageSize:   eventlog.DefaultPageSize,
		MaxRetries: 3,
		RetryDelay: 20 * time.Millisecond,
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.MaxRetries = max(opts.MaxRetries, 0)
	opts.RetryDelay = max(opts.RetryDelay, 0)
	return &Store{pool: pool, opts: opts}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

// Log returns the log for a conversation, registering its head row on first use.
func (s *Store) Log(ctx context.Context, conversationID string) (core.EventLog, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agentloop_conversation_heads (conversation_id, latest_sequence) VALUES ($1, 0)
		 ON CONFLICT (conversation_id) DO NOTHING`, conversationID)
	if err != nil {
		return nil, eventlog.PersistenceError("create log", err)
	}
	return &Log{store: s, conversationID: conversationID}, nil
}

// Delete removes the conversation's events and head row in one transaction.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eventlog.PersistenceError("delete", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM agentloop_events WHERE conversation_id = $1`, conversationID); err != nil {
		return eventlog.PersistenceError("delete events", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM agentloop_conversation_heads WHERE conversation_id = $1`, conversationID); err != nil {
		return eventlog.PersistenceError("delete head", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return eventlog.PersistenceError("delete commit", err)
	}
	return nil
}

// List returns all conversation ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT conversation_id FROM agentloop_conversation_heads ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan conversation ids: %w", err)
	}
	return ids, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

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

// AppendBatch locks the head row, inserts every event with COPY and advances
// the head, all in one transaction. Transient conflicts are retried.
func (l *Log) AppendBatch(ctx context.Context, evs ...core.Event) ([]int64, error) {
	var seqs []int64
	err := withRetry(ctx, l.store.opts.MaxRetries, l.store.opts.RetryDelay, func() error {
		var err error
		seqs, err = l.appendOnce(ctx, evs)
		if err != nil && isRetriable(err) {
			l.store.opts.Logger.Debug("eventlog.append.retry", "conversation_id", l.conversationID, "error", err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, core.ErrPersistence) {
			return nil, err
		}
		return nil, eventlog.PersistenceError("append", err)
	}
	return seqs, nil
}

func (l *Log) appendOnce(ctx context.Context, evs []core.Event) ([]int64, error) {
	tx, err := l.store.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var head int64
	err = tx.QueryRow(ctx,
		`SELECT latest_sequence FROM agentloop_conversation_heads WHERE conversation_id = $1 FOR UPDATE`,
		l.conversationID).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eventlog.PersistenceError("append", fmt.Errorf("conversation %s does not exist", l.conversationID))
	}
	if err != nil {
		return nil, err
	}

	columns := []string{"conversation_id", "sequence", "id", "kind", "source", "occurred_at", "body"}
	rows := make([][]any, len(evs))
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
		rows[i] = []any{l.conversationID, ev.Sequence, ev.ID, string(ev.Kind()), string(ev.Source), ev.Timestamp, body}
		seqs[i] = head
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"agentloop_events"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE agentloop_conversation_heads SET latest_sequence = $1, updated_at = now() WHERE conversation_id = $2`,
		head, l.conversationID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return seqs, nil
}

// Read implements core.EventLog with keyset pagination bounded by the head
// observed when iteration starts.
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
	rows, err := l.store.pool.Query(ctx,
		`SELECT body FROM agentloop_events
		 WHERE conversation_id = $1 AND sequence >= $2 AND sequence <= $3
		 ORDER BY sequence LIMIT $4`,
		l.conversationID, from, high, l.store.opts.PageSize)
	if err != nil {
		return nil, fmt.Errorf("postgres: read events: %w", err)
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	page := make([]core.Event, 0, len(bodies))
	for _, body := range bodies {
		var ev core.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("postgres: decode event: %w", err)
		}
		page = append(page, ev)
	}
	return page, nil
}

// LatestSequence reads the persisted high-water mark.
func (l *Log) LatestSequence(ctx context.Context) (int64, error) {
	var head int64
	err := l.store.pool.QueryRow(ctx,
		`SELECT latest_sequence FROM agentloop_conversation_heads WHERE conversation_id = $1`,
		l.conversationID).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: latest sequence: %w", err)
	}
	return head, nil
}
