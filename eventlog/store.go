package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentloop/core"
)

// ErrClosed is returned by a store or log used after Close.
var ErrClosed = errors.New("eventlog: closed")

// DefaultPageSize bounds how many events a Read copies per page.
const DefaultPageSize = 128

// Store manages one EventLog per conversation.
type Store interface {
	// Log returns the log for a conversation, creating it on first use.
	Log(ctx context.Context, conversationID string) (core.EventLog, error)
	// Delete destroys a conversation's persisted events. It is the only
	// destruction path.
	Delete(ctx context.Context, conversationID string) error
	// List returns the ids of all conversations that have a log.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// PersistenceError wraps a backend failure so errors.Is(err, core.ErrPersistence) holds.
func PersistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", core.ErrPersistence, op, err)
}
