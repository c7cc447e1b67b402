// Package service implements the session coordinator: it serializes the operations of each
// session, tags every dispatched command with the session's transaction context and drives
// the transaction state machine.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"golang.org/x/sync/semaphore"

	"github.com/allisson/autoencrypt/internal/errors"
	sessionDomain "github.com/allisson/autoencrypt/internal/session/domain"
)

// Dispatcher sends a fully rewritten command to the server.
// Implementations must not retry: errors are returned to the caller unchanged.
type Dispatcher interface {
	Dispatch(ctx context.Context, db string, cmd bson.D, op *sessionDomain.OperationContext) (bson.D, error)
}

// Coordinator owns the live sessions of one client.
type Coordinator struct {
	dispatcher Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	closed   bool
}

// NewCoordinator creates a Coordinator dispatching session commands through dispatcher.
func NewCoordinator(dispatcher Dispatcher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		dispatcher: dispatcher,
		logger:     logger,
		sessions:   make(map[uuid.UUID]*Session),
	}
}

// StartSession creates a new session with no transaction.
func (c *Coordinator) StartSession() (*Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, sessionDomain.ErrCoordinatorClosed
	}

	s := &Session{
		id:    id,
		coord: c,
		slot:  semaphore.NewWeighted(1),
	}
	c.sessions[id] = s
	return s, nil
}

// ActiveSessions returns the number of sessions not yet ended.
func (c *Coordinator) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close ends every live session and rejects new ones. Sessions are ended even when some
// fail; the failures are joined in the returned error.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	live := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := s.EndSession(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) forget(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}
