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

const adminDatabase = "admin"

// SendFunc dispatches cmd tagged with the context of the running session operation.
type SendFunc func(ctx context.Context, db string, cmd bson.D) (bson.D, error)

// Session is a logical server session with an optional transaction.
//
// One operation runs on a session at a time: Execute, StartTransaction, CommitTransaction,
// AbortTransaction and EndSession queue on a single slot and give up when their context is
// done. Different sessions never wait on each other.
type Session struct {
	id    uuid.UUID
	coord *Coordinator
	slot  *semaphore.Weighted

	mu            sync.Mutex
	state         sessionDomain.TransactionState
	txnNumber     int64
	sequence      uint64
	operationTime bson.Timestamp
	unresolved    bool
	ended         bool
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current transaction state.
func (s *Session) State() sessionDomain.TransactionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CommitUnresolved reports whether the last commit attempt was cancelled before its outcome
// was known. While it is set only CommitTransaction, AbortTransaction and EndSession are allowed.
func (s *Session) CommitUnresolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unresolved
}

// TxnNumber returns the number of the current or last transaction, zero if none was started.
func (s *Session) TxnNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnNumber
}

// Execute runs fn as one operation of the session. Every command fn sends through send
// carries the session's operation context. A finished transaction is cleared first, so
// operations after a commit or abort run outside any transaction.
func (s *Session) Execute(ctx context.Context, fn func(ctx context.Context, send SendFunc) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	err := s.checkUsableLocked()
	if err == nil && (s.state == sessionDomain.Committed || s.state == sessionDomain.Aborted) {
		s.state = sessionDomain.NoTransaction
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return fn(ctx, s.send)
}

// StartTransaction begins a new transaction. The transaction reaches the server with the
// first command sent after it.
func (s *Session) StartTransaction(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsableLocked(); err != nil {
		return err
	}
	if s.state.Active() {
		return fmt.Errorf("%w: transaction %d is %s", sessionDomain.ErrInvalidTransactionState, s.txnNumber, s.state)
	}

	s.txnNumber++
	s.state = sessionDomain.Starting
	s.coord.logger.Debug("transaction started",
		slog.String("session_id", s.id.String()),
		slog.Int64("txn_number", s.txnNumber),
	)
	return nil
}

// CommitTransaction commits the current transaction. A transaction that never sent a
// command commits locally.
//
// When the commit is cancelled or times out before a reply arrives the session stays in
// Committing with CommitUnresolved set; the caller must retry CommitTransaction or call
// AbortTransaction before issuing further operations.
func (s *Session) CommitTransaction(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return sessionDomain.ErrSessionEnded
	}
	switch s.state {
	case sessionDomain.NoTransaction, sessionDomain.Committed, sessionDomain.Aborted:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: no transaction to commit (%s)", sessionDomain.ErrInvalidTransactionState, state)
	case sessionDomain.Starting:
		s.state = sessionDomain.Committed
		s.mu.Unlock()
		return nil
	}
	s.state = sessionDomain.Committing
	op := s.nextOperationLocked()
	s.mu.Unlock()

	reply, err := s.coord.dispatcher.Dispatch(ctx, adminDatabase, bson.D{{Key: "commitTransaction", Value: int32(1)}}, op)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeLocked(reply)

	if err != nil {
		if isCancellation(ctx, err) {
			s.unresolved = true
			s.coord.logger.Warn("transaction commit outcome unresolved",
				slog.String("session_id", s.id.String()),
				slog.Int64("txn_number", s.txnNumber),
				slog.Any("error", err),
			)
		} else if !s.unresolved {
			s.state = sessionDomain.InProgress
		}
		return err
	}

	s.state = sessionDomain.Committed
	s.unresolved = false
	s.coord.logger.Debug("transaction committed",
		slog.String("session_id", s.id.String()),
		slog.Int64("txn_number", s.txnNumber),
	)
	return nil
}

// AbortTransaction aborts the current transaction. The session ends up in Aborted even when
// the server reports an error, which is returned unchanged.
func (s *Session) AbortTransaction(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return sessionDomain.ErrSessionEnded
	}
	s.mu.Unlock()

	return s.abort(ctx)
}

// WithTransaction runs fn inside a transaction, committing when fn succeeds and aborting
// when it fails. fn issues its operations through Execute as usual.
func (s *Session) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.StartTransaction(ctx); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if abortErr := s.AbortTransaction(context.WithoutCancel(ctx)); abortErr != nil {
			s.coord.logger.Warn("failed to abort transaction",
				slog.String("session_id", s.id.String()),
				slog.Any("error", abortErr),
			)
		}
		return err
	}

	return s.CommitTransaction(ctx)
}

// EndSession aborts an open transaction and releases the server-side session. Ending an
// ended session is a no-op.
func (s *Session) EndSession(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	open := s.state == sessionDomain.InProgress || s.unresolved
	s.mu.Unlock()

	if open {
		if err := s.abort(ctx); err != nil {
			s.coord.logger.Warn("failed to abort transaction while ending session",
				slog.String("session_id", s.id.String()),
				slog.Any("error", err),
			)
		}
	}

	_, err := s.coord.dispatcher.Dispatch(ctx, adminDatabase, bson.D{
		{Key: "endSessions", Value: bson.A{sessionDomain.LogicalSessionID(s.id)}},
	}, nil)

	s.mu.Lock()
	s.ended = true
	s.state = sessionDomain.NoTransaction
	s.mu.Unlock()
	s.coord.forget(s.id)

	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", s.id, err)
	}
	return nil
}

// abort must be called with the slot held.
func (s *Session) abort(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case sessionDomain.Starting:
		s.state = sessionDomain.Aborted
		s.mu.Unlock()
		return nil
	case sessionDomain.InProgress, sessionDomain.Committing:
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: no transaction to abort (%s)", sessionDomain.ErrInvalidTransactionState, state)
	}
	s.state = sessionDomain.Aborting
	op := s.nextOperationLocked()
	s.mu.Unlock()

	reply, err := s.coord.dispatcher.Dispatch(ctx, adminDatabase, bson.D{{Key: "abortTransaction", Value: int32(1)}}, op)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.observeLocked(reply)
	s.state = sessionDomain.Aborted
	s.unresolved = false
	s.coord.logger.Debug("transaction aborted",
		slog.String("session_id", s.id.String()),
		slog.Int64("txn_number", s.txnNumber),
	)
	return err
}

func (s *Session) send(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	s.mu.Lock()
	op := s.nextOperationLocked()
	starting := s.state == sessionDomain.Starting
	s.mu.Unlock()

	reply, err := s.coord.dispatcher.Dispatch(ctx, db, cmd, op)

	s.mu.Lock()
	defer s.mu.Unlock()
	// The command may have reached the server even when it failed.
	if starting {
		s.state = sessionDomain.InProgress
	}
	s.observeLocked(reply)
	return reply, err
}

func (s *Session) nextOperationLocked() *sessionDomain.OperationContext {
	s.sequence++
	op := &sessionDomain.OperationContext{
		SessionID:          s.id,
		Autocommit:         true,
		Sequence:           s.sequence,
		AfterOperationTime: s.operationTime,
	}

	switch s.state {
	case sessionDomain.Starting, sessionDomain.InProgress, sessionDomain.Committing, sessionDomain.Aborting:
		op.TxnNumber = s.txnNumber
		op.Autocommit = false
		op.StartTransaction = s.state == sessionDomain.Starting
	}
	return op
}

func (s *Session) observeLocked(reply bson.D) {
	for _, e := range reply {
		if e.Key != "operationTime" {
			continue
		}
		if ts, ok := e.Value.(bson.Timestamp); ok && timestampAfter(ts, s.operationTime) {
			s.operationTime = ts
		}
		return
	}
}

func (s *Session) checkUsableLocked() error {
	if s.ended {
		return sessionDomain.ErrSessionEnded
	}
	if s.unresolved {
		return fmt.Errorf("%w: commit of transaction %d is unresolved", sessionDomain.ErrInvalidTransactionState, s.txnNumber)
	}
	return nil
}

func (s *Session) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.slot.Acquire(ctx, 1)
}

func (s *Session) release() {
	s.slot.Release(1)
}

func isCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
}

func timestampAfter(a, b bson.Timestamp) bool {
	if a.T != b.T {
		return a.T > b.T
	}
	return a.I > b.I
}
