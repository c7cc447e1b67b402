package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/goleak"

	"github.com/allisson/autoencrypt/internal/errors"
	sessionDomain "github.com/allisson/autoencrypt/internal/session/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type dispatchedCall struct {
	db  string
	cmd bson.D
	op  *sessionDomain.OperationContext
}

func (c dispatchedCall) name() string {
	return c.cmd[0].Key
}

// fakeDispatcher records commands. Commands named in gates block until the gate is closed
// or the context is done.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatchedCall
	errs    map[string]error
	gates   map[string]chan struct{}
	entered chan string
	reply   bson.D
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 16),
		reply:   bson.D{{Key: "ok", Value: 1.0}},
	}
}

func (f *fakeDispatcher) Dispatch(
	ctx context.Context,
	db string,
	cmd bson.D,
	op *sessionDomain.OperationContext,
) (bson.D, error) {
	name := cmd[0].Key

	f.mu.Lock()
	f.calls = append(f.calls, dispatchedCall{db: db, cmd: cmd, op: op})
	gate := f.gates[name]
	err := f.errs[name]
	reply := f.reply
	f.mu.Unlock()

	if gate != nil {
		f.entered <- name
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (f *fakeDispatcher) gate(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[name] = ch
	return ch
}

func (f *fakeDispatcher) ungate(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.gates, name)
}

func (f *fakeDispatcher) fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, name)
		return
	}
	f.errs[name] = err
}

func (f *fakeDispatcher) recorded() []dispatchedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchedCall(nil), f.calls...)
}

func (f *fakeDispatcher) names() []string {
	var out []string
	for _, c := range f.recorded() {
		out = append(out, c.name())
	}
	return out
}

func newTestCoordinator(d Dispatcher) *Coordinator {
	return NewCoordinator(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func insert(ctx context.Context, s *Session, coll string) error {
	return s.Execute(ctx, func(ctx context.Context, send SendFunc) error {
		_, err := send(ctx, "db", bson.D{{Key: "insert", Value: coll}})
		return err
	})
}

func TestSession_TransactionLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_CommitTagsEveryCommand", func(t *testing.T) {
		d := newFakeDispatcher()
		c := newTestCoordinator(d)
		s, err := c.StartSession()
		require.NoError(t, err)

		require.NoError(t, s.StartTransaction(ctx))
		assert.Equal(t, sessionDomain.Starting, s.State())

		require.NoError(t, insert(ctx, s, "a"))
		assert.Equal(t, sessionDomain.InProgress, s.State())
		require.NoError(t, insert(ctx, s, "b"))
		require.NoError(t, s.CommitTransaction(ctx))
		assert.Equal(t, sessionDomain.Committed, s.State())

		calls := d.recorded()
		require.Len(t, calls, 3)
		for i, call := range calls {
			assert.Equal(t, s.ID(), call.op.SessionID)
			assert.Equal(t, int64(1), call.op.TxnNumber)
			assert.False(t, call.op.Autocommit)
			assert.Equal(t, i == 0, call.op.StartTransaction)
			assert.Equal(t, uint64(i+1), call.op.Sequence)
		}
		assert.Equal(t, "commitTransaction", calls[2].name())
		assert.Equal(t, "admin", calls[2].db)

		require.NoError(t, insert(ctx, s, "c"))
		assert.Equal(t, sessionDomain.NoTransaction, s.State())
		last := d.recorded()[3]
		assert.False(t, last.op.InTransaction())
		assert.True(t, last.op.Autocommit)

		require.NoError(t, s.StartTransaction(ctx))
		assert.Equal(t, int64(2), s.TxnNumber())
		require.NoError(t, s.EndSession(ctx))
	})

	t.Run("Success_AbortDispatchesAbort", func(t *testing.T) {
		d := newFakeDispatcher()
		s, err := newTestCoordinator(d).StartSession()
		require.NoError(t, err)

		require.NoError(t, s.StartTransaction(ctx))
		require.NoError(t, insert(ctx, s, "a"))
		require.NoError(t, s.AbortTransaction(ctx))

		assert.Equal(t, sessionDomain.Aborted, s.State())
		assert.Equal(t, []string{"insert", "abortTransaction"}, d.names())
		assert.Equal(t, int64(1), d.recorded()[1].op.TxnNumber)
		require.NoError(t, s.EndSession(ctx))
	})

	t.Run("Success_EmptyTransactionCompletesLocally", func(t *testing.T) {
		d := newFakeDispatcher()
		s, err := newTestCoordinator(d).StartSession()
		require.NoError(t, err)

		require.NoError(t, s.StartTransaction(ctx))
		require.NoError(t, s.CommitTransaction(ctx))
		assert.Equal(t, sessionDomain.Committed, s.State())

		require.NoError(t, s.StartTransaction(ctx))
		require.NoError(t, s.AbortTransaction(ctx))
		assert.Equal(t, sessionDomain.Aborted, s.State())

		assert.Empty(t, d.names())
		require.NoError(t, s.EndSession(ctx))
	})

	t.Run("Error_StartWhileActive", func(t *testing.T) {
		d := newFakeDispatcher()
		s, err := newTestCoordinator(d).StartSession()
		require.NoError(t, err)

		require.NoError(t, s.StartTransaction(ctx))
		assert.ErrorIs(t, s.StartTransaction(ctx), sessionDomain.ErrInvalidTransactionState)

		require.NoError(t, insert(ctx, s, "a"))
		err = s.StartTransaction(ctx)
		assert.ErrorIs(t, err, sessionDomain.ErrInvalidTransactionState)
		assert.True(t, errors.Is(err, errors.ErrPrecondition))
		assert.Equal(t, int64(1), s.TxnNumber())
		require.NoError(t, s.EndSession(ctx))
	})

	t.Run("Error_CommitOrAbortWithoutTransaction", func(t *testing.T) {
		d := newFakeDispatcher()
		s, err := newTestCoordinator(d).StartSession()
		require.NoError(t, err)

		assert.ErrorIs(t, s.CommitTransaction(ctx), sessionDomain.ErrInvalidTransactionState)
		assert.ErrorIs(t, s.AbortTransaction(ctx), sessionDomain.ErrInvalidTransactionState)

		require.NoError(t, s.StartTransaction(ctx))
		require.NoError(t, insert(ctx, s, "a"))
		require.NoError(t, s.AbortTransaction(ctx))
		assert.ErrorIs(t, s.AbortTransaction(ctx), sessionDomain.ErrInvalidTransactionState)
		assert.ErrorIs(t, s.CommitTransaction(ctx), sessionDomain.ErrInvalidTransactionState)

		assert.Equal(t, []string{"insert", "abortTransaction"}, d.names())
		require.NoError(t, s.EndSession(ctx))
	})

	t.Run("Error_CommitFailureIsReturnedUnchanged", func(t *testing.T) {
		d := newFakeDispatcher()
		s, err := newTestCoordinator(d).StartSession()
		require.NoError(t, err)
		require.NoError(t, s.StartTransaction(ctx))
		require.NoError(t, insert(ctx, s, "a"))

		d.fail("commitTransaction", assert.AnError)
		assert.ErrorIs(t, s.CommitTransaction(ctx), assert.AnError)
		assert.Equal(t, sessionDomain.InProgress, s.State())
		assert.False(t, s.CommitUnresolved())
		assert.Equal(t, []string{"insert", "commitTransaction"}, d.names(), "commit is not retried")

		d.fail("commitTransaction", nil)
		require.NoError(t, s.CommitTransaction(ctx))
		assert.Equal(t, sessionDomain.Committed, s.State())
		require.NoError(t, s.EndSession(ctx))
	})
}

func TestSession_CancelledCommit(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fakeDispatcher, *Session) {
		d := newFakeDispatcher()
		s, err := newTestCoordinator(d).StartSession()
		require.NoError(t, err)
		require.NoError(t, s.StartTransaction(ctx))
		require.NoError(t, insert(ctx, s, "a"))

		d.gate("commitTransaction")
		cctx, cancel := context.WithCancel(ctx)
		go func() {
			<-d.entered
			cancel()
		}()
		assert.ErrorIs(t, s.CommitTransaction(cctx), context.Canceled)
		d.ungate("commitTransaction")
		return d, s
	}

	t.Run("Success_StateIsUnresolvedUntilRetried", func(t *testing.T) {
		_, s := setup(t)

		assert.Equal(t, sessionDomain.Committing, s.State())
		assert.True(t, s.CommitUnresolved())
		assert.ErrorIs(t, insert(ctx, s, "b"), sessionDomain.ErrInvalidTransactionState)
		assert.ErrorIs(t, s.StartTransaction(ctx), sessionDomain.ErrInvalidTransactionState)

		require.NoError(t, s.CommitTransaction(ctx))
		assert.Equal(t, sessionDomain.Committed, s.State())
		assert.False(t, s.CommitUnresolved())
		require.NoError(t, insert(ctx, s, "b"))
		require.NoError(t, s.EndSession(ctx))
	})

	t.Run("Success_AbortResolves", func(t *testing.T) {
		d, s := setup(t)

		require.NoError(t, s.AbortTransaction(ctx))
		assert.Equal(t, sessionDomain.Aborted, s.State())
		assert.False(t, s.CommitUnresolved())
		assert.Equal(t, []string{"insert", "commitTransaction", "abortTransaction"}, d.names())
		require.NoError(t, s.EndSession(ctx))
	})

	t.Run("Success_EndSessionAborts", func(t *testing.T) {
		d, s := setup(t)

		require.NoError(t, s.EndSession(ctx))
		assert.Equal(t, []string{"insert", "commitTransaction", "abortTransaction", "endSessions"}, d.names())
	})
}

func TestSession_Sequencing(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_SecondOperationWaitsForFirst", func(t *testing.T) {
		d := newFakeDispatcher()
		c := newTestCoordinator(d)
		s, err := c.StartSession()
		require.NoError(t, err)

		gate := d.gate("insert")
		op1 := make(chan error, 1)
		go func() { op1 <- insert(ctx, s, "first") }()
		require.Equal(t, "insert", <-d.entered)

		op2 := make(chan error, 1)
		go func() {
			op2 <- s.Execute(ctx, func(ctx context.Context, send SendFunc) error {
				_, err := send(ctx, "db", bson.D{{Key: "find", Value: "second"}})
				return err
			})
		}()

		select {
		case <-op2:
			t.Fatal("second operation ran before the first completed")
		case <-time.After(50 * time.Millisecond):
		}

		close(gate)
		require.NoError(t, <-op1)
		require.NoError(t, <-op2)

		calls := d.recorded()
		require.Len(t, calls, 2)
		assert.Equal(t, "insert", calls[0].name())
		assert.Equal(t, "find", calls[1].name())
		assert.Less(t, calls[0].op.Sequence, calls[1].op.Sequence)
		require.NoError(t, c.Close(ctx))
	})

	t.Run("Error_QueuedOperationCancelled", func(t *testing.T) {
		d := newFakeDispatcher()
		c := newTestCoordinator(d)
		s, err := c.StartSession()
		require.NoError(t, err)

		gate := d.gate("insert")
		op1 := make(chan error, 1)
		go func() { op1 <- insert(ctx, s, "first") }()
		<-d.entered

		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err = insert(tctx, s, "second")
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		close(gate)
		require.NoError(t, <-op1)
		assert.Len(t, d.recorded(), 1, "the cancelled operation must never be dispatched")
		require.NoError(t, c.Close(ctx))
	})

	t.Run("Success_SessionsRunConcurrently", func(t *testing.T) {
		d := newFakeDispatcher()
		c := newTestCoordinator(d)
		s1, err := c.StartSession()
		require.NoError(t, err)
		s2, err := c.StartSession()
		require.NoError(t, err)

		gate := d.gate("insert")
		op1 := make(chan error, 1)
		go func() { op1 <- insert(ctx, s1, "blocked") }()
		<-d.entered

		err = s2.Execute(ctx, func(ctx context.Context, send SendFunc) error {
			_, err := send(ctx, "db", bson.D{{Key: "find", Value: "other"}})
			return err
		})
		require.NoError(t, err)

		close(gate)
		require.NoError(t, <-op1)
		require.NoError(t, c.Close(ctx))
	})
}

func TestSession_OperationTime(t *testing.T) {
	ctx := context.Background()
	d := newFakeDispatcher()
	d.reply = bson.D{{Key: "ok", Value: 1.0}, {Key: "operationTime", Value: bson.Timestamp{T: 100, I: 2}}}
	c := newTestCoordinator(d)
	s, err := c.StartSession()
	require.NoError(t, err)

	require.NoError(t, insert(ctx, s, "a"))
	d.reply = bson.D{{Key: "ok", Value: 1.0}, {Key: "operationTime", Value: bson.Timestamp{T: 99, I: 7}}}
	require.NoError(t, insert(ctx, s, "b"))
	require.NoError(t, insert(ctx, s, "c"))

	calls := d.recorded()
	assert.Equal(t, bson.Timestamp{}, calls[0].op.AfterOperationTime)
	assert.Equal(t, bson.Timestamp{T: 100, I: 2}, calls[1].op.AfterOperationTime)
	assert.Equal(t, bson.Timestamp{T: 100, I: 2}, calls[2].op.AfterOperationTime)
	require.NoError(t, c.Close(ctx))
}

func TestSession_WithTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_Commits", func(t *testing.T) {
		d := newFakeDispatcher()
		c := newTestCoordinator(d)
		s, err := c.StartSession()
		require.NoError(t, err)

		err = s.WithTransaction(ctx, func(ctx context.Context) error {
			return insert(ctx, s, "a")
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"insert", "commitTransaction"}, d.names())
		require.NoError(t, c.Close(ctx))
	})

	t.Run("Error_AbortsOnFailure", func(t *testing.T) {
		d := newFakeDispatcher()
		c := newTestCoordinator(d)
		s, err := c.StartSession()
		require.NoError(t, err)

		err = s.WithTransaction(ctx, func(ctx context.Context) error {
			if err := insert(ctx, s, "a"); err != nil {
				return err
			}
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, sessionDomain.Aborted, s.State())
		assert.Equal(t, []string{"insert", "abortTransaction"}, d.names())
		require.NoError(t, c.Close(ctx))
	})
}

func TestCoordinator_EndAndClose(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_EndSessionIsIdempotent", func(t *testing.T) {
		d := newFakeDispatcher()
		c := newTestCoordinator(d)
		s, err := c.StartSession()
		require.NoError(t, err)
		assert.Equal(t, 1, c.ActiveSessions())

		require.NoError(t, s.StartTransaction(ctx))
		require.NoError(t, insert(ctx, s, "a"))
		require.NoError(t, s.EndSession(ctx))
		require.NoError(t, s.EndSession(ctx))

		assert.Equal(t, []string{"insert", "abortTransaction", "endSessions"}, d.names())
		assert.Equal(t, 0, c.ActiveSessions())

		end := d.recorded()[2]
		assert.Nil(t, end.op)
		assert.Equal(t, bson.A{sessionDomain.LogicalSessionID(s.ID())}, end.cmd[0].Value)

		assert.ErrorIs(t, insert(ctx, s, "b"), sessionDomain.ErrSessionEnded)
		assert.ErrorIs(t, s.StartTransaction(ctx), sessionDomain.ErrSessionEnded)
		assert.ErrorIs(t, s.CommitTransaction(ctx), sessionDomain.ErrSessionEnded)
	})

	t.Run("Error_EndSessionDispatchFailureStillEnds", func(t *testing.T) {
		d := newFakeDispatcher()
		d.fail("endSessions", assert.AnError)
		c := newTestCoordinator(d)
		s, err := c.StartSession()
		require.NoError(t, err)

		assert.ErrorIs(t, s.EndSession(ctx), assert.AnError)
		assert.Equal(t, 0, c.ActiveSessions())
		assert.NoError(t, s.EndSession(ctx))
	})

	t.Run("Success_CloseEndsEverySession", func(t *testing.T) {
		d := newFakeDispatcher()
		c := newTestCoordinator(d)
		for range 3 {
			_, err := c.StartSession()
			require.NoError(t, err)
		}

		require.NoError(t, c.Close(ctx))
		assert.Equal(t, 0, c.ActiveSessions())
		assert.Equal(t, []string{"endSessions", "endSessions", "endSessions"}, d.names())

		_, err := c.StartSession()
		assert.ErrorIs(t, err, sessionDomain.ErrCoordinatorClosed)
	})
}
