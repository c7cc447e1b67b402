package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	sessionDomain "github.com/allisson/autoencrypt/internal/session/domain"
)

var okReply = bson.D{{Key: "ok", Value: 1.0}}

// MongoDispatcher runs commands on a MongoDB deployment through the driver.
//
// Each coordinator session is backed by one driver session, created on its first command
// and ended by endSessions. Transaction fields are attached by the driver session, so the
// commands passed in never carry lsid or txnNumber themselves.
type MongoDispatcher struct {
	client *mongo.Client
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*mongo.Session
}

// NewMongoDispatcher creates a MongoDispatcher on client.
func NewMongoDispatcher(client *mongo.Client, logger *slog.Logger) *MongoDispatcher {
	return &MongoDispatcher{
		client:   client,
		logger:   logger,
		sessions: make(map[uuid.UUID]*mongo.Session),
	}
}

// Dispatch runs cmd on database db within the driver session matching op.
func (m *MongoDispatcher) Dispatch(
	ctx context.Context,
	db string,
	cmd bson.D,
	op *sessionDomain.OperationContext,
) (bson.D, error) {
	name, err := CommandName(cmd)
	if err != nil {
		return nil, err
	}

	if name == "endSessions" {
		return m.endSessions(ctx, cmd)
	}
	if op == nil {
		return m.run(ctx, db, cmd)
	}

	sess, err := m.session(op.SessionID)
	if err != nil {
		return nil, err
	}

	if ts := op.AfterOperationTime; ts.T != 0 || ts.I != 0 {
		if err := sess.AdvanceOperationTime(&ts); err != nil {
			return nil, fmt.Errorf("failed to advance operation time: %w", err)
		}
	}

	switch name {
	case "commitTransaction":
		if err := sess.CommitTransaction(ctx); err != nil {
			return nil, err
		}
		return okReply, nil
	case "abortTransaction":
		if err := sess.AbortTransaction(ctx); err != nil {
			return nil, err
		}
		return okReply, nil
	}

	if op.StartTransaction {
		if err := sess.StartTransaction(); err != nil {
			return nil, fmt.Errorf("failed to start transaction %d: %w", op.TxnNumber, err)
		}
	}

	return m.run(mongo.NewSessionContext(ctx, sess), db, cmd)
}

// Close ends every driver session still open.
func (m *MongoDispatcher) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		sess.EndSession(ctx)
		delete(m.sessions, id)
	}
}

func (m *MongoDispatcher) run(ctx context.Context, db string, cmd bson.D) (bson.D, error) {
	var reply bson.D
	if err := m.client.Database(db).RunCommand(ctx, cmd).Decode(&reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (m *MongoDispatcher) session(id uuid.UUID) (*mongo.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	sess, err := m.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start driver session: %w", err)
	}
	m.sessions[id] = sess
	return sess, nil
}

func (m *MongoDispatcher) endSessions(ctx context.Context, cmd bson.D) (bson.D, error) {
	ids, err := EndSessionIDs(cmd)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		sess, ok := m.sessions[id]
		if !ok {
			continue
		}
		sess.EndSession(ctx)
		delete(m.sessions, id)
		m.logger.Debug("driver session ended", slog.String("session_id", id.String()))
	}
	return okReply, nil
}

// EndSessionIDs returns the session ids listed in an endSessions command.
func EndSessionIDs(cmd bson.D) ([]uuid.UUID, error) {
	if len(cmd) == 0 || cmd[0].Key != "endSessions" {
		return nil, fmt.Errorf("%w: not an endSessions command", ErrInvalidCommand)
	}
	list, ok := cmd[0].Value.(bson.A)
	if !ok {
		return nil, fmt.Errorf("%w: endSessions must be an array", ErrInvalidCommand)
	}

	ids := make([]uuid.UUID, 0, len(list))
	for _, item := range list {
		lsid, ok := item.(bson.D)
		if !ok || len(lsid) != 1 || lsid[0].Key != "id" {
			return nil, fmt.Errorf("%w: malformed lsid", ErrInvalidCommand)
		}
		bin, ok := lsid[0].Value.(bson.Binary)
		if !ok {
			return nil, fmt.Errorf("%w: lsid id must be binary", ErrInvalidCommand)
		}
		id, err := uuid.FromBytes(bin.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
