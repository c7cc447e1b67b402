package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// ConnectMongo connects to a MongoDB deployment and verifies it with a ping.
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return client, nil
}

// mongoTxManager implements TxManager with MongoDB multi-document transactions.
type mongoTxManager struct {
	client *mongo.Client
}

// NewMongoTxManager creates a TxManager that runs fn inside a MongoDB transaction.
// Collections used with the ctx passed to fn join the transaction.
func NewMongoTxManager(client *mongo.Client) TxManager {
	return &mongoTxManager{client: client}
}

// WithTx executes fn within a MongoDB transaction. A ctx that already carries a session
// runs fn directly in that session's transaction.
//
// The driver may run fn more than once when the transaction hits a transient error, so fn
// must be safe to repeat.
func (m *mongoTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	sess, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start mongodb session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}
