// Package dispatch sends rewritten commands to the database server.
//
// The encryption layer never retries: a Dispatcher returns server and network errors to
// the caller unchanged so the caller's own retry policy stays in charge.
package dispatch

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/allisson/autoencrypt/internal/errors"
	sessionDomain "github.com/allisson/autoencrypt/internal/session/domain"
)

// ErrInvalidCommand indicates an empty or malformed command document.
var ErrInvalidCommand = errors.Wrap(errors.ErrInvalidInput, "invalid command")

// Dispatcher sends a fully rewritten command to database db. op carries the session and
// transaction context and is nil for commands issued outside any session.
type Dispatcher interface {
	Dispatch(ctx context.Context, db string, cmd bson.D, op *sessionDomain.OperationContext) (bson.D, error)
}

// CommandName returns the name of cmd, which is its first key.
func CommandName(cmd bson.D) (string, error) {
	if len(cmd) == 0 || cmd[0].Key == "" {
		return "", ErrInvalidCommand
	}
	return cmd[0].Key, nil
}
