// Package domain defines session and transaction state shared by the coordinator and the
// command dispatchers.
package domain

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/allisson/autoencrypt/internal/errors"
)

var (
	// ErrInvalidTransactionState indicates a transaction operation issued in a state that does not allow it.
	ErrInvalidTransactionState = errors.Wrap(errors.ErrPrecondition, "invalid transaction state")

	// ErrSessionEnded indicates an operation on a session that was already ended.
	ErrSessionEnded = errors.Wrap(errors.ErrPrecondition, "session ended")

	// ErrCoordinatorClosed indicates a new session was requested after the coordinator was closed.
	ErrCoordinatorClosed = errors.Wrap(errors.ErrPrecondition, "session coordinator closed")
)

const uuidSubtype = 0x04

// TransactionState is the transaction state of a session.
type TransactionState int

const (
	NoTransaction TransactionState = iota
	Starting
	InProgress
	Committing
	Committed
	Aborting
	Aborted
)

func (s TransactionState) String() string {
	switch s {
	case NoTransaction:
		return "none"
	case Starting:
		return "starting"
	case InProgress:
		return "in_progress"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborting:
		return "aborting"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Active reports whether operations issued in state s belong to a transaction.
func (s TransactionState) Active() bool {
	return s == Starting || s == InProgress
}

// OperationContext is the session and transaction context attached to one dispatched command.
type OperationContext struct {
	SessionID uuid.UUID

	// TxnNumber is zero outside a transaction.
	TxnNumber int64

	// StartTransaction is set on the first command of a transaction.
	StartTransaction bool

	// Autocommit is false for every command inside a transaction.
	Autocommit bool

	// Sequence is the causal position of the command within its session, starting at 1.
	Sequence uint64

	// AfterOperationTime is the operation time of the last reply seen by the session.
	AfterOperationTime bson.Timestamp
}

// InTransaction reports whether the command runs inside a transaction.
func (o *OperationContext) InTransaction() bool {
	return o != nil && o.TxnNumber > 0 && !o.Autocommit
}

// LogicalSessionID returns the lsid document identifying the session on the server.
func (o *OperationContext) LogicalSessionID() bson.D {
	return LogicalSessionID(o.SessionID)
}

// LogicalSessionID returns the lsid document for session id.
func LogicalSessionID(id uuid.UUID) bson.D {
	return bson.D{{Key: "id", Value: bson.Binary{Subtype: uuidSubtype, Data: id[:]}}}
}
