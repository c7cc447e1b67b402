package testutil

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/allisson/autoencrypt/internal/dispatch"
	"github.com/allisson/autoencrypt/internal/errors"
	sessionDomain "github.com/allisson/autoencrypt/internal/session/domain"
)

// ErrNoSuchTransaction is returned for transaction commands naming a transaction the server
// does not know.
var ErrNoSuchTransaction = errors.Wrap(errors.ErrPrecondition, "no such transaction")

// ErrUnsupportedCommand is returned for commands MemoryServer does not implement.
var ErrUnsupportedCommand = errors.Wrap(errors.ErrInvalidInput, "unsupported command")

// RecordedCommand is one command received by MemoryServer.
type RecordedCommand struct {
	DB      string
	Command bson.D
	Op      *sessionDomain.OperationContext
}

// Name returns the command name.
func (r RecordedCommand) Name() string {
	return r.Command[0].Key
}

type memoryTxn struct {
	number   int64
	snapshot map[string][]bson.D
	writes   []RecordedCommand
}

// MemoryServer is an in-memory document server implementing dispatch.Dispatcher.
//
// It supports insert, find, update, delete and count with equality filters, and snapshot
// transactions: a transaction reads and writes a private copy of the collections taken by
// its first command, and its writes are replayed on the shared collections at commit.
//
// Usage:
//
//	srv := testutil.NewMemoryServer()
//	coordinator := sessionService.NewCoordinator(srv, logger)
//	raw := srv.Documents("db.coll") // stored documents, ciphertext included
type MemoryServer struct {
	mu          sync.Mutex
	collections map[string][]bson.D
	txns        map[uuid.UUID]*memoryTxn
	commands    []RecordedCommand
	ended       []uuid.UUID
	failures    map[string]error
	clock       uint32
}

var _ dispatch.Dispatcher = (*MemoryServer)(nil)

// NewMemoryServer creates an empty MemoryServer.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		collections: make(map[string][]bson.D),
		txns:        make(map[uuid.UUID]*memoryTxn),
		failures:    make(map[string]error),
	}
}

// FailNext makes the next command named name fail with err.
func (s *MemoryServer) FailNext(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = err
}

// Documents returns the committed documents of namespace ns as stored.
func (s *MemoryServer) Documents(ns string) []bson.D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.collections[ns])
}

// Commands returns every command received so far.
func (s *MemoryServer) Commands() []RecordedCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// EndedSessions returns the ids of the sessions released by endSessions.
func (s *MemoryServer) EndedSessions() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ended)
}

// OpenTransactions returns the number of transactions neither committed nor aborted.
func (s *MemoryServer) OpenTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txns)
}

// Dispatch executes cmd against the in-memory collections.
func (s *MemoryServer) Dispatch(
	ctx context.Context,
	db string,
	cmd bson.D,
	op *sessionDomain.OperationContext,
) (bson.D, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := dispatch.CommandName(cmd)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands = append(s.commands, RecordedCommand{DB: db, Command: cmd, Op: op})
	if err, ok := s.failures[name]; ok {
		delete(s.failures, name)
		return nil, err
	}

	var reply bson.D
	switch name {
	case "endSessions":
		reply, err = s.endSessions(cmd)
	case "commitTransaction":
		reply, err = s.commit(op)
	case "abortTransaction":
		reply, err = s.abort(op)
	default:
		reply, err = s.execute(db, name, cmd, op)
	}
	if err != nil {
		return nil, err
	}

	s.clock++
	return append(reply, bson.E{Key: "operationTime", Value: bson.Timestamp{T: s.clock, I: 1}}), nil
}

func (s *MemoryServer) execute(db, name string, cmd bson.D, op *sessionDomain.OperationContext) (bson.D, error) {
	if !op.InTransaction() {
		return apply(s.collections, db, name, cmd)
	}

	txn, ok := s.txns[op.SessionID]
	if op.StartTransaction {
		if ok {
			return nil, fmt.Errorf("transaction %d already open on session %s", txn.number, op.SessionID)
		}
		txn = &memoryTxn{number: op.TxnNumber, snapshot: snapshot(s.collections)}
		s.txns[op.SessionID] = txn
	} else if !ok || txn.number != op.TxnNumber {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchTransaction, op.TxnNumber)
	}

	reply, err := apply(txn.snapshot, db, name, cmd)
	if err != nil {
		return nil, err
	}
	if isWrite(name) {
		txn.writes = append(txn.writes, RecordedCommand{DB: db, Command: cmd, Op: op})
	}
	return reply, nil
}

func (s *MemoryServer) commit(op *sessionDomain.OperationContext) (bson.D, error) {
	txn, err := s.transaction(op)
	if err != nil {
		return nil, err
	}
	for _, w := range txn.writes {
		if _, err := apply(s.collections, w.DB, w.Name(), w.Command); err != nil {
			return nil, err
		}
	}
	delete(s.txns, op.SessionID)
	return bson.D{{Key: "ok", Value: 1.0}}, nil
}

func (s *MemoryServer) abort(op *sessionDomain.OperationContext) (bson.D, error) {
	if _, err := s.transaction(op); err != nil {
		return nil, err
	}
	delete(s.txns, op.SessionID)
	return bson.D{{Key: "ok", Value: 1.0}}, nil
}

func (s *MemoryServer) transaction(op *sessionDomain.OperationContext) (*memoryTxn, error) {
	if !op.InTransaction() {
		return nil, fmt.Errorf("%w: command outside a transaction", ErrNoSuchTransaction)
	}
	txn, ok := s.txns[op.SessionID]
	if !ok || txn.number != op.TxnNumber {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchTransaction, op.TxnNumber)
	}
	return txn, nil
}

func (s *MemoryServer) endSessions(cmd bson.D) (bson.D, error) {
	ids, err := dispatch.EndSessionIDs(cmd)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		delete(s.txns, id)
		s.ended = append(s.ended, id)
	}
	return bson.D{{Key: "ok", Value: 1.0}}, nil
}

func snapshot(collections map[string][]bson.D) map[string][]bson.D {
	out := make(map[string][]bson.D, len(collections))
	for ns, docs := range collections {
		out[ns] = slices.Clone(docs)
	}
	return out
}

func isWrite(name string) bool {
	switch name {
	case "insert", "update", "delete":
		return true
	}
	return false
}

// apply runs a data command on store. Documents are never modified in place, so stores may
// share them.
func apply(store map[string][]bson.D, db, name string, cmd bson.D) (bson.D, error) {
	coll, ok := cmd[0].Value.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s needs a collection name", ErrUnsupportedCommand, name)
	}
	ns := db + "." + coll

	switch name {
	case "insert":
		docs := documents(field(cmd, "documents"))
		store[ns] = append(store[ns], docs...)
		return bson.D{{Key: "n", Value: int32(len(docs))}, {Key: "ok", Value: 1.0}}, nil

	case "find":
		filter, _ := field(cmd, "filter").(bson.D)
		batch := bson.A{}
		for _, doc := range store[ns] {
			if matches(doc, filter) {
				batch = append(batch, doc)
			}
		}
		return bson.D{
			{Key: "cursor", Value: bson.D{
				{Key: "firstBatch", Value: batch},
				{Key: "id", Value: int64(0)},
				{Key: "ns", Value: ns},
			}},
			{Key: "ok", Value: 1.0},
		}, nil

	case "count":
		filter, _ := field(cmd, "query").(bson.D)
		n := 0
		for _, doc := range store[ns] {
			if matches(doc, filter) {
				n++
			}
		}
		return bson.D{{Key: "n", Value: int32(n)}, {Key: "ok", Value: 1.0}}, nil

	case "update":
		matched, modified := 0, 0
		for _, stmt := range documents(field(cmd, "updates")) {
			q, _ := field(stmt, "q").(bson.D)
			u, _ := field(stmt, "u").(bson.D)
			multi, _ := field(stmt, "multi").(bool)
			for i, doc := range store[ns] {
				if !matches(doc, q) {
					continue
				}
				updated, err := update(doc, u)
				if err != nil {
					return nil, err
				}
				store[ns][i] = updated
				matched++
				modified++
				if !multi {
					break
				}
			}
		}
		return bson.D{
			{Key: "n", Value: int32(matched)},
			{Key: "nModified", Value: int32(modified)},
			{Key: "ok", Value: 1.0},
		}, nil

	case "delete":
		n := 0
		for _, stmt := range documents(field(cmd, "deletes")) {
			q, _ := field(stmt, "q").(bson.D)
			limit, _ := field(stmt, "limit").(int32)
			kept := store[ns][:0:0]
			removed := 0
			for _, doc := range store[ns] {
				if matches(doc, q) && (limit == 0 || removed < int(limit)) {
					removed++
					continue
				}
				kept = append(kept, doc)
			}
			store[ns] = kept
			n += removed
		}
		return bson.D{{Key: "n", Value: int32(n)}, {Key: "ok", Value: 1.0}}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCommand, name)
}

func update(doc, u bson.D) (bson.D, error) {
	if len(u) == 0 || !strings.HasPrefix(u[0].Key, "$") {
		return slices.Clone(u), nil
	}

	out := slices.Clone(doc)
	for _, op := range u {
		fields, _ := op.Value.(bson.D)
		switch op.Key {
		case "$set":
			for _, f := range fields {
				out = setField(out, f.Key, f.Value)
			}
		case "$unset":
			for _, f := range fields {
				out = slices.DeleteFunc(out, func(e bson.E) bool { return e.Key == f.Key })
			}
		default:
			return nil, fmt.Errorf("%w: update operator %s", ErrUnsupportedCommand, op.Key)
		}
	}
	return out, nil
}

func setField(doc bson.D, path string, value any) bson.D {
	head, rest, nested := strings.Cut(path, ".")
	for i, e := range doc {
		if e.Key != head {
			continue
		}
		if !nested {
			doc[i].Value = value
			return doc
		}
		sub, _ := e.Value.(bson.D)
		doc[i].Value = setField(slices.Clone(sub), rest, value)
		return doc
	}
	if !nested {
		return append(doc, bson.E{Key: head, Value: value})
	}
	return append(doc, bson.E{Key: head, Value: setField(nil, rest, value)})
}

func matches(doc, filter bson.D) bool {
	for _, cond := range filter {
		switch cond.Key {
		case "$and", "$or", "$nor":
			clauses := documents(cond.Value)
			someMatch, allMatch := false, true
			for _, c := range clauses {
				if matches(doc, c) {
					someMatch = true
				} else {
					allMatch = false
				}
			}
			if (cond.Key == "$and" && !allMatch) || (cond.Key == "$or" && !someMatch) || (cond.Key == "$nor" && someMatch) {
				return false
			}
			continue
		}

		value, found := lookup(doc, cond.Key)
		if !matchesCondition(value, found, cond.Value) {
			return false
		}
	}
	return true
}

func matchesCondition(value any, found bool, cond any) bool {
	ops, ok := cond.(bson.D)
	if !ok || len(ops) == 0 || !strings.HasPrefix(ops[0].Key, "$") {
		return found && equal(value, cond)
	}

	for _, op := range ops {
		switch op.Key {
		case "$eq":
			if !found || !equal(value, op.Value) {
				return false
			}
		case "$ne":
			if found && equal(value, op.Value) {
				return false
			}
		case "$in", "$nin":
			in := false
			for _, v := range asArray(op.Value) {
				if found && equal(value, v) {
					in = true
					break
				}
			}
			if in != (op.Key == "$in") {
				return false
			}
		case "$exists":
			want, _ := op.Value.(bool)
			if found != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func lookup(doc bson.D, path string) (any, bool) {
	head, rest, nested := strings.Cut(path, ".")
	for _, e := range doc {
		if e.Key != head {
			continue
		}
		if !nested {
			return e.Value, true
		}
		sub, ok := e.Value.(bson.D)
		if !ok {
			return nil, false
		}
		return lookup(sub, rest)
	}
	return nil, false
}

func equal(a, b any) bool {
	ra, errA := bson.Marshal(bson.D{{Key: "v", Value: a}})
	rb, errB := bson.Marshal(bson.D{{Key: "v", Value: b}})
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

func field(doc bson.D, key string) any {
	for _, e := range doc {
		if e.Key == key {
			return e.Value
		}
	}
	return nil
}

func asArray(v any) bson.A {
	a, _ := v.(bson.A)
	return a
}

func documents(v any) []bson.D {
	var out []bson.D
	for _, item := range asArray(v) {
		if d, ok := item.(bson.D); ok {
			out = append(out, d)
		}
	}
	return out
}
