// Package service implements marking: deciding, for a command and the schema of its
// namespace, which values must be encrypted and with which rule.
package service

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	encryptionDomain "github.com/allisson/autoencrypt/internal/encryption/domain"
	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
)

// valueKind is the shape of a value as seen by the marker.
type valueKind int

const (
	kindScalar valueKind = iota
	kindArray
	kindDocument
	kindCiphertext
)

func classify(v any) valueKind {
	switch v.(type) {
	case bson.D:
		return kindDocument
	case bson.A:
		return kindArray
	}
	if cryptoDomain.IsCiphertext(v) {
		return kindCiphertext
	}
	return kindScalar
}

// Marker marks documents, filters and commands against a schema. It holds no state and
// is safe for concurrent use.
//
// Containers are expected as bson.D and bson.A. The marker never modifies its input: any
// container holding a mark is copied.
type Marker struct{}

// NewMarker creates a Marker.
func NewMarker() *Marker {
	return &Marker{}
}

// Mark marks the fields of a whole document, as inserted or used as a replacement.
func (m *Marker) Mark(doc bson.D, schema *schemaDomain.Schema) (*encryptionDomain.Marked, error) {
	w := &walker{schema: schema}
	out, err := w.document(doc, "")
	if err != nil {
		return nil, err
	}
	return &encryptionDomain.Marked{Command: out, Marks: w.marks}, nil
}

// MarkFilter marks the equality operands of a query filter.
func (m *Marker) MarkFilter(filter bson.D, schema *schemaDomain.Schema) (*encryptionDomain.Marked, error) {
	w := &walker{schema: schema}
	out, err := w.filter(filter, "")
	if err != nil {
		return nil, err
	}
	return &encryptionDomain.Marked{Command: out, Marks: w.marks}, nil
}

// MarkCommand marks a database command. The command name is the first element.
//
// Handled commands: insert, update, delete, find, findAndModify, count, distinct and
// aggregate (first $match stage). Any other command is returned unmarked.
func (m *Marker) MarkCommand(cmd bson.D, schema *schemaDomain.Schema) (*encryptionDomain.Marked, error) {
	w := &walker{schema: schema}
	if len(cmd) == 0 {
		return &encryptionDomain.Marked{Command: cmd}, nil
	}

	var handler func(bson.D) (bson.D, error)
	switch cmd[0].Key {
	case "insert":
		handler = w.insertCommand
	case "update":
		handler = w.updateCommand
	case "delete":
		handler = w.deleteCommand
	case "find":
		handler = w.fieldFilter("filter")
	case "count", "distinct":
		handler = w.fieldFilter("query")
	case "findAndModify", "findandmodify":
		handler = w.findAndModifyCommand
	case "aggregate":
		handler = w.aggregateCommand
	default:
		return &encryptionDomain.Marked{Command: cmd}, nil
	}

	out, err := handler(cmd)
	if err != nil {
		return nil, err
	}
	return &encryptionDomain.Marked{Command: out, Marks: w.marks}, nil
}

type walker struct {
	schema *schemaDomain.Schema
	marks  []*encryptionDomain.Mark
}

func mismatch(path, format string, args ...any) error {
	return fmt.Errorf("%w: field %q: %s", schemaDomain.ErrSchemaMismatch, path, fmt.Sprintf(format, args...))
}

// mark validates v against rule and returns its placeholder.
func (w *walker) mark(v any, path string, rule schemaDomain.FieldRule) (any, error) {
	if classify(v) == kindCiphertext {
		return v, nil
	}

	t, err := cryptoDomain.TypeOf(v)
	if err != nil {
		return nil, mismatch(path, "%v", err)
	}
	if err := cryptoDomain.CheckEncryptable(rule.Algorithm, t); err != nil {
		return nil, mismatch(path, "%v", err)
	}
	if rule.BSONType != 0 && rule.BSONType != t {
		return nil, mismatch(path, "expected %s, got %s", rule.BSONType, t)
	}

	mark := &encryptionDomain.Mark{Path: path, Rule: rule, Value: v}
	w.marks = append(w.marks, mark)
	return mark, nil
}

// encryptedAncestor returns the rule of an encrypted field strictly above path.
func (w *walker) encryptedAncestor(path string) (schemaDomain.FieldRule, bool) {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '.' {
			if rule, ok := w.schema.Rule(path[:i]); ok {
				return rule, true
			}
		}
	}
	return schemaDomain.FieldRule{}, false
}

// value marks a document value at path.
func (w *walker) value(v any, path string) (any, error) {
	if rule, ok := w.schema.Rule(path); ok {
		return w.mark(v, path, rule)
	}
	if !w.schema.Contains(path) {
		return v, nil
	}

	switch classify(v) {
	case kindDocument:
		return w.document(v.(bson.D), path)
	case kindArray:
		arr := v.(bson.A)
		out := make(bson.A, len(arr))
		for i, elem := range arr {
			mv, err := w.value(elem, path)
			if err != nil {
				return nil, err
			}
			out[i] = mv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (w *walker) document(doc bson.D, prefix string) (bson.D, error) {
	out := make(bson.D, len(doc))
	for i, e := range doc {
		path := schemaDomain.JoinPath(prefix, e.Key)
		if _, ok := w.encryptedAncestor(path); ok {
			return nil, mismatch(path, "cannot write inside an encrypted field")
		}
		v, err := w.value(e.Value, path)
		if err != nil {
			return nil, err
		}
		out[i] = bson.E{Key: e.Key, Value: v}
	}
	return out, nil
}

// filter marks a query filter. Only deterministic fields can be compared server-side.
func (w *walker) filter(filter bson.D, prefix string) (bson.D, error) {
	out := make(bson.D, len(filter))
	for i, e := range filter {
		switch e.Key {
		case "$and", "$or", "$nor":
			clauses, ok := e.Value.(bson.A)
			if !ok {
				out[i] = e
				continue
			}
			marked := make(bson.A, len(clauses))
			for j, clause := range clauses {
				sub, ok := clause.(bson.D)
				if !ok {
					marked[j] = clause
					continue
				}
				mv, err := w.filter(sub, prefix)
				if err != nil {
					return nil, err
				}
				marked[j] = mv
			}
			out[i] = bson.E{Key: e.Key, Value: marked}
			continue
		}

		if strings.HasPrefix(e.Key, "$") {
			out[i] = e
			continue
		}

		path := schemaDomain.JoinPath(prefix, e.Key)
		v, err := w.predicate(e.Value, path)
		if err != nil {
			return nil, err
		}
		out[i] = bson.E{Key: e.Key, Value: v}
	}
	return out, nil
}

func (w *walker) predicate(v any, path string) (any, error) {
	if _, ok := w.encryptedAncestor(path); ok {
		return nil, mismatch(path, "cannot query inside an encrypted field")
	}

	rule, encrypted := w.schema.Rule(path)
	if !encrypted {
		if !w.schema.Contains(path) {
			return v, nil
		}
		return w.containerPredicate(v, path)
	}

	if !rule.Algorithm.IsDeterministic() {
		return nil, mismatch(path, "randomly encrypted fields cannot be queried")
	}

	doc, ok := v.(bson.D)
	if !ok || !isOperatorDoc(doc) {
		return w.mark(v, path, rule)
	}

	out := make(bson.D, len(doc))
	for i, op := range doc {
		switch op.Key {
		case "$eq", "$ne":
			mv, err := w.mark(op.Value, path, rule)
			if err != nil {
				return nil, err
			}
			out[i] = bson.E{Key: op.Key, Value: mv}
		case "$in", "$nin":
			values, ok := op.Value.(bson.A)
			if !ok {
				return nil, mismatch(path, "%s expects an array", op.Key)
			}
			marked := make(bson.A, len(values))
			for j, val := range values {
				mv, err := w.mark(val, path, rule)
				if err != nil {
					return nil, err
				}
				marked[j] = mv
			}
			out[i] = bson.E{Key: op.Key, Value: marked}
		case "$exists":
			out[i] = op
		default:
			return nil, mismatch(path, "operator %s is not supported on encrypted fields", op.Key)
		}
	}
	return out, nil
}

// containerPredicate marks a predicate on a field holding encrypted descendants. Only
// equality operands can be rewritten; any other operator would compare plaintext.
func (w *walker) containerPredicate(v any, path string) (any, error) {
	doc, ok := v.(bson.D)
	if !ok || !isOperatorDoc(doc) {
		return w.equalityOperand(v, path)
	}

	out := make(bson.D, len(doc))
	for i, op := range doc {
		switch op.Key {
		case "$eq", "$ne":
			mv, err := w.equalityOperand(op.Value, path)
			if err != nil {
				return nil, err
			}
			out[i] = bson.E{Key: op.Key, Value: mv}
		case "$in", "$nin":
			values, ok := op.Value.(bson.A)
			if !ok {
				return nil, mismatch(path, "%s expects an array", op.Key)
			}
			marked := make(bson.A, len(values))
			for j, val := range values {
				mv, err := w.equalityOperand(val, path)
				if err != nil {
					return nil, err
				}
				marked[j] = mv
			}
			out[i] = bson.E{Key: op.Key, Value: marked}
		case "$exists", "$size", "$type":
			out[i] = op
		default:
			return nil, mismatch(path, "operator %s is not supported on fields holding encrypted values", op.Key)
		}
	}
	return out, nil
}

// equalityOperand marks a literal compared for equality against a field holding encrypted descendants.
func (w *walker) equalityOperand(v any, path string) (any, error) {
	switch t := v.(type) {
	case bson.D:
		if isOperatorDoc(t) {
			return nil, mismatch(path, "operator %s is not supported on fields holding encrypted values", t[0].Key)
		}
		return w.equalityDocument(t, path)
	case bson.A:
		out := make(bson.A, len(t))
		for i, elem := range t {
			mv, err := w.equalityOperand(elem, path)
			if err != nil {
				return nil, err
			}
			out[i] = mv
		}
		return out, nil
	default:
		return v, nil
	}
}

// equalityDocument marks an exact-match subdocument; every encrypted field inside must be deterministic.
func (w *walker) equalityDocument(doc bson.D, prefix string) (bson.D, error) {
	out := make(bson.D, len(doc))
	for i, e := range doc {
		path := schemaDomain.JoinPath(prefix, e.Key)
		v := e.Value
		var err error
		if rule, ok := w.schema.Rule(path); ok {
			if !rule.Algorithm.IsDeterministic() {
				return nil, mismatch(path, "randomly encrypted fields cannot be queried")
			}
			v, err = w.mark(e.Value, path, rule)
		} else if w.schema.Contains(path) {
			v, err = w.equalityOperand(e.Value, path)
		}
		if err != nil {
			return nil, err
		}
		out[i] = bson.E{Key: e.Key, Value: v}
	}
	return out, nil
}

// update marks an update modification: a replacement document or $set/$setOnInsert operators.
// $unset passes through; every other operator is rejected on encrypted paths.
func (w *walker) update(u any) (any, error) {
	switch t := u.(type) {
	case bson.A:
		if len(w.schema.Rules()) > 0 {
			return nil, fmt.Errorf("%w: pipeline updates are not supported on encrypted collections",
				schemaDomain.ErrSchemaMismatch)
		}
		return u, nil
	case bson.D:
		if !isOperatorDoc(t) {
			return w.document(t, "")
		}
		out := make(bson.D, len(t))
		for i, op := range t {
			fields, ok := op.Value.(bson.D)
			if !ok {
				out[i] = op
				continue
			}
			switch op.Key {
			case "$set", "$setOnInsert":
				marked, err := w.document(fields, "")
				if err != nil {
					return nil, err
				}
				out[i] = bson.E{Key: op.Key, Value: marked}
			case "$unset":
				out[i] = op
			default:
				for _, f := range fields {
					if w.touchesEncrypted(f.Key) {
						return nil, mismatch(f.Key, "operator %s is not supported on encrypted fields", op.Key)
					}
					if target, ok := f.Value.(string); ok && op.Key == "$rename" && w.touchesEncrypted(target) {
						return nil, mismatch(target, "cannot rename a field into an encrypted field")
					}
				}
				out[i] = op
			}
		}
		return out, nil
	default:
		return u, nil
	}
}

func (w *walker) touchesEncrypted(path string) bool {
	if _, ok := w.schema.Rule(path); ok {
		return true
	}
	if _, ok := w.encryptedAncestor(path); ok {
		return true
	}
	return w.schema.Contains(path)
}

func (w *walker) insertCommand(cmd bson.D) (bson.D, error) {
	return rewriteField(cmd, "documents", func(v any) (any, error) {
		return eachDocument(v, func(doc bson.D) (any, error) {
			return w.document(doc, "")
		})
	})
}

func (w *walker) updateCommand(cmd bson.D) (bson.D, error) {
	return rewriteField(cmd, "updates", func(v any) (any, error) {
		return eachDocument(v, func(stmt bson.D) (any, error) {
			out, err := rewriteField(stmt, "q", w.filterValue)
			if err != nil {
				return nil, err
			}
			return rewriteField(out, "u", w.update)
		})
	})
}

func (w *walker) deleteCommand(cmd bson.D) (bson.D, error) {
	return rewriteField(cmd, "deletes", func(v any) (any, error) {
		return eachDocument(v, func(stmt bson.D) (any, error) {
			return rewriteField(stmt, "q", w.filterValue)
		})
	})
}

func (w *walker) findAndModifyCommand(cmd bson.D) (bson.D, error) {
	out, err := rewriteField(cmd, "query", w.filterValue)
	if err != nil {
		return nil, err
	}
	return rewriteField(out, "update", w.update)
}

func (w *walker) aggregateCommand(cmd bson.D) (bson.D, error) {
	return rewriteField(cmd, "pipeline", func(v any) (any, error) {
		pipeline, ok := v.(bson.A)
		if !ok || len(pipeline) == 0 {
			return v, nil
		}
		stage, ok := pipeline[0].(bson.D)
		if !ok || len(stage) != 1 || stage[0].Key != "$match" {
			return v, nil
		}
		match, err := w.filterValue(stage[0].Value)
		if err != nil {
			return nil, err
		}
		out := make(bson.A, len(pipeline))
		copy(out, pipeline)
		out[0] = bson.D{{Key: "$match", Value: match}}
		return out, nil
	})
}

func (w *walker) fieldFilter(field string) func(bson.D) (bson.D, error) {
	return func(cmd bson.D) (bson.D, error) {
		return rewriteField(cmd, field, w.filterValue)
	}
}

func (w *walker) filterValue(v any) (any, error) {
	filter, ok := v.(bson.D)
	if !ok {
		return v, nil
	}
	return w.filter(filter, "")
}

// rewriteField returns a copy of doc with the value of key replaced by fn(value).
func rewriteField(doc bson.D, key string, fn func(any) (any, error)) (bson.D, error) {
	out := make(bson.D, len(doc))
	copy(out, doc)
	for i, e := range out {
		if e.Key != key {
			continue
		}
		v, err := fn(e.Value)
		if err != nil {
			return nil, err
		}
		out[i] = bson.E{Key: key, Value: v}
	}
	return out, nil
}

func eachDocument(v any, fn func(bson.D) (any, error)) (any, error) {
	arr, ok := v.(bson.A)
	if !ok {
		return v, nil
	}
	out := make(bson.A, len(arr))
	for i, elem := range arr {
		doc, ok := elem.(bson.D)
		if !ok {
			out[i] = elem
			continue
		}
		mv, err := fn(doc)
		if err != nil {
			return nil, err
		}
		out[i] = mv
	}
	return out, nil
}

func isOperatorDoc(doc bson.D) bool {
	return len(doc) > 0 && strings.HasPrefix(doc[0].Key, "$")
}
