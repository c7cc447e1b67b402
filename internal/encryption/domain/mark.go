// Package domain defines the intermediate form of a command between marking and encryption.
//
// The marker copies a command and replaces every value that must be encrypted with a *Mark.
// The rewriter fills in each mark's ciphertext and Substitute produces the final command.
package domain

import (
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/allisson/autoencrypt/internal/errors"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
)

// ErrUnencryptedMark indicates Substitute was called before every mark had its ciphertext.
var ErrUnencryptedMark = errors.Wrap(errors.ErrPrecondition, "marked value has no ciphertext")

// Mark is a placeholder for one value that must be encrypted.
type Mark struct {
	Path       string
	Rule       schemaDomain.FieldRule
	Value      any
	Ciphertext *bson.Binary
}

// Marked is a marked copy of a command.
type Marked struct {
	Command bson.D
	Marks   []*Mark
}

// KeyRefs returns the distinct key references of the marks, in first-use order.
func (m *Marked) KeyRefs() []keyvaultDomain.KeyRef {
	var refs []keyvaultDomain.KeyRef
	for _, mark := range m.Marks {
		if !slices.Contains(refs, mark.Rule.KeyRef) {
			refs = append(refs, mark.Rule.KeyRef)
		}
	}
	return refs
}

// Substitute returns a copy of the command with every mark replaced by its ciphertext.
func (m *Marked) Substitute() (bson.D, error) {
	out, err := substitute(m.Command)
	if err != nil {
		return nil, err
	}
	return out.(bson.D), nil
}

func substitute(v any) (any, error) {
	switch t := v.(type) {
	case *Mark:
		if t.Ciphertext == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnencryptedMark, t.Path)
		}
		return *t.Ciphertext, nil
	case bson.D:
		out := make(bson.D, len(t))
		for i, e := range t {
			sv, err := substitute(e.Value)
			if err != nil {
				return nil, err
			}
			out[i] = bson.E{Key: e.Key, Value: sv}
		}
		return out, nil
	case bson.A:
		out := make(bson.A, len(t))
		for i, e := range t {
			sv, err := substitute(e)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	default:
		return v, nil
	}
}
