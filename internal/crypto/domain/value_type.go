package domain

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/allisson/autoencrypt/internal/errors"
)

// ErrUnsupportedValueType indicates a BSON type that cannot be encrypted with the requested algorithm.
var ErrUnsupportedValueType = errors.Wrap(errors.ErrInvalidInput, "unsupported value type")

// CheckEncryptable reports whether a value of BSON type t may be encrypted with alg.
//
// Neither algorithm accepts null, undefined, minKey or maxKey: they carry no information
// worth hiding and cannot be round-tripped meaningfully. Deterministic encryption also
// rejects types whose equality is not byte equality (double, decimal128, boolean) or that
// are containers (document, array, code with scope).
func CheckEncryptable(alg Algorithm, t bson.Type) error {
	switch t {
	case bson.TypeNull, bson.TypeUndefined, bson.TypeMinKey, bson.TypeMaxKey:
		return fmt.Errorf("%w: %s cannot be encrypted", ErrUnsupportedValueType, t)
	}

	if !alg.IsDeterministic() {
		return nil
	}

	switch t {
	case bson.TypeDouble, bson.TypeDecimal128, bson.TypeBoolean,
		bson.TypeEmbeddedDocument, bson.TypeArray, bson.TypeCodeWithScope:
		return fmt.Errorf("%w: %s cannot be deterministically encrypted", ErrUnsupportedValueType, t)
	}
	return nil
}

// TypeOf returns the BSON type value v encodes to.
func TypeOf(v any) (bson.Type, error) {
	doc, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedValueType, err)
	}
	return bson.Raw(doc).Lookup("v").Type, nil
}
