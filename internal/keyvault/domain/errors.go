package domain

import (
	"fmt"

	"github.com/allisson/autoencrypt/internal/errors"
)

// Key vault error definitions.
var (
	// ErrKeyNotFound indicates no data key matches the requested id or alternate name.
	ErrKeyNotFound = errors.Wrap(errors.ErrNotFound, "data key not found")

	// ErrKeyAltNameConflict indicates an alternate name already used by another data key.
	ErrKeyAltNameConflict = errors.Wrap(errors.ErrConflict, "key alt name already in use")

	// ErrDataKeyExists indicates a data key with the same id already exists.
	ErrDataKeyExists = errors.Wrap(errors.ErrConflict, "data key already exists")

	// ErrInvalidKeyRef indicates a key reference with neither or both of id and alt name.
	ErrInvalidKeyRef = errors.Wrap(errors.ErrInvalidInput, "key reference must name exactly one of id or alt name")

	// ErrInvalidAltName indicates a blank alternate name or one padded with whitespace.
	ErrInvalidAltName = errors.Wrap(errors.ErrInvalidInput, "invalid key alt name")
)

// KeyError carries the data key that failed to resolve. It unwraps to the underlying
// sentinel so errors.Is keeps working.
type KeyError struct {
	Ref KeyRef
	Err error
}

// NewKeyError wraps err with the failing key reference.
func NewKeyError(ref KeyRef, err error) *KeyError {
	return &KeyError{Ref: ref, Err: err}
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("data key %s: %v", e.Ref, e.Err)
}

func (e *KeyError) Unwrap() error {
	return e.Err
}
