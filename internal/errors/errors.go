// Package errors provides the base error kinds shared by every encryption component.
// Domain packages wrap these bases with their own sentinels so callers can branch on
// the kind of failure (errors.Is) without depending on the component that raised it.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a data key, session or schema entry that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate key id or alt name.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates a malformed command, schema, value or ciphertext.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPrecondition indicates an operation issued in a state that does not allow it.
	ErrPrecondition = errors.New("failed precondition")

	// ErrUnavailable indicates a key vault, KMS or server that could not serve the request.
	ErrUnavailable = errors.New("unavailable")
)

// kinds is ordered by precedence: an error joining several kinds reports the first.
var kinds = []error{ErrNotFound, ErrConflict, ErrInvalidInput, ErrPrecondition, ErrUnavailable}

// Kind returns the base kind err wraps, or nil when it wraps none.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// New returns an error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Wrap prefixes err with message, keeping it in the chain. A nil err stays nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join wraps errs into one error, discarding nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
