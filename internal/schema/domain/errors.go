package domain

import (
	"github.com/allisson/autoencrypt/internal/errors"
)

// Schema error definitions.
var (
	// ErrInvalidSchema indicates a schema map or field rule that cannot be used.
	ErrInvalidSchema = errors.Wrap(errors.ErrInvalidInput, "invalid encryption schema")

	// ErrSchemaMismatch indicates a document value that its field rule cannot encrypt,
	// or a filter that cannot be expressed over an encrypted field.
	ErrSchemaMismatch = errors.Wrap(errors.ErrInvalidInput, "value does not match encryption schema")
)
