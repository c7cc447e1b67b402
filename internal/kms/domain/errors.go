package domain

import (
	"github.com/allisson/autoencrypt/internal/errors"
)

// KMS-related error definitions.
var (
	// ErrKMSUnwrap indicates the provider could not decrypt a wrapped data key.
	ErrKMSUnwrap = errors.Wrap(errors.ErrUnavailable, "kms unwrap failed")

	// ErrKMSWrap indicates the provider could not encrypt a data key.
	ErrKMSWrap = errors.Wrap(errors.ErrUnavailable, "kms wrap failed")

	// ErrUnknownProvider indicates a master key names a provider that is not registered.
	ErrUnknownProvider = errors.Wrap(errors.ErrInvalidInput, "unknown kms provider")

	// ErrInvalidMasterKey indicates missing or malformed master key parameters.
	ErrInvalidMasterKey = errors.Wrap(errors.ErrInvalidInput, "invalid master key")

	// ErrLocalMasterKeyNotSet indicates the local provider was requested without a master key.
	ErrLocalMasterKeyNotSet = errors.Wrap(errors.ErrInvalidInput, "local master key is not set")

	// ErrInvalidLocalMasterKey indicates the local master key is not valid base64 or not 96 bytes.
	ErrInvalidLocalMasterKey = errors.Wrap(errors.ErrInvalidInput, "invalid local master key")
)
