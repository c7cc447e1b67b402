package domain

import (
	"github.com/allisson/autoencrypt/internal/errors"
)

// Cryptographic operation error definitions.
//
// These domain-specific errors wrap the base kinds from internal/errors so callers can
// classify failures without importing this package's internals.
var (
	// ErrUnsupportedAlgorithm indicates an algorithm name or envelope tag that is not recognized.
	ErrUnsupportedAlgorithm = errors.Wrap(errors.ErrInvalidInput, "unsupported algorithm")

	// ErrInvalidKeySize indicates key material of the wrong length.
	//
	// Data keys and local master keys are 96 bytes: a 32-byte MAC key, a 32-byte
	// encryption key and a 32-byte IV key.
	ErrInvalidKeySize = errors.Wrap(errors.ErrInvalidInput, "invalid key size")

	// ErrInvalidEnvelope indicates a binary value that cannot be parsed as a ciphertext envelope.
	ErrInvalidEnvelope = errors.Wrap(errors.ErrInvalidInput, "invalid ciphertext envelope")

	// ErrDecryptionFailed indicates a decryption operation failed.
	//
	// This error can occur due to:
	//   - Wrong decryption key used
	//   - Ciphertext or header has been tampered with (authentication failure)
	//   - Corrupted envelope
	//
	// The specific cause is not disclosed and no partial plaintext is ever returned.
	ErrDecryptionFailed = errors.Wrap(errors.ErrInvalidInput, "decryption failed")
)
