package domain

import (
	"fmt"
)

// Algorithm identifies the field-level encryption algorithm recorded in every ciphertext envelope.
//
// Both algorithms are AEAD_AES_256_CBC_HMAC_SHA_512: AES-256-CBC with PKCS#7 padding for
// confidentiality and a truncated HMAC-SHA-512 tag over the associated data, IV and ciphertext
// for authenticity. They differ only in how the IV is chosen:
//   - Deterministic derives the IV from the plaintext, so equal plaintexts under the same key
//     produce equal ciphertexts and the server can answer equality queries on them.
//   - Random draws a fresh IV per call, so equal plaintexts never produce equal ciphertexts.
type Algorithm string

const (
	// Deterministic encrypts with an IV derived from HMAC-SHA-512(ivKey, AD || plaintext).
	Deterministic Algorithm = "AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic"

	// Random encrypts with an IV read from crypto/rand.
	Random Algorithm = "AEAD_AES_256_CBC_HMAC_SHA_512-Random"
)

const (
	// DataKeySize is the length of an unwrapped data key: MAC key, encryption key and IV key, 32 bytes each.
	DataKeySize = 96

	// CiphertextSubtype is the BSON binary subtype that marks a value as driver-generated ciphertext.
	CiphertextSubtype byte = 6

	deterministicTag byte = 1
	randomTag        byte = 2
)

// Tag returns the single byte written in the envelope header for this algorithm.
func (a Algorithm) Tag() (byte, error) {
	switch a {
	case Deterministic:
		return deterministicTag, nil
	case Random:
		return randomTag, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
	}
}

// IsDeterministic reports whether ciphertexts of this algorithm are comparable for equality.
func (a Algorithm) IsDeterministic() bool {
	return a == Deterministic
}

// AlgorithmFromTag maps an envelope header byte back to its Algorithm.
func AlgorithmFromTag(tag byte) (Algorithm, error) {
	switch tag {
	case deterministicTag:
		return Deterministic, nil
	case randomTag:
		return Random, nil
	default:
		return "", fmt.Errorf("%w: tag %d", ErrUnsupportedAlgorithm, tag)
	}
}

// ParseAlgorithm accepts the full algorithm name or the short forms "deterministic" and "random".
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case string(Deterministic), "deterministic":
		return Deterministic, nil
	case string(Random), "random":
		return Random, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
	}
}
