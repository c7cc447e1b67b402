// Package service provides the cryptographic transforms for field-level encryption.
// Implements AEAD_AES_256_CBC_HMAC_SHA_512 in deterministic and random IV modes and
// the value transform that turns BSON values into ciphertext envelopes and back.
package service

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
)

// AEAD defines the interface for Authenticated Encryption with Associated Data.
// The IV is carried inside the returned ciphertext.
type AEAD interface {
	// Encrypt encrypts plaintext and authenticates it together with aad.
	Encrypt(plaintext, aad []byte) ([]byte, error)

	// Decrypt verifies and decrypts ciphertext produced by Encrypt with the same aad.
	Decrypt(ciphertext, aad []byte) ([]byte, error)
}

// AEADManager defines the interface for creating AEAD cipher instances.
type AEADManager interface {
	// CreateCipher creates an AEAD cipher instance for the specified algorithm.
	CreateCipher(key []byte, alg cryptoDomain.Algorithm) (AEAD, error)
}

// Transform converts BSON values to ciphertext envelopes and back.
type Transform interface {
	// Encrypt encrypts a single BSON value under the given data key.
	Encrypt(value any, keyID uuid.UUID, key []byte, alg cryptoDomain.Algorithm) (bson.Binary, error)

	// Decrypt authenticates and decrypts a subtype 6 binary value, returning the original BSON value.
	Decrypt(bin bson.Binary, key []byte) (any, error)
}
