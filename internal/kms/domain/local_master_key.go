package domain

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
)

// LocalMasterKey holds the 96-byte key used by the local provider.
//
// The local provider is meant for development and tests: anyone holding this key can
// unwrap every data key in the vault.
type LocalMasterKey struct {
	mu  sync.RWMutex
	key []byte
}

// Bytes returns a copy of the key, or nil after Close.
func (l *LocalMasterKey) Bytes() []byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.key == nil {
		return nil
	}
	out := make([]byte, len(l.key))
	copy(out, l.key)
	return out
}

// Close zeroes the key material.
func (l *LocalMasterKey) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cryptoDomain.Zero(l.key)
	l.key = nil
}

// LoadLocalMasterKey decodes a base64 (standard encoding) 96-byte local master key.
//
// Returns ErrLocalMasterKeyNotSet for an empty string and ErrInvalidLocalMasterKey when
// decoding fails or the decoded key has the wrong size. The decoded buffer is zeroed
// on every error path.
func LoadLocalMasterKey(encoded string) (*LocalMasterKey, error) {
	if encoded == "" {
		return nil, ErrLocalMasterKeyNotSet
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLocalMasterKey, err)
	}
	if len(key) != cryptoDomain.DataKeySize {
		cryptoDomain.Zero(key)
		return nil, fmt.Errorf(
			"%w: must be %d bytes, got %d",
			ErrInvalidLocalMasterKey,
			cryptoDomain.DataKeySize,
			len(key),
		)
	}

	return &LocalMasterKey{key: key}, nil
}

// GenerateLocalMasterKey returns a new random local master key, base64 encoded.
func GenerateLocalMasterKey() (string, error) {
	key := make([]byte, cryptoDomain.DataKeySize)
	defer cryptoDomain.Zero(key)

	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate local master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
