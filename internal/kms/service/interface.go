// Package service implements the key management providers that wrap and unwrap data keys,
// and the retrying, rate-limited Service that dispatches to them by provider name.
package service

import (
	"context"

	"github.com/google/uuid"

	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// Provider wraps and unwraps data keys under a master key it manages.
type Provider interface {
	// Name returns the provider name recorded on key vault documents.
	Name() string

	// Wrap encrypts a raw data key under the master key.
	Wrap(ctx context.Context, masterKey kmsDomain.MasterKey, key []byte) ([]byte, error)

	// Unwrap decrypts a wrapped data key under the master key.
	Unwrap(ctx context.Context, masterKey kmsDomain.MasterKey, wrapped []byte) ([]byte, error)
}

// KeyUnwrapper is the part of Service used on the data path.
type KeyUnwrapper interface {
	// Unwrap decrypts the wrapped material of data key keyID.
	Unwrap(ctx context.Context, keyID uuid.UUID, masterKey kmsDomain.MasterKey, wrapped []byte) ([]byte, error)
}

// KeyWrapper is the part of Service used when creating or rotating data keys.
type KeyWrapper interface {
	// Wrap encrypts the raw material of data key keyID.
	Wrap(ctx context.Context, keyID uuid.UUID, masterKey kmsDomain.MasterKey, key []byte) ([]byte, error)
}

// Keeper is the subset of *secrets.Keeper used by KeeperProvider.
type Keeper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	Close() error
}

// KeeperOpener opens keepers from gocloud.dev/secrets URIs.
type KeeperOpener interface {
	// OpenKeeper opens a secrets.Keeper for the configured KMS provider.
	// Returns an error if the KMS provider URI is invalid or connection fails.
	OpenKeeper(ctx context.Context, keyURI string) (Keeper, error)
}
