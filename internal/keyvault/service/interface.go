// Package service resolves key references to unwrapped data keys.
//
// KeyResolver reads the key vault and unwraps through the KMS on a cache miss, coalescing
// concurrent misses for the same key. KeyCache keeps the results sealed in memory for a
// fixed TTL.
package service

import (
	"context"

	"github.com/google/uuid"

	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// Resolver turns a key reference into raw data key material.
type Resolver interface {
	// ResolveKey returns the unwrapped key named by ref. Failures are *KeyError values that
	// unwrap to ErrKeyNotFound, ErrKMSUnwrap or ErrInvalidKeyRef.
	ResolveKey(ctx context.Context, ref keyvaultDomain.KeyRef) (keyvaultDomain.DataKeyMaterial, error)
}

// KeyReader is the read side of the key vault used on the data path.
type KeyReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*keyvaultDomain.DataKey, error)
	GetByAltName(ctx context.Context, name string) (*keyvaultDomain.DataKey, error)
}

// KeyUnwrapper unwraps data key material through the KMS.
type KeyUnwrapper interface {
	Unwrap(ctx context.Context, keyID uuid.UUID, masterKey kmsDomain.MasterKey, wrapped []byte) ([]byte, error)
}
