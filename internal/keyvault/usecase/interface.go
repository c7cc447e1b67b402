// Package usecase defines the key vault contracts and the data key administration use case.
//
// DataKeyRepository abstracts where data keys live (a MongoDB collection or a SQL table);
// DataKeyUseCase creates, rewraps and administers keys on top of it.
package usecase

import (
	"context"

	"github.com/google/uuid"

	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// DataKeyRepository defines the interface for key vault persistence.
//
// Implementations must:
//   - Return ErrKeyNotFound when a lookup, update or delete matches no key
//   - Return ErrDataKeyExists for a duplicate id and ErrKeyAltNameConflict for a duplicate alt name
//   - Participate in a transaction carried by ctx when one is present
//
// Available implementations:
//   - MongoDataKeyRepository: key vault collection (default keyvault.datakeys)
//   - PostgreSQLDataKeyRepository: data_keys and data_key_alt_names tables
//   - MySQLDataKeyRepository: same tables with BINARY(16) ids
type DataKeyRepository interface {
	// Create stores a new data key together with its alt names.
	Create(ctx context.Context, key *keyvaultDomain.DataKey) error

	// GetByID returns the data key with the given id.
	GetByID(ctx context.Context, id uuid.UUID) (*keyvaultDomain.DataKey, error)

	// GetByAltName returns the data key carrying the given alt name.
	GetByAltName(ctx context.Context, name string) (*keyvaultDomain.DataKey, error)

	// List returns every data key ordered by creation date, oldest first.
	List(ctx context.Context) ([]*keyvaultDomain.DataKey, error)

	// Update replaces the key material, master key, status and update date of an existing key.
	Update(ctx context.Context, key *keyvaultDomain.DataKey) error

	// Delete removes a data key and its alt names.
	Delete(ctx context.Context, id uuid.UUID) error

	// AddKeyAltName adds an alt name to a key. Adding a name the key already has is a no-op.
	AddKeyAltName(ctx context.Context, id uuid.UUID, name string) error

	// RemoveKeyAltName removes an alt name from a key. Removing an absent name is a no-op.
	RemoveKeyAltName(ctx context.Context, id uuid.UUID, name string) error
}

// KeyWrapper wraps and unwraps data key material through the KMS.
type KeyWrapper interface {
	Wrap(ctx context.Context, keyID uuid.UUID, masterKey kmsDomain.MasterKey, key []byte) ([]byte, error)
	Unwrap(ctx context.Context, keyID uuid.UUID, masterKey kmsDomain.MasterKey, wrapped []byte) ([]byte, error)
}

// KeyCacheInvalidator drops cached plaintext for keys whose vault entry changed.
type KeyCacheInvalidator interface {
	Invalidate(id uuid.UUID)
}

// DataKeyUseCase defines data key administration.
type DataKeyUseCase interface {
	// CreateDataKey generates a 96-byte data key, wraps it under masterKey and stores it.
	CreateDataKey(
		ctx context.Context,
		masterKey kmsDomain.MasterKey,
		altNames []string,
	) (*keyvaultDomain.DataKey, error)

	// RewrapManyDataKey unwraps every key matched by filter and wraps it again, under
	// newMasterKey when given or under the key's current master key otherwise. All updates
	// commit atomically. Returns the number of rewrapped keys.
	RewrapManyDataKey(
		ctx context.Context,
		filter keyvaultDomain.DataKeyFilter,
		newMasterKey *kmsDomain.MasterKey,
	) (int, error)

	// GetDataKey returns the data key named by ref.
	GetDataKey(ctx context.Context, ref keyvaultDomain.KeyRef) (*keyvaultDomain.DataKey, error)

	// ListDataKeys returns the data keys matched by filter.
	ListDataKeys(ctx context.Context, filter keyvaultDomain.DataKeyFilter) ([]*keyvaultDomain.DataKey, error)

	// DeleteDataKey removes a data key. Values encrypted under it become undecryptable.
	DeleteDataKey(ctx context.Context, id uuid.UUID) error

	// AddKeyAltName adds an alt name to a data key.
	AddKeyAltName(ctx context.Context, id uuid.UUID, name string) (*keyvaultDomain.DataKey, error)

	// RemoveKeyAltName removes an alt name from a data key.
	RemoveKeyAltName(ctx context.Context, id uuid.UUID, name string) (*keyvaultDomain.DataKey, error)
}
