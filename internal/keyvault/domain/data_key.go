// Package domain defines the key vault model: data keys, the references schemas use
// to name them, and the errors raised while resolving them.
package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	validation "github.com/jellydator/validation"

	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
	customValidation "github.com/allisson/autoencrypt/internal/validation"
)

// KeyStatus mirrors the status field of key vault documents.
type KeyStatus int32

const (
	// KeyStatusActive is the only status written by this module.
	KeyStatusActive KeyStatus = 0
)

// DataKey is a key vault entry: a 96-byte data key wrapped by a KMS master key.
//
// ID and KeyAltNames are unique within a vault. KeyMaterial and MasterKey change only
// when the key is rewrapped under a new master key.
type DataKey struct {
	ID           uuid.UUID
	KeyMaterial  []byte
	MasterKey    kmsDomain.MasterKey
	KeyAltNames  []string
	CreationDate time.Time
	UpdateDate   time.Time
	Status       KeyStatus
}

// HasAltName reports whether name is one of the key's alternate names.
func (d *DataKey) HasAltName(name string) bool {
	return slices.Contains(d.KeyAltNames, name)
}

// ValidateAltNames returns ErrInvalidAltName for the first blank name or the first name
// with leading or trailing whitespace.
func ValidateAltNames(names ...string) error {
	for _, name := range names {
		err := validation.Validate(name, validation.Required, customValidation.NotBlank, customValidation.NoWhitespace)
		if err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidAltName, name, err)
		}
	}
	return nil
}

// DataKeyMaterial is an unwrapped data key, ready for the cipher.
type DataKeyMaterial struct {
	ID  uuid.UUID
	Key []byte
}

// KeyRef names a data key either by id or by alternate name, never both.
type KeyRef struct {
	ID      uuid.UUID
	AltName string
}

// KeyRefByID returns a reference to the key with the given id.
func KeyRefByID(id uuid.UUID) KeyRef {
	return KeyRef{ID: id}
}

// KeyRefByAltName returns a reference to the key carrying the given alternate name.
func KeyRefByAltName(name string) KeyRef {
	return KeyRef{AltName: name}
}

// IsAltName reports whether the reference is by alternate name.
func (r KeyRef) IsAltName() bool {
	return r.AltName != ""
}

// Validate returns ErrInvalidKeyRef unless exactly one of ID and AltName is set.
func (r KeyRef) Validate() error {
	hasID := r.ID != uuid.Nil
	if hasID == r.IsAltName() {
		return ErrInvalidKeyRef
	}
	return nil
}

func (r KeyRef) String() string {
	if r.IsAltName() {
		return fmt.Sprintf("altName:%s", r.AltName)
	}
	return r.ID.String()
}

// DataKeyFilter selects data keys for listing and rewrapping. Zero value matches every key.
type DataKeyFilter struct {
	IDs      []uuid.UUID
	AltNames []string
	Provider string
}

// Matches reports whether key satisfies every non-empty criterion of the filter.
func (f DataKeyFilter) Matches(key *DataKey) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, key.ID) {
		return false
	}
	if len(f.AltNames) > 0 && !slices.ContainsFunc(f.AltNames, key.HasAltName) {
		return false
	}
	if f.Provider != "" && f.Provider != key.MasterKey.Provider {
		return false
	}
	return true
}
