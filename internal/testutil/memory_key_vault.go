package testutil

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
)

// MemoryKeyVault is an in-memory key vault implementing the data key repository and a
// transaction manager over it. WithTx restores the vault when fn fails.
type MemoryKeyVault struct {
	mu   sync.Mutex
	keys []*keyvaultDomain.DataKey

	// Reads counts GetByID and GetByAltName calls.
	Reads atomic.Int64
}

// NewMemoryKeyVault creates an empty MemoryKeyVault.
func NewMemoryKeyVault() *MemoryKeyVault {
	return &MemoryKeyVault{}
}

func (v *MemoryKeyVault) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	v.mu.Lock()
	saved := cloneKeys(v.keys)
	v.mu.Unlock()

	if err := fn(ctx); err != nil {
		v.mu.Lock()
		v.keys = saved
		v.mu.Unlock()
		return err
	}
	return nil
}

func (v *MemoryKeyVault) Create(_ context.Context, key *keyvaultDomain.DataKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, k := range v.keys {
		if k.ID == key.ID {
			return keyvaultDomain.ErrDataKeyExists
		}
		for _, name := range key.KeyAltNames {
			if k.HasAltName(name) {
				return keyvaultDomain.ErrKeyAltNameConflict
			}
		}
	}
	v.keys = append(v.keys, cloneKey(key))
	return nil
}

func (v *MemoryKeyVault) GetByID(_ context.Context, id uuid.UUID) (*keyvaultDomain.DataKey, error) {
	v.Reads.Add(1)
	return v.find(func(k *keyvaultDomain.DataKey) bool { return k.ID == id })
}

func (v *MemoryKeyVault) GetByAltName(_ context.Context, name string) (*keyvaultDomain.DataKey, error) {
	v.Reads.Add(1)
	return v.find(func(k *keyvaultDomain.DataKey) bool { return k.HasAltName(name) })
}

func (v *MemoryKeyVault) List(_ context.Context) ([]*keyvaultDomain.DataKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneKeys(v.keys), nil
}

func (v *MemoryKeyVault) Update(_ context.Context, key *keyvaultDomain.DataKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, k := range v.keys {
		if k.ID == key.ID {
			k.KeyMaterial = bytes.Clone(key.KeyMaterial)
			k.MasterKey = key.MasterKey.Clone()
			k.Status = key.Status
			k.UpdateDate = key.UpdateDate
			return nil
		}
	}
	return keyvaultDomain.ErrKeyNotFound
}

func (v *MemoryKeyVault) Delete(_ context.Context, id uuid.UUID) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := len(v.keys)
	v.keys = slices.DeleteFunc(v.keys, func(k *keyvaultDomain.DataKey) bool { return k.ID == id })
	if len(v.keys) == n {
		return keyvaultDomain.ErrKeyNotFound
	}
	return nil
}

func (v *MemoryKeyVault) AddKeyAltName(_ context.Context, id uuid.UUID, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var target *keyvaultDomain.DataKey
	for _, k := range v.keys {
		if k.HasAltName(name) && k.ID != id {
			return keyvaultDomain.ErrKeyAltNameConflict
		}
		if k.ID == id {
			target = k
		}
	}
	if target == nil {
		return keyvaultDomain.ErrKeyNotFound
	}
	if !target.HasAltName(name) {
		target.KeyAltNames = append(target.KeyAltNames, name)
	}
	return nil
}

func (v *MemoryKeyVault) RemoveKeyAltName(_ context.Context, id uuid.UUID, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, k := range v.keys {
		if k.ID == id {
			k.KeyAltNames = slices.DeleteFunc(k.KeyAltNames, func(n string) bool { return n == name })
			return nil
		}
	}
	return keyvaultDomain.ErrKeyNotFound
}

func (v *MemoryKeyVault) find(match func(*keyvaultDomain.DataKey) bool) (*keyvaultDomain.DataKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, k := range v.keys {
		if match(k) {
			return cloneKey(k), nil
		}
	}
	return nil, keyvaultDomain.ErrKeyNotFound
}

func cloneKey(k *keyvaultDomain.DataKey) *keyvaultDomain.DataKey {
	out := *k
	out.KeyMaterial = bytes.Clone(k.KeyMaterial)
	out.MasterKey = k.MasterKey.Clone()
	out.KeyAltNames = slices.Clone(k.KeyAltNames)
	return &out
}

func cloneKeys(keys []*keyvaultDomain.DataKey) []*keyvaultDomain.DataKey {
	out := make([]*keyvaultDomain.DataKey, len(keys))
	for i, k := range keys {
		out[i] = cloneKey(k)
	}
	return out
}
