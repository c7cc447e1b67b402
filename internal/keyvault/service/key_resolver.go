package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
)

// KeyResolver implements Resolver on top of a key vault, a KMS unwrapper and a KeyCache.
//
// Concurrent misses for the same reference share one vault read and one unwrap. The shared
// fetch runs detached from the caller that started it, so a cancelled caller does not fail
// the others; each caller still stops waiting when its own context is done.
type KeyResolver struct {
	vault     KeyReader
	unwrapper KeyUnwrapper
	cache     *KeyCache
	group     singleflight.Group
	logger    *slog.Logger
}

// NewKeyResolver creates a KeyResolver.
func NewKeyResolver(vault KeyReader, unwrapper KeyUnwrapper, cache *KeyCache, logger *slog.Logger) *KeyResolver {
	return &KeyResolver{
		vault:     vault,
		unwrapper: unwrapper,
		cache:     cache,
		logger:    logger,
	}
}

// ResolveKey returns the unwrapped data key named by ref.
//
// An alt name is first resolved to its key id. The unwrap itself is coalesced per key id,
// so a reference by id and one by alt name to the same key share a single KMS call. The
// alias is cached before the unwrap starts, so late callers join the running unwrap
// instead of reading the vault again.
func (r *KeyResolver) ResolveKey(
	ctx context.Context,
	ref keyvaultDomain.KeyRef,
) (keyvaultDomain.DataKeyMaterial, error) {
	if err := ref.Validate(); err != nil {
		return keyvaultDomain.DataKeyMaterial{}, keyvaultDomain.NewKeyError(ref, err)
	}

	if material, ok := r.cached(ref); ok {
		return material, nil
	}

	if ref.IsAltName() {
		v, err := r.wait(ctx, ref.String(), func(ctx context.Context) (any, error) {
			doc, err := r.vault.GetByAltName(ctx, ref.AltName)
			if err != nil {
				return nil, err
			}
			r.cache.PutAlias(ref.AltName, doc.ID)

			raw, err, _ := r.group.Do(doc.ID.String(), func() (any, error) {
				return r.unwrap(ctx, doc.ID, doc)
			})
			if err != nil {
				return nil, err
			}
			return keyvaultDomain.DataKeyMaterial{ID: doc.ID, Key: raw.([]byte)}, nil
		})
		if err != nil {
			return keyvaultDomain.DataKeyMaterial{}, keyvaultDomain.NewKeyError(ref, err)
		}
		material := v.(keyvaultDomain.DataKeyMaterial)
		return keyvaultDomain.DataKeyMaterial{ID: material.ID, Key: bytes.Clone(material.Key)}, nil
	}

	v, err := r.wait(ctx, ref.ID.String(), func(ctx context.Context) (any, error) {
		return r.unwrap(ctx, ref.ID, nil)
	})
	if err != nil {
		return keyvaultDomain.DataKeyMaterial{}, keyvaultDomain.NewKeyError(ref, err)
	}

	return keyvaultDomain.DataKeyMaterial{ID: ref.ID, Key: bytes.Clone(v.([]byte))}, nil
}

// Invalidate drops any cached material for the key.
func (r *KeyResolver) Invalidate(id uuid.UUID) {
	r.cache.Invalidate(id)
}

func (r *KeyResolver) wait(
	ctx context.Context,
	key string,
	fn func(ctx context.Context) (any, error),
) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (r *KeyResolver) cached(ref keyvaultDomain.KeyRef) (keyvaultDomain.DataKeyMaterial, bool) {
	id := ref.ID
	if ref.IsAltName() {
		var ok bool
		if id, ok = r.cache.Alias(ref.AltName); !ok {
			return keyvaultDomain.DataKeyMaterial{}, false
		}
	}

	key, ok := r.cache.Get(id)
	if !ok {
		return keyvaultDomain.DataKeyMaterial{}, false
	}
	return keyvaultDomain.DataKeyMaterial{ID: id, Key: key}, true
}

// unwrap reads the key document unless the caller already has it, unwraps it and caches the result.
func (r *KeyResolver) unwrap(ctx context.Context, id uuid.UUID, doc *keyvaultDomain.DataKey) ([]byte, error) {
	if raw, ok := r.cache.Get(id); ok {
		return raw, nil
	}

	if doc == nil {
		var err error
		if doc, err = r.vault.GetByID(ctx, id); err != nil {
			return nil, err
		}
	}

	r.logger.Debug("data key cache miss",
		slog.String("key_id", id.String()),
		slog.String("provider", doc.MasterKey.Provider),
	)

	raw, err := r.unwrapper.Unwrap(ctx, id, doc.MasterKey, doc.KeyMaterial)
	if err != nil {
		return nil, err
	}
	if len(raw) != cryptoDomain.DataKeySize {
		cryptoDomain.Zero(raw)
		return nil, fmt.Errorf("%w: unwrapped %d bytes", cryptoDomain.ErrInvalidKeySize, len(raw))
	}

	r.cache.Put(id, raw)
	return raw, nil
}
