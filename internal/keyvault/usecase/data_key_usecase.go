package usecase

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	"github.com/allisson/autoencrypt/internal/database"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// dataKeyUseCase implements DataKeyUseCase.
type dataKeyUseCase struct {
	txManager database.TxManager
	repo      DataKeyRepository
	kms       KeyWrapper
	cache     KeyCacheInvalidator
	logger    *slog.Logger
}

// NewDataKeyUseCase creates a DataKeyUseCase. cache may be nil when no resolver is running
// in this process.
func NewDataKeyUseCase(
	txManager database.TxManager,
	repo DataKeyRepository,
	kms KeyWrapper,
	cache KeyCacheInvalidator,
	logger *slog.Logger,
) DataKeyUseCase {
	return &dataKeyUseCase{
		txManager: txManager,
		repo:      repo,
		kms:       kms,
		cache:     cache,
		logger:    logger,
	}
}

func (d *dataKeyUseCase) CreateDataKey(
	ctx context.Context,
	masterKey kmsDomain.MasterKey,
	altNames []string,
) (*keyvaultDomain.DataKey, error) {
	if err := keyvaultDomain.ValidateAltNames(altNames...); err != nil {
		return nil, err
	}

	raw := make([]byte, cryptoDomain.DataKeySize)
	defer cryptoDomain.Zero(raw)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key id: %w", err)
	}

	wrapped, err := d.kms.Wrap(ctx, id, masterKey, raw)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key := &keyvaultDomain.DataKey{
		ID:           id,
		KeyMaterial:  wrapped,
		MasterKey:    masterKey.Clone(),
		KeyAltNames:  append([]string(nil), altNames...),
		CreationDate: now,
		UpdateDate:   now,
		Status:       keyvaultDomain.KeyStatusActive,
	}

	if err := d.repo.Create(ctx, key); err != nil {
		return nil, err
	}

	d.logger.Info("data key created",
		slog.String("key_id", id.String()),
		slog.String("provider", masterKey.Provider),
		slog.Any("key_alt_names", altNames),
	)
	return key, nil
}

func (d *dataKeyUseCase) RewrapManyDataKey(
	ctx context.Context,
	filter keyvaultDomain.DataKeyFilter,
	newMasterKey *kmsDomain.MasterKey,
) (int, error) {
	var rewrapped []uuid.UUID

	err := d.txManager.WithTx(ctx, func(ctx context.Context) error {
		rewrapped = rewrapped[:0]

		keys, err := d.repo.List(ctx)
		if err != nil {
			return err
		}

		for _, key := range keys {
			if !filter.Matches(key) {
				continue
			}
			if err := d.rewrap(ctx, key, newMasterKey); err != nil {
				return err
			}
			rewrapped = append(rewrapped, key.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range rewrapped {
		d.invalidate(id)
	}

	d.logger.Info("data keys rewrapped", slog.Int("count", len(rewrapped)))
	return len(rewrapped), nil
}

func (d *dataKeyUseCase) rewrap(
	ctx context.Context,
	key *keyvaultDomain.DataKey,
	newMasterKey *kmsDomain.MasterKey,
) error {
	raw, err := d.kms.Unwrap(ctx, key.ID, key.MasterKey, key.KeyMaterial)
	if err != nil {
		return err
	}
	defer cryptoDomain.Zero(raw)

	target := key.MasterKey
	if newMasterKey != nil {
		target = newMasterKey.Clone()
	}

	wrapped, err := d.kms.Wrap(ctx, key.ID, target, raw)
	if err != nil {
		return err
	}

	key.KeyMaterial = wrapped
	key.MasterKey = target
	key.UpdateDate = time.Now().UTC()
	return d.repo.Update(ctx, key)
}

func (d *dataKeyUseCase) GetDataKey(
	ctx context.Context,
	ref keyvaultDomain.KeyRef,
) (*keyvaultDomain.DataKey, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if ref.IsAltName() {
		return d.repo.GetByAltName(ctx, ref.AltName)
	}
	return d.repo.GetByID(ctx, ref.ID)
}

func (d *dataKeyUseCase) ListDataKeys(
	ctx context.Context,
	filter keyvaultDomain.DataKeyFilter,
) ([]*keyvaultDomain.DataKey, error) {
	keys, err := d.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*keyvaultDomain.DataKey, 0, len(keys))
	for _, key := range keys {
		if filter.Matches(key) {
			out = append(out, key)
		}
	}
	return out, nil
}

func (d *dataKeyUseCase) DeleteDataKey(ctx context.Context, id uuid.UUID) error {
	if err := d.repo.Delete(ctx, id); err != nil {
		return err
	}
	d.invalidate(id)
	d.logger.Info("data key deleted", slog.String("key_id", id.String()))
	return nil
}

func (d *dataKeyUseCase) AddKeyAltName(
	ctx context.Context,
	id uuid.UUID,
	name string,
) (*keyvaultDomain.DataKey, error) {
	if err := keyvaultDomain.ValidateAltNames(name); err != nil {
		return nil, err
	}
	if err := d.repo.AddKeyAltName(ctx, id, name); err != nil {
		return nil, err
	}
	return d.repo.GetByID(ctx, id)
}

func (d *dataKeyUseCase) RemoveKeyAltName(
	ctx context.Context,
	id uuid.UUID,
	name string,
) (*keyvaultDomain.DataKey, error) {
	if err := d.repo.RemoveKeyAltName(ctx, id, name); err != nil {
		return nil, err
	}
	d.invalidate(id)
	return d.repo.GetByID(ctx, id)
}

func (d *dataKeyUseCase) invalidate(id uuid.UUID) {
	if d.cache != nil {
		d.cache.Invalidate(id)
	}
}
