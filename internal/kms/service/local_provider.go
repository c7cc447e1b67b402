package service

import (
	"context"
	"fmt"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	cryptoService "github.com/allisson/autoencrypt/internal/crypto/service"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// LocalProvider wraps data keys with a 96-byte master key held in process memory.
//
// Wrapping uses AEAD_AES_256_CBC_HMAC_SHA_512-Random with empty associated data, so the
// wrapped form of a data key is IV || ciphertext || tag.
type LocalProvider struct {
	masterKey   *kmsDomain.LocalMasterKey
	aeadManager cryptoService.AEADManager
}

// NewLocalProvider creates a LocalProvider.
func NewLocalProvider(masterKey *kmsDomain.LocalMasterKey, aeadManager cryptoService.AEADManager) *LocalProvider {
	return &LocalProvider{masterKey: masterKey, aeadManager: aeadManager}
}

// Name returns "local".
func (l *LocalProvider) Name() string {
	return kmsDomain.ProviderLocal
}

// Wrap encrypts key under the local master key.
func (l *LocalProvider) Wrap(_ context.Context, _ kmsDomain.MasterKey, key []byte) ([]byte, error) {
	aead, release, err := l.cipher()
	if err != nil {
		return nil, err
	}
	defer release()

	wrapped, err := aead.Encrypt(key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap data key: %w", err)
	}
	return wrapped, nil
}

// Unwrap decrypts wrapped under the local master key.
func (l *LocalProvider) Unwrap(_ context.Context, _ kmsDomain.MasterKey, wrapped []byte) ([]byte, error) {
	aead, release, err := l.cipher()
	if err != nil {
		return nil, err
	}
	defer release()

	return aead.Decrypt(wrapped, nil)
}

func (l *LocalProvider) cipher() (cryptoService.AEAD, func(), error) {
	if l.masterKey == nil {
		return nil, nil, kmsDomain.ErrLocalMasterKeyNotSet
	}
	key := l.masterKey.Bytes()
	if key == nil {
		return nil, nil, kmsDomain.ErrLocalMasterKeyNotSet
	}
	release := func() { cryptoDomain.Zero(key) }

	aead, err := l.aeadManager.CreateCipher(key, cryptoDomain.Random)
	if err != nil {
		release()
		return nil, nil, err
	}
	return aead, release, nil
}
