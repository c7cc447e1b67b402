package service

import (
	"fmt"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
)

// cipherModes maps each algorithm to the IV mode of its CBC-HMAC cipher.
var cipherModes = map[cryptoDomain.Algorithm]bool{
	cryptoDomain.Deterministic: true,
	cryptoDomain.Random:        false,
}

// AEADManagerService builds CBC-HMAC ciphers for the two field encryption algorithms.
type AEADManagerService struct{}

// NewAEADManager creates a new AEADManagerService.
func NewAEADManager() *AEADManagerService {
	return &AEADManagerService{}
}

// CreateCipher returns the cipher for alg keyed with a 96-byte data key.
func (am *AEADManagerService) CreateCipher(key []byte, alg cryptoDomain.Algorithm) (AEAD, error) {
	deterministic, ok := cipherModes[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %q", cryptoDomain.ErrUnsupportedAlgorithm, alg)
	}
	if len(key) != cryptoDomain.DataKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", cryptoDomain.ErrInvalidKeySize, len(key), cryptoDomain.DataKeySize)
	}
	c, err := NewCBCHMAC(key, deterministic)
	if err != nil {
		return nil, err
	}
	return c, nil
}
