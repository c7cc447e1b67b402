package service

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
)

const (
	cbcHMACSubkeySize = 32
	cbcHMACIVSize     = aes.BlockSize
	cbcHMACTagSize    = 32
)

// CBCHMACCipher implements the AEAD interface using AEAD_AES_256_CBC_HMAC_SHA_512.
//
// The 96-byte key is split into three 32-byte subkeys:
//   - bytes [0, 32): HMAC-SHA-512 key for the authentication tag
//   - bytes [32, 64): AES-256 key for CBC encryption
//   - bytes [64, 96): HMAC-SHA-512 key used to derive deterministic IVs
//
// Output layout is IV || AES-256-CBC(PKCS#7(plaintext)) || tag, where tag is the first
// 32 bytes of HMAC-SHA-512(macKey, aad || IV || ciphertext || bitlen(aad)).
//
// Thread safety:
//
//	The cipher instance holds only immutable key material and is safe for concurrent use.
type CBCHMACCipher struct {
	macKey        []byte
	block         cipher.Block
	ivKey         []byte
	deterministic bool
}

// NewCBCHMAC creates a new AEAD_AES_256_CBC_HMAC_SHA_512 cipher.
//
// When deterministic is true the IV is derived from aad and plaintext, so identical
// inputs always yield identical ciphertexts. Otherwise a random IV is drawn per call.
func NewCBCHMAC(key []byte, deterministic bool) (*CBCHMACCipher, error) {
	if len(key) != cryptoDomain.DataKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			cryptoDomain.ErrInvalidKeySize, cryptoDomain.DataKeySize, len(key))
	}

	block, err := aes.NewCipher(key[cbcHMACSubkeySize : 2*cbcHMACSubkeySize])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	macKey := make([]byte, cbcHMACSubkeySize)
	copy(macKey, key[:cbcHMACSubkeySize])
	ivKey := make([]byte, cbcHMACSubkeySize)
	copy(ivKey, key[2*cbcHMACSubkeySize:])

	return &CBCHMACCipher{
		macKey:        macKey,
		block:         block,
		ivKey:         ivKey,
		deterministic: deterministic,
	}, nil
}

// Encrypt encrypts plaintext and appends the authentication tag.
func (c *CBCHMACCipher) Encrypt(plaintext, aad []byte) ([]byte, error) {
	iv, err := c.iv(plaintext, aad)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext)
	out := make([]byte, cbcHMACIVSize+len(padded), cbcHMACIVSize+len(padded)+cbcHMACTagSize)
	copy(out, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[cbcHMACIVSize:], padded)

	return append(out, c.tag(aad, out)...), nil
}

// Decrypt verifies the tag in constant time and only then decrypts.
// Every failure is reported as ErrDecryptionFailed.
func (c *CBCHMACCipher) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < cryptoDomain.MinCiphertextSize {
		return nil, cryptoDomain.ErrDecryptionFailed
	}
	body := ciphertext[:len(ciphertext)-cbcHMACTagSize]
	if (len(body)-cbcHMACIVSize)%aes.BlockSize != 0 {
		return nil, cryptoDomain.ErrDecryptionFailed
	}

	if !hmac.Equal(c.tag(aad, body), ciphertext[len(body):]) {
		return nil, cryptoDomain.ErrDecryptionFailed
	}

	plaintext := make([]byte, len(body)-cbcHMACIVSize)
	cipher.NewCBCDecrypter(c.block, body[:cbcHMACIVSize]).CryptBlocks(plaintext, body[cbcHMACIVSize:])

	unpadded, ok := pkcs7Unpad(plaintext)
	if !ok {
		cryptoDomain.Zero(plaintext)
		return nil, cryptoDomain.ErrDecryptionFailed
	}
	return unpadded, nil
}

func (c *CBCHMACCipher) iv(plaintext, aad []byte) ([]byte, error) {
	if c.deterministic {
		mac := hmac.New(sha512.New, c.ivKey)
		mac.Write(aad)
		mac.Write(plaintext)
		return mac.Sum(nil)[:cbcHMACIVSize], nil
	}

	iv := make([]byte, cbcHMACIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return iv, nil
}

func (c *CBCHMACCipher) tag(aad, ivAndCiphertext []byte) []byte {
	var aadBits [8]byte
	binary.BigEndian.PutUint64(aadBits[:], uint64(len(aad))*8)

	mac := hmac.New(sha512.New, c.macKey)
	mac.Write(aad)
	mac.Write(ivAndCiphertext)
	mac.Write(aadBits[:])
	return mac.Sum(nil)[:cbcHMACTagSize]
}

func pkcs7Pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, false
	}
	var bad byte
	for _, p := range b[len(b)-n:] {
		bad |= p ^ byte(n)
	}
	if bad != 0 {
		return nil, false
	}
	return b[:len(b)-n], true
}
