package service

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
)

func TestCBCHMACCipher_EncryptDecrypt(t *testing.T) {
	key := newDataKey(t)
	aad := []byte("associated data")

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"empty", []byte{}},
		{"one byte", []byte{0x01}},
		{"exact block", bytes.Repeat([]byte{0xAB}, 16)},
		{"multi block", bytes.Repeat([]byte("secret"), 50)},
	}

	for _, deterministic := range []bool{true, false} {
		c, err := NewCBCHMAC(key, deterministic)
		require.NoError(t, err)

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				ciphertext, err := c.Encrypt(tt.plaintext, aad)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, len(ciphertext), cryptoDomain.MinCiphertextSize)
				assert.Zero(t, (len(ciphertext)-cbcHMACIVSize-cbcHMACTagSize)%16)

				plaintext, err := c.Decrypt(ciphertext, aad)
				require.NoError(t, err)
				assert.Equal(t, tt.plaintext, plaintext)
			})
		}
	}
}

func TestCBCHMACCipher_Deterministic(t *testing.T) {
	key := newDataKey(t)
	c, err := NewCBCHMAC(key, true)
	require.NoError(t, err)

	first, err := c.Encrypt([]byte("457-55-5462"), []byte("ad"))
	require.NoError(t, err)
	second, err := c.Encrypt([]byte("457-55-5462"), []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	otherAD, err := c.Encrypt([]byte("457-55-5462"), []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, first, otherAD)
}

func TestCBCHMACCipher_Random(t *testing.T) {
	key := newDataKey(t)
	c, err := NewCBCHMAC(key, false)
	require.NoError(t, err)

	first, err := c.Encrypt([]byte("457-55-5462"), nil)
	require.NoError(t, err)
	second, err := c.Encrypt([]byte("457-55-5462"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestCBCHMACCipher_DecryptFailures(t *testing.T) {
	key := newDataKey(t)
	c, err := NewCBCHMAC(key, false)
	require.NoError(t, err)

	aad := []byte("ad")
	ciphertext, err := c.Encrypt([]byte("hello world"), aad)
	require.NoError(t, err)

	t.Run("wrong associated data", func(t *testing.T) {
		_, err := c.Decrypt(ciphertext, []byte("AD"))
		assert.ErrorIs(t, err, cryptoDomain.ErrDecryptionFailed)
	})

	t.Run("flipped ciphertext bit", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[cbcHMACIVSize] ^= 0x01
		_, err := c.Decrypt(tampered, aad)
		assert.ErrorIs(t, err, cryptoDomain.ErrDecryptionFailed)
	})

	t.Run("flipped tag bit", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[len(tampered)-1] ^= 0x80
		_, err := c.Decrypt(tampered, aad)
		assert.ErrorIs(t, err, cryptoDomain.ErrDecryptionFailed)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := c.Decrypt(ciphertext[:cryptoDomain.MinCiphertextSize-1], aad)
		assert.ErrorIs(t, err, cryptoDomain.ErrDecryptionFailed)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewCBCHMAC(newDataKey(t), false)
		require.NoError(t, err)
		_, err = other.Decrypt(ciphertext, aad)
		assert.ErrorIs(t, err, cryptoDomain.ErrDecryptionFailed)
	})
}

func TestPKCS7Unpad(t *testing.T) {
	t.Run("rejects zero padding byte", func(t *testing.T) {
		_, ok := pkcs7Unpad(make([]byte, 16))
		assert.False(t, ok)
	})

	t.Run("rejects inconsistent padding", func(t *testing.T) {
		b := bytes.Repeat([]byte{0x04}, 16)
		b[13] = 0x03
		_, ok := pkcs7Unpad(b)
		assert.False(t, ok)
	})

	t.Run("strips full padding block", func(t *testing.T) {
		out, ok := pkcs7Unpad(pkcs7Pad(nil))
		assert.True(t, ok)
		assert.Empty(t, out)
	})
}
