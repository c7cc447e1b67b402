package domain_test

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/allisson/autoencrypt/internal/crypto/domain"
)

func TestEnvelope_BinaryAndParse(t *testing.T) {
	t.Run("Success_RoundTrip", func(t *testing.T) {
		// Arrange
		keyID := uuid.New()
		env := domain.Envelope{
			Algorithm:    domain.Deterministic,
			KeyID:        keyID,
			OriginalType: bson.TypeString,
			Ciphertext:   bytes.Repeat([]byte{0xAB}, domain.MinCiphertextSize),
		}

		// Act
		bin, err := env.Binary()
		require.NoError(t, err)
		parsed, err := domain.ParseEnvelope(bin)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, domain.CiphertextSubtype, bin.Subtype)
		assert.Equal(t, byte(1), bin.Data[0])
		assert.Equal(t, env, parsed)
	})

	t.Run("Success_RandomTag", func(t *testing.T) {
		env := domain.Envelope{
			Algorithm:    domain.Random,
			KeyID:        uuid.New(),
			OriginalType: bson.TypeInt32,
			Ciphertext:   make([]byte, domain.MinCiphertextSize),
		}

		bin, err := env.Binary()
		require.NoError(t, err)
		assert.Equal(t, byte(2), bin.Data[0])
		assert.Equal(t, byte(bson.TypeInt32), bin.Data[17])
	})
}

func TestParseEnvelope_Errors(t *testing.T) {
	valid := func() []byte {
		env := domain.Envelope{
			Algorithm:    domain.Random,
			KeyID:        uuid.New(),
			OriginalType: bson.TypeString,
			Ciphertext:   make([]byte, domain.MinCiphertextSize),
		}
		bin, err := env.Binary()
		require.NoError(t, err)
		return bin.Data
	}

	t.Run("Error_WrongSubtype", func(t *testing.T) {
		_, err := domain.ParseEnvelope(bson.Binary{Subtype: 0, Data: valid()})
		assert.ErrorIs(t, err, domain.ErrInvalidEnvelope)
	})

	t.Run("Error_TooShort", func(t *testing.T) {
		_, err := domain.ParseEnvelope(bson.Binary{Subtype: 6, Data: valid()[:40]})
		assert.ErrorIs(t, err, domain.ErrInvalidEnvelope)
	})

	t.Run("Error_UnknownAlgorithmTag", func(t *testing.T) {
		data := valid()
		data[0] = 9
		_, err := domain.ParseEnvelope(bson.Binary{Subtype: 6, Data: data})
		assert.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
	})
}

func TestEnvelope_AssociatedData(t *testing.T) {
	keyID := uuid.New()
	env := domain.Envelope{Algorithm: domain.Deterministic, KeyID: keyID, OriginalType: bson.TypeString}

	ad, err := env.AssociatedData()
	require.NoError(t, err)
	require.Len(t, ad, 18)
	assert.Equal(t, byte(1), ad[0])
	assert.Equal(t, keyID[:], ad[1:17])
	assert.Equal(t, byte(bson.TypeString), ad[17])

	_, err = domain.Envelope{Algorithm: "bogus"}.AssociatedData()
	assert.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
}

func TestIsCiphertext(t *testing.T) {
	assert.True(t, domain.IsCiphertext(bson.Binary{Subtype: 6}))
	assert.True(t, domain.IsCiphertext(&bson.Binary{Subtype: 6}))
	assert.False(t, domain.IsCiphertext(bson.Binary{Subtype: 4}))
	assert.False(t, domain.IsCiphertext((*bson.Binary)(nil)))
	assert.False(t, domain.IsCiphertext("test"))
}

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.Algorithm
		wantErr bool
	}{
		{in: "AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic", want: domain.Deterministic},
		{in: "deterministic", want: domain.Deterministic},
		{in: "AEAD_AES_256_CBC_HMAC_SHA_512-Random", want: domain.Random},
		{in: "random", want: domain.Random},
		{in: "aes-gcm", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := domain.ParseAlgorithm(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want == domain.Deterministic, got.IsDeterministic())
		})
	}
}
