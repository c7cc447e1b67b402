package service

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
)

// TransformService implements Transform on top of an AEADManager.
//
// The plaintext fed to the cipher is the raw BSON encoding of the value (without its
// element header); the value's BSON type is kept in the envelope so decryption can
// rebuild the exact original value, bit for bit.
type TransformService struct {
	aeadManager AEADManager
}

// NewTransform creates a TransformService using the given AEADManager.
func NewTransform(aeadManager AEADManager) *TransformService {
	return &TransformService{aeadManager: aeadManager}
}

// Encrypt encrypts value under key and returns a subtype 6 binary value.
//
// Returns ErrUnsupportedValueType when the value's BSON type cannot be encrypted with alg,
// ErrInvalidKeySize when key is not a 96-byte data key.
func (t *TransformService) Encrypt(
	value any,
	keyID uuid.UUID,
	key []byte,
	alg cryptoDomain.Algorithm,
) (bson.Binary, error) {
	valueType, plaintext, err := encodeValue(value)
	if err != nil {
		return bson.Binary{}, err
	}
	defer cryptoDomain.Zero(plaintext)

	if err := cryptoDomain.CheckEncryptable(alg, valueType); err != nil {
		return bson.Binary{}, err
	}

	env := cryptoDomain.Envelope{
		Algorithm:    alg,
		KeyID:        keyID,
		OriginalType: valueType,
	}
	aad, err := env.AssociatedData()
	if err != nil {
		return bson.Binary{}, err
	}

	aead, err := t.aeadManager.CreateCipher(key, alg)
	if err != nil {
		return bson.Binary{}, err
	}

	env.Ciphertext, err = aead.Encrypt(plaintext, aad)
	if err != nil {
		return bson.Binary{}, fmt.Errorf("failed to encrypt value: %w", err)
	}

	return env.Binary()
}

// Decrypt authenticates and decrypts bin with key.
// Any parse, authentication or decoding failure is reported as ErrDecryptionFailed.
func (t *TransformService) Decrypt(bin bson.Binary, key []byte) (any, error) {
	env, err := cryptoDomain.ParseEnvelope(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptoDomain.ErrDecryptionFailed, err)
	}

	aad, err := env.AssociatedData()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptoDomain.ErrDecryptionFailed, err)
	}

	aead, err := t.aeadManager.CreateCipher(key, env.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptoDomain.ErrDecryptionFailed, err)
	}

	plaintext, err := aead.Decrypt(env.Ciphertext, aad)
	if err != nil {
		return nil, cryptoDomain.ErrDecryptionFailed
	}
	defer cryptoDomain.Zero(plaintext)

	value, err := decodeValue(env.OriginalType, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cryptoDomain.ErrDecryptionFailed, err)
	}
	return value, nil
}

// encodeValue returns the BSON type and raw value bytes of v.
func encodeValue(v any) (bson.Type, []byte, error) {
	doc, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", cryptoDomain.ErrUnsupportedValueType, err)
	}
	raw := bson.Raw(doc).Lookup("v")
	out := make([]byte, len(raw.Value))
	copy(out, raw.Value)
	return raw.Type, out, nil
}

// decodeValue rebuilds a single-element document {v: <value>} around the raw bytes and decodes it.
func decodeValue(t bson.Type, value []byte) (any, error) {
	size := 4 + 1 + 2 + len(value) + 1
	doc := make([]byte, 4, size)
	binary.LittleEndian.PutUint32(doc, uint32(size))
	doc = append(doc, byte(t), 'v', 0x00)
	doc = append(doc, value...)
	doc = append(doc, 0x00)

	var out bson.D
	if err := bson.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("decoded %d elements", len(out))
	}
	return out[0].Value, nil
}
