// Package domain defines the ciphertext envelope and algorithm identifiers for
// client-side field-level encryption.
//
// Encrypted field values are stored as BSON binary subtype 6. The payload is
// self-describing: algorithm, data key id and the plaintext's original BSON type
// travel with the ciphertext, so any holder of the key can decrypt without the
// schema that produced it.
package domain

import (
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

const (
	envelopeHeaderSize = 1 + 16 + 1

	// MinCiphertextSize is IV (16) + one AES block (16) + HMAC tag (32).
	MinCiphertextSize = 16 + 16 + 32
)

// Envelope is the parsed form of a subtype 6 binary value.
//
// Wire layout:
//
//	[algorithm tag 1B][key id 16B][original BSON type 1B][IV || AES-256-CBC ciphertext || tag]
type Envelope struct {
	Algorithm    Algorithm
	KeyID        uuid.UUID
	OriginalType bson.Type
	Ciphertext   []byte
}

// ParseEnvelope validates a binary value and splits it into its envelope fields.
//
// Returns ErrInvalidEnvelope when the subtype is not 6 or the payload is too short,
// and ErrUnsupportedAlgorithm when the algorithm tag is unknown.
func ParseEnvelope(bin bson.Binary) (Envelope, error) {
	if bin.Subtype != CiphertextSubtype {
		return Envelope{}, fmt.Errorf("%w: binary subtype %d", ErrInvalidEnvelope, bin.Subtype)
	}
	if len(bin.Data) < envelopeHeaderSize+MinCiphertextSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrInvalidEnvelope, len(bin.Data))
	}

	alg, err := AlgorithmFromTag(bin.Data[0])
	if err != nil {
		return Envelope{}, err
	}

	keyID, err := uuid.FromBytes(bin.Data[1:17])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	ciphertext := make([]byte, len(bin.Data)-envelopeHeaderSize)
	copy(ciphertext, bin.Data[envelopeHeaderSize:])

	return Envelope{
		Algorithm:    alg,
		KeyID:        keyID,
		OriginalType: bson.Type(bin.Data[17]),
		Ciphertext:   ciphertext,
	}, nil
}

// AssociatedData returns the header bytes that are authenticated alongside the ciphertext.
// Any change to algorithm, key id or original type therefore fails authentication.
func (e Envelope) AssociatedData() ([]byte, error) {
	tag, err := e.Algorithm.Tag()
	if err != nil {
		return nil, err
	}
	ad := make([]byte, 0, envelopeHeaderSize)
	ad = append(ad, tag)
	ad = append(ad, e.KeyID[:]...)
	ad = append(ad, byte(e.OriginalType))
	return ad, nil
}

// Binary serializes the envelope as a subtype 6 BSON binary value.
func (e Envelope) Binary() (bson.Binary, error) {
	ad, err := e.AssociatedData()
	if err != nil {
		return bson.Binary{}, err
	}
	data := make([]byte, 0, len(ad)+len(e.Ciphertext))
	data = append(data, ad...)
	data = append(data, e.Ciphertext...)
	return bson.Binary{Subtype: CiphertextSubtype, Data: data}, nil
}

// IsCiphertext reports whether v is a subtype 6 binary value.
func IsCiphertext(v any) bool {
	switch b := v.(type) {
	case bson.Binary:
		return b.Subtype == CiphertextSubtype
	case *bson.Binary:
		return b != nil && b.Subtype == CiphertextSubtype
	default:
		return false
	}
}
