package commands

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
)

// ValueEncrypter explicitly encrypts one value.
type ValueEncrypter interface {
	Encrypt(ctx context.Context, value any, ref keyvaultDomain.KeyRef, alg cryptoDomain.Algorithm) (bson.Binary, error)
}

// ValueDecrypter explicitly decrypts one ciphertext.
type ValueDecrypter interface {
	Decrypt(ctx context.Context, bin bson.Binary) (any, error)
}

// RunEncryptValue encrypts a value given as relaxed Extended JSON (for example "\"text\"",
// "42" or "{\"$date\": \"2024-01-01T00:00:00Z\"}") and prints the ciphertext envelope in
// base64.
func RunEncryptValue(
	ctx context.Context,
	encrypter ValueEncrypter,
	writer io.Writer,
	keyID string,
	keyAltName string,
	algorithm string,
	value string,
) error {
	ref, err := parseKeyRef(keyID, keyAltName)
	if err != nil {
		return err
	}

	alg, err := cryptoDomain.ParseAlgorithm(algorithm)
	if err != nil {
		return err
	}

	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(`{"value": `+value+`}`), false, &doc); err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}

	bin, err := encrypter.Encrypt(ctx, doc[0].Value, ref, alg)
	if err != nil {
		return fmt.Errorf("failed to encrypt value: %w", err)
	}

	_, _ = fmt.Fprintln(writer, base64.StdEncoding.EncodeToString(bin.Data))
	return nil
}

// RunDecryptValue decrypts a base64 ciphertext envelope and prints the value as relaxed
// Extended JSON.
func RunDecryptValue(ctx context.Context, decrypter ValueDecrypter, writer io.Writer, ciphertext string) error {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return fmt.Errorf("invalid ciphertext: %w", err)
	}

	value, err := decrypter.Decrypt(ctx, bson.Binary{Subtype: cryptoDomain.CiphertextSubtype, Data: data})
	if err != nil {
		return fmt.Errorf("failed to decrypt value: %w", err)
	}

	out, err := bson.MarshalExtJSON(bson.D{{Key: "value", Value: value}}, false, false)
	if err != nil {
		return fmt.Errorf("failed to render value: %w", err)
	}
	_, _ = fmt.Fprintln(writer, string(out))
	return nil
}

func parseKeyRef(keyID string, keyAltName string) (keyvaultDomain.KeyRef, error) {
	switch {
	case keyID != "" && keyAltName != "":
		return keyvaultDomain.KeyRef{}, fmt.Errorf("--key-id and --key-alt-name are mutually exclusive")
	case keyID != "":
		id, err := uuid.Parse(keyID)
		if err != nil {
			return keyvaultDomain.KeyRef{}, fmt.Errorf("invalid key-id: %w", err)
		}
		return keyvaultDomain.KeyRefByID(id), nil
	case keyAltName != "":
		return keyvaultDomain.KeyRefByAltName(keyAltName), nil
	default:
		return keyvaultDomain.KeyRef{}, fmt.Errorf("--key-id or --key-alt-name is required")
	}
}
