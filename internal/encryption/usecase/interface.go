// Package usecase rewrites outgoing commands so that schema-designated fields travel
// encrypted, and decrypts every ciphertext found in replies.
package usecase

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	encryptionDomain "github.com/allisson/autoencrypt/internal/encryption/domain"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
)

// SchemaResolver finds the encryption schema of a namespace.
type SchemaResolver interface {
	Resolve(namespace string) (*schemaDomain.Schema, bool)
}

// CommandMarker marks the values of a command that must be encrypted.
type CommandMarker interface {
	MarkCommand(cmd bson.D, schema *schemaDomain.Schema) (*encryptionDomain.Marked, error)
}

// KeyResolver turns key references into raw data keys.
type KeyResolver interface {
	ResolveKey(ctx context.Context, ref keyvaultDomain.KeyRef) (keyvaultDomain.DataKeyMaterial, error)
}

// Rewriter encrypts commands and decrypts results.
type Rewriter interface {
	// EncryptCommand returns cmd with every schema-designated value replaced by ciphertext.
	// Commands on namespaces without a schema are returned unchanged. cmd is never modified.
	EncryptCommand(ctx context.Context, db string, cmd bson.D) (bson.D, error)

	// DecryptResult returns doc with every ciphertext, at any depth, replaced by its plaintext.
	// doc is never modified.
	DecryptResult(ctx context.Context, doc bson.D) (bson.D, error)
}
