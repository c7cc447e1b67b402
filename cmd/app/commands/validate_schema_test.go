package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
)

const testSchemaMap = `{
  "medical.patients": {
    "bsonType": "object",
    "properties": {
      "ssn": {"encrypt": {"keyId": "ssn", "bsonType": "string", "algorithm": "AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic"}},
      "notes": {"encrypt": {"keyId": "notes", "algorithm": "AEAD_AES_256_CBC_HMAC_SHA_512-Random"}}
    }
  }
}`

func writeSchemaFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunValidateSchema(t *testing.T) {
	t.Run("success-text", func(t *testing.T) {
		var out bytes.Buffer
		err := RunValidateSchema(&out, writeSchemaFile(t, testSchemaMap), "text")
		require.NoError(t, err)
		assert.Contains(t, out.String(), "Schema map is valid: 1 namespace(s)")
		assert.Contains(t, out.String(), "medical.patients")
		assert.Contains(t, out.String(), "ssn: AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic key=altName:ssn")
		assert.Contains(t, out.String(), "type=any")
	})

	t.Run("success-json", func(t *testing.T) {
		var out bytes.Buffer
		err := RunValidateSchema(&out, writeSchemaFile(t, testSchemaMap), "json")
		require.NoError(t, err)

		var got map[string][]schemaRuleOutput
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		require.Len(t, got["medical.patients"], 2)
	})

	t.Run("invalid-schema", func(t *testing.T) {
		invalid := `{"db.coll": {"properties": {"a": {"encrypt": {"keyId": "k", "algorithm": "xor"}}}}}`
		err := RunValidateSchema(&bytes.Buffer{}, writeSchemaFile(t, invalid), "text")
		require.ErrorIs(t, err, schemaDomain.ErrInvalidSchema)
	})

	t.Run("missing-file", func(t *testing.T) {
		err := RunValidateSchema(&bytes.Buffer{}, filepath.Join(t.TempDir(), "missing.json"), "text")
		require.Error(t, err)
	})
}
