// Package service loads encryption schemas from MongoDB-style JSON schema maps.
//
// A schema map is an Extended JSON document keyed by namespace:
//
//	{
//	  "db.coll": {
//	    "bsonType": "object",
//	    "encryptMetadata": {"keyId": [{"$uuid": "..."}]},
//	    "properties": {
//	      "ssn": {"encrypt": {"bsonType": "string", "algorithm": "AEAD_AES_256_CBC_HMAC_SHA_512-Deterministic"}},
//	      "patient": {"bsonType": "object", "properties": {
//	        "name": {"encrypt": {"keyId": "patientKey", "algorithm": "AEAD_AES_256_CBC_HMAC_SHA_512-Random"}}
//	      }}
//	    }
//	  }
//	}
//
// Nested properties become dotted paths. keyId is either an array holding one UUID or an
// alt name string; encryptMetadata supplies defaults for the fields below it.
package service

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	cryptoDomain "github.com/allisson/autoencrypt/internal/crypto/domain"
	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
)

// LoadSchemaMapFile reads and parses a schema map file.
func LoadSchemaMapFile(path string) (*schemaDomain.Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open schema map: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	return LoadSchemaMap(f)
}

// LoadSchemaMap reads and parses a schema map.
func LoadSchemaMap(r io.Reader) (*schemaDomain.Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema map: %w", err)
	}
	return ParseSchemaMap(data)
}

// ParseSchemaMap parses an Extended JSON schema map into a Registry.
func ParseSchemaMap(data []byte) (*schemaDomain.Registry, error) {
	var root bson.D
	if err := bson.UnmarshalExtJSON(data, false, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", schemaDomain.ErrInvalidSchema, err)
	}

	schemas := make([]*schemaDomain.Schema, 0, len(root))
	for _, e := range root {
		doc, ok := e.Value.(bson.D)
		if !ok {
			return nil, fmt.Errorf("%w: schema for %q is not a document", schemaDomain.ErrInvalidSchema, e.Key)
		}
		s, err := ParseSchema(e.Key, doc)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, s)
	}

	return schemaDomain.NewRegistry(schemas...)
}

// ParseSchema builds the schema of one namespace from its JSON schema document.
func ParseSchema(namespace string, doc bson.D) (*schemaDomain.Schema, error) {
	var rules []schemaDomain.FieldRule
	if err := walk(doc, "", encryptDefaults{}, &rules); err != nil {
		return nil, fmt.Errorf("%s: %w", namespace, err)
	}
	return schemaDomain.NewSchema(namespace, rules)
}

// encryptDefaults carries encryptMetadata down the property tree.
type encryptDefaults struct {
	keyRef    keyvaultDomain.KeyRef
	algorithm cryptoDomain.Algorithm
}

func walk(doc bson.D, prefix string, defaults encryptDefaults, rules *[]schemaDomain.FieldRule) error {
	if v, ok := lookup(doc, "encryptMetadata"); ok {
		meta, ok := v.(bson.D)
		if !ok {
			return fmt.Errorf("%w: encryptMetadata at %q is not a document", schemaDomain.ErrInvalidSchema, prefix)
		}
		var err error
		if defaults, err = applyMetadata(meta, defaults); err != nil {
			return err
		}
	}

	v, ok := lookup(doc, "properties")
	if !ok {
		return nil
	}
	properties, ok := v.(bson.D)
	if !ok {
		return fmt.Errorf("%w: properties at %q is not a document", schemaDomain.ErrInvalidSchema, prefix)
	}

	for _, prop := range properties {
		path := schemaDomain.JoinPath(prefix, prop.Key)
		field, ok := prop.Value.(bson.D)
		if !ok {
			return fmt.Errorf("%w: property %q is not a document", schemaDomain.ErrInvalidSchema, path)
		}

		if enc, ok := lookup(field, "encrypt"); ok {
			encDoc, ok := enc.(bson.D)
			if !ok {
				return fmt.Errorf("%w: encrypt at %q is not a document", schemaDomain.ErrInvalidSchema, path)
			}
			rule, err := parseEncrypt(path, encDoc, defaults)
			if err != nil {
				return err
			}
			*rules = append(*rules, rule)
			continue
		}

		if err := walk(field, path, defaults, rules); err != nil {
			return err
		}
	}
	return nil
}

func applyMetadata(meta bson.D, defaults encryptDefaults) (encryptDefaults, error) {
	if v, ok := lookup(meta, "keyId"); ok {
		ref, err := parseKeyID(v)
		if err != nil {
			return defaults, err
		}
		defaults.keyRef = ref
	}
	if v, ok := lookup(meta, "algorithm"); ok {
		alg, err := parseAlgorithm(v)
		if err != nil {
			return defaults, err
		}
		defaults.algorithm = alg
	}
	return defaults, nil
}

func parseEncrypt(path string, enc bson.D, defaults encryptDefaults) (schemaDomain.FieldRule, error) {
	rule := schemaDomain.FieldRule{
		Path:      path,
		Algorithm: defaults.algorithm,
		KeyRef:    defaults.keyRef,
	}

	if v, ok := lookup(enc, "keyId"); ok {
		ref, err := parseKeyID(v)
		if err != nil {
			return rule, fmt.Errorf("field %q: %w", path, err)
		}
		rule.KeyRef = ref
	}
	if v, ok := lookup(enc, "keyAltName"); ok {
		name, ok := v.(string)
		if !ok || name == "" {
			return rule, fmt.Errorf("%w: field %q: keyAltName must be a non-empty string", schemaDomain.ErrInvalidSchema, path)
		}
		rule.KeyRef = keyvaultDomain.KeyRefByAltName(name)
	}
	if v, ok := lookup(enc, "algorithm"); ok {
		alg, err := parseAlgorithm(v)
		if err != nil {
			return rule, fmt.Errorf("field %q: %w", path, err)
		}
		rule.Algorithm = alg
	}
	if v, ok := lookup(enc, "bsonType"); ok {
		t, err := parseBSONType(v)
		if err != nil {
			return rule, fmt.Errorf("field %q: %w", path, err)
		}
		rule.BSONType = t
	}

	return rule, nil
}

func parseKeyID(v any) (keyvaultDomain.KeyRef, error) {
	switch id := v.(type) {
	case string:
		if id == "" || strings.HasPrefix(id, "/") {
			return keyvaultDomain.KeyRef{}, fmt.Errorf(
				"%w: keyId %q must be an alt name, field pointers are not supported", schemaDomain.ErrInvalidSchema, id)
		}
		return keyvaultDomain.KeyRefByAltName(id), nil
	case bson.A:
		if len(id) != 1 {
			return keyvaultDomain.KeyRef{}, fmt.Errorf(
				"%w: keyId must hold exactly one UUID, got %d", schemaDomain.ErrInvalidSchema, len(id))
		}
		return parseKeyID(id[0])
	case bson.Binary:
		if id.Subtype != 0x04 && id.Subtype != 0x03 {
			return keyvaultDomain.KeyRef{}, fmt.Errorf(
				"%w: keyId binary subtype %d is not a UUID", schemaDomain.ErrInvalidSchema, id.Subtype)
		}
		u, err := uuid.FromBytes(id.Data)
		if err != nil {
			return keyvaultDomain.KeyRef{}, fmt.Errorf("%w: keyId: %v", schemaDomain.ErrInvalidSchema, err)
		}
		return keyvaultDomain.KeyRefByID(u), nil
	default:
		return keyvaultDomain.KeyRef{}, fmt.Errorf("%w: keyId has unsupported type %T", schemaDomain.ErrInvalidSchema, v)
	}
}

func parseAlgorithm(v any) (cryptoDomain.Algorithm, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: algorithm must be a string", schemaDomain.ErrInvalidSchema)
	}
	alg, err := cryptoDomain.ParseAlgorithm(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schemaDomain.ErrInvalidSchema, err)
	}
	return alg, nil
}

func parseBSONType(v any) (bson.Type, error) {
	switch t := v.(type) {
	case string:
		return schemaDomain.ParseBSONType(t)
	case bson.A:
		if len(t) == 1 {
			return parseBSONType(t[0])
		}
	}
	return 0, fmt.Errorf("%w: encrypt.bsonType must name a single type", schemaDomain.ErrInvalidSchema)
}

func lookup(doc bson.D, key string) (any, bool) {
	for _, e := range doc {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
