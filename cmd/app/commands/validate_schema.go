package commands

import (
	"fmt"
	"io"

	schemaService "github.com/allisson/autoencrypt/internal/schema/service"
)

type schemaRuleOutput struct {
	Path      string `json:"path"`
	Algorithm string `json:"algorithm"`
	Key       string `json:"key"`
	BSONType  string `json:"bson_type"`
}

// RunValidateSchema loads a schema map file and prints the encrypted fields of every
// namespace. Any parse or validation error is returned unchanged.
func RunValidateSchema(writer io.Writer, path string, format string) error {
	registry, err := schemaService.LoadSchemaMapFile(path)
	if err != nil {
		return err
	}

	out := make(map[string][]schemaRuleOutput)
	for _, namespace := range registry.Namespaces() {
		schema, _ := registry.Resolve(namespace)
		rules := make([]schemaRuleOutput, 0, len(schema.Rules()))
		for _, rule := range schema.Rules() {
			bsonType := "any"
			if rule.BSONType != 0 {
				bsonType = rule.BSONType.String()
			}
			rules = append(rules, schemaRuleOutput{
				Path:      rule.Path,
				Algorithm: string(rule.Algorithm),
				Key:       rule.KeyRef.String(),
				BSONType:  bsonType,
			})
		}
		out[namespace] = rules
	}

	if format == "json" {
		return writeJSON(writer, out)
	}

	_, _ = fmt.Fprintf(writer, "Schema map is valid: %d namespace(s)\n", len(out))
	for _, namespace := range registry.Namespaces() {
		_, _ = fmt.Fprintf(writer, "\n%s\n", namespace)
		for _, rule := range out[namespace] {
			_, _ = fmt.Fprintf(writer, "  %s: %s key=%s type=%s\n", rule.Path, rule.Algorithm, rule.Key, rule.BSONType)
		}
	}
	return nil
}
