// Package commands contains CLI command implementations for the application.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"

	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// IOTuple holds reader and writer for commands, allowing for testing.
type IOTuple struct {
	Reader io.Reader
	Writer io.Writer
}

// DefaultIO returns an IOTuple with os.Stdin and os.Stdout.
func DefaultIO() IOTuple {
	return IOTuple{
		Reader: os.Stdin,
		Writer: os.Stdout,
	}
}

// closeMigrate closes the migration instance and logs any errors.
func closeMigrate(migrate *migrate.Migrate, logger *slog.Logger) {
	sourceError, databaseError := migrate.Close()
	if sourceError != nil || databaseError != nil {
		logger.Error(
			"failed to close the migrate",
			slog.Any("source_error", sourceError),
			slog.Any("database_error", databaseError),
		)
	}
}

// parseMasterKey builds a master key from the --provider flag and its "k=v" parameters.
func parseMasterKey(provider string, params []string) (kmsDomain.MasterKey, error) {
	if provider == "" {
		return kmsDomain.MasterKey{}, fmt.Errorf("%w: provider is required", kmsDomain.ErrInvalidMasterKey)
	}
	parsed, err := kmsDomain.ParseMasterKeyParams(params)
	if err != nil {
		return kmsDomain.MasterKey{}, err
	}
	return kmsDomain.MasterKey{Provider: provider, Params: parsed}, nil
}

// dataKeyOutput is the JSON rendering of a data key. Key material is never printed.
type dataKeyOutput struct {
	ID           string            `json:"id"`
	KeyAltNames  []string          `json:"key_alt_names"`
	Provider     string            `json:"provider"`
	MasterKey    map[string]string `json:"master_key"`
	CreationDate time.Time         `json:"creation_date"`
	UpdateDate   time.Time         `json:"update_date"`
}

func toDataKeyOutput(key *keyvaultDomain.DataKey) dataKeyOutput {
	altNames := key.KeyAltNames
	if altNames == nil {
		altNames = []string{}
	}
	return dataKeyOutput{
		ID:           key.ID.String(),
		KeyAltNames:  altNames,
		Provider:     key.MasterKey.Provider,
		MasterKey:    key.MasterKey.Params,
		CreationDate: key.CreationDate,
		UpdateDate:   key.UpdateDate,
	}
}

// writeDataKeyText outputs a data key in human-readable text format.
func writeDataKeyText(writer io.Writer, key *keyvaultDomain.DataKey) {
	_, _ = fmt.Fprintf(writer, "ID: %s\n", key.ID.String())
	_, _ = fmt.Fprintf(writer, "Master Key: %s\n", key.MasterKey.String())
	if len(key.KeyAltNames) > 0 {
		_, _ = fmt.Fprintf(writer, "Alt Names: %v\n", key.KeyAltNames)
	}
	_, _ = fmt.Fprintf(writer, "Created: %s\n", key.CreationDate.Format(time.RFC3339))
	_, _ = fmt.Fprintf(writer, "Updated: %s\n", key.UpdateDate.Format(time.RFC3339))
}

// writeJSON outputs v as indented JSON for machine consumption.
func writeJSON(writer io.Writer, v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, _ = fmt.Fprintln(writer, string(jsonBytes))
	return nil
}
