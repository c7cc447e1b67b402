package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	keyvaultUsecase "github.com/allisson/autoencrypt/internal/keyvault/usecase"
)

// RunCreateDataKey creates a data key wrapped under the master key named by provider and
// params, stores it in the key vault and prints it.
func RunCreateDataKey(
	ctx context.Context,
	dataKeyUseCase keyvaultUsecase.DataKeyUseCase,
	logger *slog.Logger,
	writer io.Writer,
	provider string,
	params []string,
	altNames []string,
	format string,
) error {
	masterKey, err := parseMasterKey(provider, params)
	if err != nil {
		return err
	}

	logger.Info("creating data key",
		slog.String("master_key", masterKey.String()),
		slog.Any("key_alt_names", altNames),
	)

	key, err := dataKeyUseCase.CreateDataKey(ctx, masterKey, altNames)
	if err != nil {
		return fmt.Errorf("failed to create data key: %w", err)
	}

	if format == "json" {
		return writeJSON(writer, toDataKeyOutput(key))
	}
	_, _ = fmt.Fprintln(writer, "Data key created successfully!")
	writeDataKeyText(writer, key)
	return nil
}

// RunListDataKeys prints every data key of the vault, optionally restricted to one provider.
func RunListDataKeys(
	ctx context.Context,
	dataKeyUseCase keyvaultUsecase.DataKeyUseCase,
	writer io.Writer,
	provider string,
	format string,
) error {
	keys, err := dataKeyUseCase.ListDataKeys(ctx, keyvaultDomain.DataKeyFilter{Provider: provider})
	if err != nil {
		return fmt.Errorf("failed to list data keys: %w", err)
	}

	if format == "json" {
		out := make([]dataKeyOutput, 0, len(keys))
		for _, key := range keys {
			out = append(out, toDataKeyOutput(key))
		}
		return writeJSON(writer, out)
	}

	if len(keys) == 0 {
		_, _ = fmt.Fprintln(writer, "No data keys found")
		return nil
	}
	for i, key := range keys {
		if i > 0 {
			_, _ = fmt.Fprintln(writer)
		}
		writeDataKeyText(writer, key)
	}
	return nil
}

// RunDeleteDataKey removes a data key. Values encrypted under it can no longer be decrypted.
func RunDeleteDataKey(
	ctx context.Context,
	dataKeyUseCase keyvaultUsecase.DataKeyUseCase,
	logger *slog.Logger,
	writer io.Writer,
	idStr string,
) error {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}

	if err := dataKeyUseCase.DeleteDataKey(ctx, id); err != nil {
		return fmt.Errorf("failed to delete data key: %w", err)
	}

	logger.Info("data key deleted", slog.String("key_id", id.String()))
	_, _ = fmt.Fprintf(writer, "Data key %s deleted\n", id.String())
	return nil
}

// RunAddKeyAltName adds an alternate name to a data key.
func RunAddKeyAltName(
	ctx context.Context,
	dataKeyUseCase keyvaultUsecase.DataKeyUseCase,
	writer io.Writer,
	idStr string,
	name string,
	format string,
) error {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}

	key, err := dataKeyUseCase.AddKeyAltName(ctx, id, name)
	if err != nil {
		return fmt.Errorf("failed to add key alt name: %w", err)
	}
	return writeDataKey(writer, key, format)
}

// RunRemoveKeyAltName removes an alternate name from a data key.
func RunRemoveKeyAltName(
	ctx context.Context,
	dataKeyUseCase keyvaultUsecase.DataKeyUseCase,
	writer io.Writer,
	idStr string,
	name string,
	format string,
) error {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}

	key, err := dataKeyUseCase.RemoveKeyAltName(ctx, id, name)
	if err != nil {
		return fmt.Errorf("failed to remove key alt name: %w", err)
	}
	return writeDataKey(writer, key, format)
}

func writeDataKey(writer io.Writer, key *keyvaultDomain.DataKey, format string) error {
	if format == "json" {
		return writeJSON(writer, toDataKeyOutput(key))
	}
	writeDataKeyText(writer, key)
	return nil
}
