package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	keyvaultDomain "github.com/allisson/autoencrypt/internal/keyvault/domain"
	keyvaultUsecase "github.com/allisson/autoencrypt/internal/keyvault/usecase"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
)

// RunRewrapDataKeys unwraps the selected data keys and wraps them again. With a provider the
// keys move to that master key; without one each key is rewrapped under its current master
// key. The key bytes do not change, so existing ciphertexts stay readable.
func RunRewrapDataKeys(
	ctx context.Context,
	dataKeyUseCase keyvaultUsecase.DataKeyUseCase,
	logger *slog.Logger,
	writer io.Writer,
	fromProvider string,
	provider string,
	params []string,
) error {
	var newMasterKey *kmsDomain.MasterKey
	if provider != "" {
		masterKey, err := parseMasterKey(provider, params)
		if err != nil {
			return err
		}
		newMasterKey = &masterKey
	} else if len(params) > 0 {
		return fmt.Errorf("%w: --master-key-param requires --provider", kmsDomain.ErrInvalidMasterKey)
	}

	logger.Info("starting data key rewrap process",
		slog.String("from_provider", fromProvider),
		slog.String("provider", provider),
	)

	count, err := dataKeyUseCase.RewrapManyDataKey(
		ctx,
		keyvaultDomain.DataKeyFilter{Provider: fromProvider},
		newMasterKey,
	)
	if err != nil {
		return fmt.Errorf("failed to rewrap data keys: %w", err)
	}

	logger.Info("data key rewrap process completed", slog.Int("total_rewrapped", count))
	_, _ = fmt.Fprintf(writer, "Rewrapped %d data key(s)\n", count)
	return nil
}
