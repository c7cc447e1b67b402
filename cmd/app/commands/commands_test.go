package commands

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	cryptoService "github.com/allisson/autoencrypt/internal/crypto/service"
	keyvaultUsecase "github.com/allisson/autoencrypt/internal/keyvault/usecase"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
	kmsService "github.com/allisson/autoencrypt/internal/kms/service"
	"github.com/allisson/autoencrypt/internal/testutil"
)

// newTestDataKeyUseCase returns a data key use case over an in-memory vault with a local
// KMS provider.
func newTestDataKeyUseCase(t *testing.T) (keyvaultUsecase.DataKeyUseCase, *testutil.MemoryKeyVault) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	encoded, err := kmsDomain.GenerateLocalMasterKey()
	require.NoError(t, err)
	masterKey, err := kmsDomain.LoadLocalMasterKey(encoded)
	require.NoError(t, err)
	t.Cleanup(masterKey.Close)

	kms := kmsService.NewService(
		kmsService.Options{},
		logger,
		kmsService.NewLocalProvider(masterKey, cryptoService.NewAEADManager()),
	)
	vault := testutil.NewMemoryKeyVault()
	return keyvaultUsecase.NewDataKeyUseCase(vault, vault, kms, nil, logger), vault
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

