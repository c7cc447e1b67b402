package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/gcerrors"
	"gocloud.dev/secrets"
	"gocloud.dev/secrets/driver"
)

// failingDriverKeeper fails every call with an error classified as code.
type failingDriverKeeper struct {
	code gcerrors.ErrorCode
}

func (f failingDriverKeeper) Encrypt(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("keeper failure")
}

func (f failingDriverKeeper) Decrypt(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("keeper failure")
}

func (f failingDriverKeeper) Close() error { return nil }
func (f failingDriverKeeper) ErrorAs(error, any) bool { return false }
func (f failingDriverKeeper) ErrorCode(error) gcerrors.ErrorCode { return f.code }

var _ driver.Keeper = failingDriverKeeper{}

// keeperError returns the error a gocloud keeper reports for a driver failure with code.
func keeperError(t *testing.T, code gcerrors.ErrorCode) error {
	t.Helper()
	keeper := secrets.NewKeeper(failingDriverKeeper{code: code})
	t.Cleanup(func() { _ = keeper.Close() })

	_, err := keeper.Decrypt(context.Background(), []byte("wrapped"))
	require.Error(t, err)
	require.Equal(t, code, gcerrors.Code(err))
	return err
}

func closedKeeperError(t *testing.T) error {
	t.Helper()
	keeper := secrets.NewKeeper(failingDriverKeeper{code: gcerrors.Internal})
	require.NoError(t, keeper.Close())

	_, err := keeper.Decrypt(context.Background(), []byte("wrapped"))
	require.Error(t, err)
	return err
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"canceled", context.Canceled, false},
		{"wrapped canceled", fmt.Errorf("call: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"aws throttling", &smithy.GenericAPIError{Code: "ThrottlingException"}, true},
		{"aws internal", fmt.Errorf("aws-kms: %w", &smithy.GenericAPIError{Code: "KMSInternalException"}), true},
		{"aws access denied", &smithy.GenericAPIError{Code: "AccessDeniedException"}, false},
		{"aws invalid ciphertext", &smithy.GenericAPIError{Code: "InvalidCiphertextException"}, false},
		{"net timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, true},
		{"net not found", &net.DNSError{Err: "no such host", IsNotFound: true}, false},
		{"keeper internal", keeperError(t, gcerrors.Internal), true},
		{"keeper resource exhausted", fmt.Errorf("gcp: %w", keeperError(t, gcerrors.ResourceExhausted)), true},
		{"keeper deadline exceeded", keeperError(t, gcerrors.DeadlineExceeded), true},
		{"keeper permission denied", keeperError(t, gcerrors.PermissionDenied), false},
		{"keeper invalid argument", keeperError(t, gcerrors.InvalidArgument), false},
		{"keeper unknown", keeperError(t, gcerrors.Unknown), false},
		{"keeper closed", closedKeeperError(t), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}
