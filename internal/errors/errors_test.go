package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyFailure struct {
	KeyID string
}

func (e *keyFailure) Error() string { return "key failure: " + e.KeyID }

func TestNew(t *testing.T) {
	err := New("vault unreachable")
	require.Error(t, err)
	assert.Equal(t, "vault unreachable", err.Error())
}

func TestWrap(t *testing.T) {
	t.Run("Success_WrapPreservesChain", func(t *testing.T) {
		wrapped := Wrap(ErrNotFound, "data key")
		assert.Equal(t, "data key: not found", wrapped.Error())
		assert.True(t, Is(wrapped, ErrNotFound))
	})

	t.Run("Success_WrapNil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, "ignored"))
	})

	t.Run("Success_NestedWrap", func(t *testing.T) {
		inner := Wrap(ErrPrecondition, "transaction in progress")
		outer := Wrap(inner, "start transaction")
		assert.True(t, Is(outer, ErrPrecondition))
		assert.False(t, Is(outer, ErrInvalidInput))
	})
}

func TestAs(t *testing.T) {
	err := fmt.Errorf("resolve: %w", &keyFailure{KeyID: "k1"})

	var target *keyFailure
	require.True(t, As(err, &target))
	assert.Equal(t, "k1", target.KeyID)

	assert.False(t, As(errors.New("plain"), &target))
}

func TestBaseErrorsAreDistinct(t *testing.T) {
	bases := []error{ErrNotFound, ErrConflict, ErrInvalidInput, ErrPrecondition, ErrUnavailable}
	for i, a := range bases {
		for j, b := range bases {
			if i != j {
				assert.False(t, Is(a, b), "%v should not match %v", a, b)
			}
		}
	}
}

func TestJoin(t *testing.T) {
	assert.NoError(t, Join(nil, nil))

	joined := Join(ErrNotFound, nil, ErrUnavailable)
	assert.True(t, Is(joined, ErrNotFound))
	assert.True(t, Is(joined, ErrUnavailable))
	assert.False(t, Is(joined, ErrConflict))
}

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("boom"), nil},
		{"direct", ErrConflict, ErrConflict},
		{"wrapped", Wrap(Wrap(ErrUnavailable, "kms"), "unwrap data key"), ErrUnavailable},
		{"formatted", fmt.Errorf("schema: %w", ErrInvalidInput), ErrInvalidInput},
		{"joined prefers not found", Join(ErrUnavailable, ErrNotFound), ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}
