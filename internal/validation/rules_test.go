package validation

import (
	"errors"
	"testing"

	validation "github.com/jellydator/validation"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/allisson/autoencrypt/internal/errors"
)

func TestWrapValidationError(t *testing.T) {
	assert.NoError(t, WrapValidationError(nil))

	err := WrapValidationError(errors.New("name: cannot be blank"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Contains(t, err.Error(), "name: cannot be blank")
}

func TestNotBlank(t *testing.T) {
	assert.NoError(t, validation.Validate("value", NotBlank))
	assert.Error(t, validation.Validate("   ", NotBlank))
}

func TestNoWhitespace(t *testing.T) {
	assert.NoError(t, validation.Validate("value", NoWhitespace))
	assert.Error(t, validation.Validate(" value", NoWhitespace))
	assert.Error(t, validation.Validate("value\t", NoWhitespace))
}

func TestFieldPath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		shouldErr bool
	}{
		{name: "single segment", path: "ssn"},
		{name: "nested path", path: "patient.billing.cardNumber"},
		{name: "empty is left to Required", path: ""},
		{name: "leading dot", path: ".ssn", shouldErr: true},
		{name: "double dot", path: "a..b", shouldErr: true},
		{name: "trailing dot", path: "a.", shouldErr: true},
		{name: "operator segment", path: "a.$set", shouldErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validation.Validate(tt.path, FieldPath)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNamespace(t *testing.T) {
	assert.NoError(t, validation.Validate("keyvault.datakeys", Namespace))
	assert.NoError(t, validation.Validate("db.coll.with.dots", Namespace))
	assert.Error(t, validation.Validate("nodot", Namespace))
	assert.Error(t, validation.Validate(".coll", Namespace))
	assert.Error(t, validation.Validate("db.", Namespace))
	assert.Error(t, validation.Validate("bad db.coll", Namespace))
}

func TestOneOf(t *testing.T) {
	rule := OneOf("mongodb", "postgres", "mysql")
	assert.NoError(t, validation.Validate("postgres", rule))

	err := validation.Validate("sqlite", rule)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "mongodb, postgres, mysql")
}

func TestBase64Key(t *testing.T) {
	rule := Base64Key(5)

	assert.NoError(t, validation.Validate("aGVsbG8=", rule))
	assert.NoError(t, validation.Validate("", rule))

	err := validation.Validate("aGk=", rule)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "must decode to 5 bytes, got 2")

	assert.Error(t, validation.Validate("not base64!", rule))
	assert.Error(t, validation.Validate(42, rule))
}
