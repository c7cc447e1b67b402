// Package validation provides custom validation rules for the application.
package validation

import (
	"strings"

	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/autoencrypt/internal/errors"
)

// WrapValidationError wraps validation errors as domain ErrInvalidInput
func WrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
}

// NoWhitespace validates that string doesn't contain leading/trailing whitespace
var NoWhitespace = validation.NewStringRuleWithError(
	func(s string) bool {
		return s == strings.TrimSpace(s)
	},
	validation.NewError("validation_no_whitespace", "must not contain leading or trailing whitespace"),
)

// NotBlank validates that a string is not empty after trimming whitespace
var NotBlank = validation.NewStringRuleWithError(
	func(s string) bool {
		return strings.TrimSpace(s) != ""
	},
	validation.NewError("validation_not_blank", "must not be blank"),
)

// FieldPath validates a dotted document path: no empty segment and no segment starting with '$'.
var FieldPath = validation.NewStringRuleWithError(
	func(s string) bool {
		if s == "" {
			return true // Let Required handle empty strings
		}
		for _, segment := range strings.Split(s, ".") {
			if segment == "" || strings.HasPrefix(segment, "$") {
				return false
			}
		}
		return true
	},
	validation.NewError("validation_field_path", "must be a dotted field path without empty or operator segments"),
)

// Namespace validates a "database.collection" namespace.
var Namespace = validation.NewStringRuleWithError(
	func(s string) bool {
		if s == "" {
			return true // Let Required handle empty strings
		}
		db, coll, ok := strings.Cut(s, ".")
		return ok && db != "" && coll != "" && !strings.ContainsAny(db, " /\\\"$")
	},
	validation.NewError("validation_namespace", "must be a namespace of the form database.collection"),
)

// OneOf validates that a string is one of the allowed values.
func OneOf(allowed ...string) validation.Rule {
	values := make([]interface{}, len(allowed))
	for i, v := range allowed {
		values[i] = v
	}
	return validation.In(values...).Error("must be one of: " + strings.Join(allowed, ", "))
}
