package validation

import (
	"encoding/base64"
	"fmt"

	validation "github.com/jellydator/validation"
)

// Base64Key validates standard base64 text decoding to exactly size bytes. Empty strings
// pass so the rule composes with Required.
func Base64Key(size int) validation.Rule {
	return validation.By(func(value interface{}) error {
		s, ok := value.(string)
		if !ok {
			return validation.NewError("validation_base64_type", "must be a string")
		}
		if s == "" {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return validation.NewError("validation_base64", "must be valid base64-encoded data")
		}
		if len(raw) != size {
			return validation.NewError("validation_base64_size",
				fmt.Sprintf("must decode to %d bytes, got %d", size, len(raw)))
		}
		return nil
	})
}
