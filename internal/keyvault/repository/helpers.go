package repository

import (
	"encoding/json"
	"sort"

	apperrors "github.com/allisson/autoencrypt/internal/errors"
)

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func marshalParams(params map[string]string) ([]byte, error) {
	if params == nil {
		params = map[string]string{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal master key params")
	}
	return b, nil
}

func unmarshalParams(b []byte) (map[string]string, error) {
	params := map[string]string{}
	if len(b) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(b, &params); err != nil {
		return nil, apperrors.Wrap(err, "failed to unmarshal master key params")
	}
	return params, nil
}
