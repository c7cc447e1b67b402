// Package domain defines master key descriptors and errors for the key management
// providers that wrap and unwrap data keys.
package domain

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Provider names recorded on key vault documents.
const (
	ProviderLocal   = "local"
	ProviderAWS     = "aws"
	ProviderGCP     = "gcp"
	ProviderAzure   = "azure"
	ProviderVault   = "vault"
	ProviderGoCloud = "gocloud"
)

// MasterKey identifies the key that protects a data key and the provider that holds it.
//
// Params are provider specific, for example:
//   - aws: region, key (ARN or alias), endpoint (optional)
//   - gcp: projectId, location, keyRing, keyName
//   - azure: keyVaultEndpoint, keyName, keyVersion (optional)
//   - vault: keyName
//   - gocloud: keyURI
//   - local: no params
type MasterKey struct {
	Provider string
	Params   map[string]string
}

// Param returns the named parameter, or an empty string when unset.
func (m MasterKey) Param(name string) string {
	return m.Params[name]
}

// Clone returns a deep copy of the master key.
func (m MasterKey) Clone() MasterKey {
	return MasterKey{Provider: m.Provider, Params: maps.Clone(m.Params)}
}

// String renders the provider and its parameters in a stable order, suitable for logs.
func (m MasterKey) String() string {
	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, m.Params[k]))
	}
	return fmt.Sprintf("%s{%s}", m.Provider, strings.Join(parts, ","))
}

// ParseMasterKeyParams parses "k=v" pairs as given on the command line.
func ParseMasterKeyParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMasterKey, pair)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params, nil
}
