package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"gocloud.dev/secrets"

	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"

	// Register all KMS provider drivers
	_ "gocloud.dev/secrets/awskms"
	_ "gocloud.dev/secrets/azurekeyvault"
	_ "gocloud.dev/secrets/gcpkms"
	_ "gocloud.dev/secrets/hashivault"
	_ "gocloud.dev/secrets/localsecrets"
)

// keeperOpener implements KeeperOpener using gocloud.dev/secrets.
type keeperOpener struct{}

// NewKeeperOpener creates a KeeperOpener backed by gocloud.dev/secrets.
func NewKeeperOpener() KeeperOpener {
	return &keeperOpener{}
}

// OpenKeeper opens a secrets.Keeper for the configured KMS provider using the keyURI.
// Supports: gcpkms://, awskms://, azurekeyvault://, hashivault://, base64key://
func (k *keeperOpener) OpenKeeper(ctx context.Context, keyURI string) (Keeper, error) {
	keeper, err := secrets.OpenKeeper(ctx, keyURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open KMS keeper: %w", err)
	}
	return keeper, nil
}

// KeeperProvider wraps data keys through a gocloud.dev/secrets keeper.
//
// The keeper URI is derived from the master key (see KeeperURI). Opened keepers are cached
// by URI until Close.
type KeeperProvider struct {
	name   string
	opener KeeperOpener

	mu      sync.Mutex
	keepers map[string]Keeper
}

// NewKeeperProvider creates a KeeperProvider registered under name
// (one of gcp, azure, vault, gocloud).
func NewKeeperProvider(name string, opener KeeperOpener) *KeeperProvider {
	return &KeeperProvider{
		name:    name,
		opener:  opener,
		keepers: make(map[string]Keeper),
	}
}

// Name returns the provider name given at construction.
func (p *KeeperProvider) Name() string {
	return p.name
}

// Wrap encrypts key with the keeper for masterKey.
func (p *KeeperProvider) Wrap(ctx context.Context, masterKey kmsDomain.MasterKey, key []byte) ([]byte, error) {
	keeper, err := p.keeper(ctx, masterKey)
	if err != nil {
		return nil, err
	}
	return keeper.Encrypt(ctx, key)
}

// Unwrap decrypts wrapped with the keeper for masterKey.
func (p *KeeperProvider) Unwrap(ctx context.Context, masterKey kmsDomain.MasterKey, wrapped []byte) ([]byte, error) {
	keeper, err := p.keeper(ctx, masterKey)
	if err != nil {
		return nil, err
	}
	return keeper.Decrypt(ctx, wrapped)
}

// Close closes every cached keeper.
func (p *KeeperProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for uri, keeper := range p.keepers {
		if err := keeper.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.keepers, uri)
	}
	return errors.Join(errs...)
}

func (p *KeeperProvider) keeper(ctx context.Context, masterKey kmsDomain.MasterKey) (Keeper, error) {
	uri, err := KeeperURI(masterKey)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if keeper, ok := p.keepers[uri]; ok {
		return keeper, nil
	}
	keeper, err := p.opener.OpenKeeper(ctx, uri)
	if err != nil {
		return nil, err
	}
	p.keepers[uri] = keeper
	return keeper, nil
}

// KeeperURI builds the gocloud.dev/secrets URI for a master key.
//
//   - gcp: gcpkms://projects/{projectId}/locations/{location}/keyRings/{keyRing}/cryptoKeys/{keyName}
//   - azure: azurekeyvault://{keyVaultEndpoint}/keys/{keyName}[/{keyVersion}]
//   - vault: hashivault://{keyName}
//   - gocloud: the keyURI param as is
func KeeperURI(masterKey kmsDomain.MasterKey) (string, error) {
	switch masterKey.Provider {
	case kmsDomain.ProviderGCP:
		projectID := masterKey.Param("projectId")
		location := masterKey.Param("location")
		keyRing := masterKey.Param("keyRing")
		keyName := masterKey.Param("keyName")
		if projectID == "" || location == "" || keyRing == "" || keyName == "" {
			return "", fmt.Errorf(
				"%w: gcp master key requires projectId, location, keyRing and keyName",
				kmsDomain.ErrInvalidMasterKey,
			)
		}
		return fmt.Sprintf(
			"gcpkms://projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s",
			projectID, location, keyRing, keyName,
		), nil

	case kmsDomain.ProviderAzure:
		endpoint := masterKey.Param("keyVaultEndpoint")
		keyName := masterKey.Param("keyName")
		if endpoint == "" || keyName == "" {
			return "", fmt.Errorf(
				"%w: azure master key requires keyVaultEndpoint and keyName",
				kmsDomain.ErrInvalidMasterKey,
			)
		}
		if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
			endpoint = u.Host
		}
		uri := fmt.Sprintf("azurekeyvault://%s/keys/%s", strings.TrimSuffix(endpoint, "/"), keyName)
		if version := masterKey.Param("keyVersion"); version != "" {
			uri += "/" + version
		}
		return uri, nil

	case kmsDomain.ProviderVault:
		keyName := masterKey.Param("keyName")
		if keyName == "" {
			return "", fmt.Errorf("%w: vault master key requires keyName", kmsDomain.ErrInvalidMasterKey)
		}
		return "hashivault://" + keyName, nil

	case kmsDomain.ProviderGoCloud:
		keyURI := masterKey.Param("keyURI")
		if keyURI == "" {
			return "", fmt.Errorf("%w: gocloud master key requires keyURI", kmsDomain.ErrInvalidMasterKey)
		}
		return keyURI, nil

	default:
		return "", fmt.Errorf("%w: %q", kmsDomain.ErrUnknownProvider, masterKey.Provider)
	}
}
