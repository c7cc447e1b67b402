package app

import (
	"fmt"

	cryptoService "github.com/allisson/autoencrypt/internal/crypto/service"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
	kmsService "github.com/allisson/autoencrypt/internal/kms/service"
)

// KMSService returns the KMS service with every configured provider registered.
func (c *Container) KMSService() (*kmsService.Service, error) {
	var err error
	c.kmsServiceInit.Do(func() {
		c.kmsService, err = c.initKMSService()
		if err != nil {
			c.initErrors["kmsService"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["kmsService"]; exists {
		return nil, storedErr
	}
	return c.kmsService, nil
}

// initKMSService registers the aws provider, the keeper backed providers and, when
// KMS_LOCAL_MASTER_KEY is set, the local provider.
func (c *Container) initKMSService() (*kmsService.Service, error) {
	providers := []kmsService.Provider{
		kmsService.NewAWSProvider(c.config.KMSAWSAccessKeyID, c.config.KMSAWSSecretAccessKey),
	}

	opener := kmsService.NewKeeperOpener()
	for _, name := range []string{
		kmsDomain.ProviderGCP,
		kmsDomain.ProviderAzure,
		kmsDomain.ProviderVault,
		kmsDomain.ProviderGoCloud,
	} {
		providers = append(providers, kmsService.NewKeeperProvider(name, opener))
	}

	if c.config.KMSLocalMasterKey != "" {
		localMasterKey, err := kmsDomain.LoadLocalMasterKey(c.config.KMSLocalMasterKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load local master key: %w", err)
		}
		c.localMasterKey = localMasterKey
		providers = append(providers, kmsService.NewLocalProvider(localMasterKey, cryptoService.NewAEADManager()))
	}

	return kmsService.NewService(
		kmsService.Options{
			MaxRetries:      c.config.KMSMaxRetries,
			InitialInterval: c.config.KMSRetryInitialInterval,
			RequestsPerSec:  c.config.KMSRequestsPerSec,
			Burst:           c.config.KMSBurst,
		},
		c.Logger(),
		providers...,
	), nil
}
