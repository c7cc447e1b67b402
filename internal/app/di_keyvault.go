package app

import (
	"fmt"

	"github.com/allisson/autoencrypt/internal/config"
	keyvaultRepository "github.com/allisson/autoencrypt/internal/keyvault/repository"
	keyvaultUsecase "github.com/allisson/autoencrypt/internal/keyvault/usecase"
)

// DataKeyRepository returns the key vault repository of the configured backend.
func (c *Container) DataKeyRepository() (keyvaultUsecase.DataKeyRepository, error) {
	var err error
	c.dataKeyRepoInit.Do(func() {
		c.dataKeyRepo, err = c.initDataKeyRepository()
		if err != nil {
			c.initErrors["dataKeyRepo"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["dataKeyRepo"]; exists {
		return nil, storedErr
	}
	return c.dataKeyRepo, nil
}

// DataKeyUseCase returns the data key administration use case.
//
// It is independent from the client so the CLI can manage keys without a MongoDB
// deployment when the key vault lives in a SQL database.
func (c *Container) DataKeyUseCase() (keyvaultUsecase.DataKeyUseCase, error) {
	var err error
	c.dataKeyUseCaseInit.Do(func() {
		c.dataKeyUseCase, err = c.initDataKeyUseCase()
		if err != nil {
			c.initErrors["dataKeyUseCase"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["dataKeyUseCase"]; exists {
		return nil, storedErr
	}
	return c.dataKeyUseCase, nil
}

// initDataKeyRepository selects the repository based on the key vault backend.
func (c *Container) initDataKeyRepository() (keyvaultUsecase.DataKeyRepository, error) {
	switch c.config.KeyVaultBackend {
	case config.BackendMongoDB:
		dbName, collName, err := keyvaultRepository.SplitNamespace(c.config.KeyVaultNamespace)
		if err != nil {
			return nil, err
		}
		mongoClient, err := c.MongoClient()
		if err != nil {
			return nil, fmt.Errorf("failed to get mongodb client for data key repository: %w", err)
		}
		return keyvaultRepository.NewMongoDataKeyRepository(
			mongoClient.Database(dbName).Collection(collName),
		), nil
	case config.BackendPostgres, config.BackendMySQL:
		db, err := c.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database for data key repository: %w", err)
		}
		if c.config.KeyVaultBackend == config.BackendMySQL {
			return keyvaultRepository.NewMySQLDataKeyRepository(db), nil
		}
		return keyvaultRepository.NewPostgreSQLDataKeyRepository(db), nil
	default:
		return nil, fmt.Errorf("unsupported key vault backend: %s", c.config.KeyVaultBackend)
	}
}

// initDataKeyUseCase creates the data key use case with all its dependencies.
func (c *Container) initDataKeyUseCase() (keyvaultUsecase.DataKeyUseCase, error) {
	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for data key use case: %w", err)
	}

	repo, err := c.DataKeyRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get data key repository for data key use case: %w", err)
	}

	kms, err := c.KMSService()
	if err != nil {
		return nil, fmt.Errorf("failed to get kms service for data key use case: %w", err)
	}

	return keyvaultUsecase.NewDataKeyUseCase(txManager, repo, kms, nil, c.Logger()), nil
}
