package app

import (
	"fmt"

	"github.com/allisson/autoencrypt/internal/client"
	"github.com/allisson/autoencrypt/internal/dispatch"
	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
	schemaService "github.com/allisson/autoencrypt/internal/schema/service"
)

// SchemaRegistry returns the schema registry loaded from SCHEMA_MAP_FILE. An empty
// registry is returned when no file is configured.
func (c *Container) SchemaRegistry() (*schemaDomain.Registry, error) {
	var err error
	c.schemaRegistryInit.Do(func() {
		c.schemaRegistry, err = c.initSchemaRegistry()
		if err != nil {
			c.initErrors["schemaRegistry"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["schemaRegistry"]; exists {
		return nil, storedErr
	}
	return c.schemaRegistry, nil
}

// Dispatcher returns the dispatcher that sends commands to MongoDB.
func (c *Container) Dispatcher() (dispatch.Dispatcher, error) {
	var err error
	c.dispatcherInit.Do(func() {
		c.mongoDispatcher, err = c.initMongoDispatcher()
		if err != nil {
			c.initErrors["dispatcher"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["dispatcher"]; exists {
		return nil, storedErr
	}
	if !c.config.MetricsEnabled {
		return c.mongoDispatcher, nil
	}
	businessMetrics, err := c.BusinessMetrics()
	if err != nil {
		return nil, err
	}
	return dispatch.NewDispatcherWithMetrics(c.mongoDispatcher, businessMetrics), nil
}

// Client returns the auto encryption client.
func (c *Container) Client() (*client.AutoEncryptionClient, error) {
	var err error
	c.clientInit.Do(func() {
		c.client, err = c.initClient()
		if err != nil {
			c.initErrors["client"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["client"]; exists {
		return nil, storedErr
	}
	return c.client, nil
}

// initSchemaRegistry loads the schema map file.
func (c *Container) initSchemaRegistry() (*schemaDomain.Registry, error) {
	if c.config.SchemaMapFile == "" {
		return schemaDomain.NewRegistry()
	}
	registry, err := schemaService.LoadSchemaMapFile(c.config.SchemaMapFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema map: %w", err)
	}
	return registry, nil
}

// initMongoDispatcher creates the MongoDB dispatcher.
func (c *Container) initMongoDispatcher() (*dispatch.MongoDispatcher, error) {
	mongoClient, err := c.MongoClient()
	if err != nil {
		return nil, fmt.Errorf("failed to get mongodb client for dispatcher: %w", err)
	}
	return dispatch.NewMongoDispatcher(mongoClient, c.Logger()), nil
}

// initClient creates the auto encryption client with all its dependencies.
func (c *Container) initClient() (*client.AutoEncryptionClient, error) {
	schemas, err := c.SchemaRegistry()
	if err != nil {
		return nil, err
	}

	repo, err := c.DataKeyRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to get data key repository for client: %w", err)
	}

	txManager, err := c.TxManager()
	if err != nil {
		return nil, fmt.Errorf("failed to get tx manager for client: %w", err)
	}

	kms, err := c.KMSService()
	if err != nil {
		return nil, fmt.Errorf("failed to get kms service for client: %w", err)
	}

	dispatcher, err := c.Dispatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatcher for client: %w", err)
	}

	opts := client.Options{
		Schemas:               schemas,
		KeyVault:              repo,
		TxManager:             txManager,
		KMS:                   kms,
		Dispatcher:            dispatcher,
		KeyCacheTTL:           c.config.KeyCacheTTL,
		BypassAutoEncryption:  c.config.BypassAutoEncryption,
		MaxParallelKeyFetches: c.config.MaxParallelKeyFetches,
		Logger:                c.Logger(),
	}
	if c.config.MetricsEnabled {
		if opts.Metrics, err = c.BusinessMetrics(); err != nil {
			return nil, err
		}
	}

	return client.New(opts)
}
