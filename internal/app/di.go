// Package app provides dependency injection container for assembling application components.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/allisson/autoencrypt/internal/client"
	"github.com/allisson/autoencrypt/internal/config"
	"github.com/allisson/autoencrypt/internal/database"
	"github.com/allisson/autoencrypt/internal/dispatch"
	"github.com/allisson/autoencrypt/internal/errors"
	keyvaultUsecase "github.com/allisson/autoencrypt/internal/keyvault/usecase"
	kmsDomain "github.com/allisson/autoencrypt/internal/kms/domain"
	kmsService "github.com/allisson/autoencrypt/internal/kms/service"
	"github.com/allisson/autoencrypt/internal/metrics"
	schemaDomain "github.com/allisson/autoencrypt/internal/schema/domain"
)

// Container holds all application dependencies and provides methods to access them.
// It follows the lazy initialization pattern - components are created on first access.
type Container struct {
	// Configuration
	config *config.Config

	// Infrastructure
	logger          *slog.Logger
	mongoClient     *mongo.Client
	db              *sql.DB
	metricsProvider *metrics.Provider
	businessMetrics metrics.BusinessMetrics
	metricsServer   *metrics.Server

	// Managers
	txManager database.TxManager

	// Key management
	localMasterKey *kmsDomain.LocalMasterKey
	kmsService     *kmsService.Service

	// Repositories
	dataKeyRepo keyvaultUsecase.DataKeyRepository

	// Use Cases
	dataKeyUseCase keyvaultUsecase.DataKeyUseCase

	// Encryption
	schemaRegistry  *schemaDomain.Registry
	mongoDispatcher *dispatch.MongoDispatcher
	client          *client.AutoEncryptionClient

	// Initialization flags and mutex for thread-safety
	mu                  sync.Mutex
	loggerInit          sync.Once
	mongoClientInit     sync.Once
	dbInit              sync.Once
	metricsInit         sync.Once
	businessMetricsInit sync.Once
	metricsServerInit   sync.Once
	txManagerInit       sync.Once
	kmsServiceInit      sync.Once
	dataKeyRepoInit     sync.Once
	dataKeyUseCaseInit  sync.Once
	schemaRegistryInit  sync.Once
	dispatcherInit      sync.Once
	clientInit          sync.Once
	initErrors          map[string]error
}

// NewContainer creates a new dependency injection container with the provided configuration.
func NewContainer(cfg *config.Config) *Container {
	return &Container{
		config:     cfg,
		initErrors: make(map[string]error),
	}
}

// Config returns the application configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the configured logger instance.
// It creates a new logger on first access based on the log level in configuration.
func (c *Container) Logger() *slog.Logger {
	c.loggerInit.Do(func() {
		c.logger = c.initLogger()
	})
	return c.logger
}

// MongoClient returns the MongoDB client used for command dispatch and the MongoDB key vault.
func (c *Container) MongoClient() (*mongo.Client, error) {
	var err error
	c.mongoClientInit.Do(func() {
		c.mongoClient, err = c.initMongoClient()
		if err != nil {
			c.initErrors["mongoClient"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["mongoClient"]; exists {
		return nil, storedErr
	}
	return c.mongoClient, nil
}

// DB returns the SQL key vault connection.
// It creates and configures the database connection on first access.
func (c *Container) DB() (*sql.DB, error) {
	var err error
	c.dbInit.Do(func() {
		c.db, err = c.initDB()
		if err != nil {
			c.initErrors["db"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["db"]; exists {
		return nil, storedErr
	}
	return c.db, nil
}

// TxManager returns the transaction manager of the configured key vault backend.
func (c *Container) TxManager() (database.TxManager, error) {
	var err error
	c.txManagerInit.Do(func() {
		c.txManager, err = c.initTxManager()
		if err != nil {
			c.initErrors["txManager"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["txManager"]; exists {
		return nil, storedErr
	}
	return c.txManager, nil
}

// MetricsProvider returns the metrics provider, or nil when metrics are disabled.
func (c *Container) MetricsProvider() (*metrics.Provider, error) {
	var err error
	c.metricsInit.Do(func() {
		c.metricsProvider, err = c.initMetricsProvider()
		if err != nil {
			c.initErrors["metricsProvider"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsProvider"]; exists {
		return nil, storedErr
	}
	return c.metricsProvider, nil
}

// BusinessMetrics returns the business metrics recorder. A no-op recorder is returned when
// metrics are disabled.
func (c *Container) BusinessMetrics() (metrics.BusinessMetrics, error) {
	var err error
	c.businessMetricsInit.Do(func() {
		c.businessMetrics, err = c.initBusinessMetrics()
		if err != nil {
			c.initErrors["businessMetrics"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["businessMetrics"]; exists {
		return nil, storedErr
	}
	return c.businessMetrics, nil
}

// MetricsServer returns the HTTP server exposing the metrics registry, or nil when metrics
// are disabled or METRICS_PORT is zero.
func (c *Container) MetricsServer() (*metrics.Server, error) {
	var err error
	c.metricsServerInit.Do(func() {
		c.metricsServer, err = c.initMetricsServer()
		if err != nil {
			c.initErrors["metricsServer"] = err
		}
	})
	if err != nil {
		return nil, err
	}
	if storedErr, exists := c.initErrors["metricsServer"]; exists {
		return nil, storedErr
	}
	return c.metricsServer, nil
}

// Shutdown performs cleanup of all initialized resources.
// It should be called when the application is shutting down.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shutdownErrors []error

	// The client owns the KMS service and closes it together with its sessions and key cache
	if c.client != nil {
		if err := c.client.Close(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("client close: %w", err))
		}
	} else if c.kmsService != nil {
		if err := c.kmsService.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("kms close: %w", err))
		}
	}

	if c.mongoDispatcher != nil {
		c.mongoDispatcher.Close(ctx)
	}

	if c.mongoClient != nil {
		if err := c.mongoClient.Disconnect(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("mongodb disconnect: %w", err))
		}
	}

	// Close database connection if initialized
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("database close: %w", err))
		}
	}

	if c.localMasterKey != nil {
		c.localMasterKey.Close()
	}

	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	if c.metricsProvider != nil {
		if err := c.metricsProvider.Shutdown(ctx); err != nil {
			shutdownErrors = append(shutdownErrors, fmt.Errorf("metrics shutdown: %w", err))
		}
	}

	// Return combined errors if any occurred
	if len(shutdownErrors) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(shutdownErrors...))
	}

	return nil
}

// initLogger creates and configures a structured logger based on the log level.
func (c *Container) initLogger() *slog.Logger {
	var logLevel slog.Level
	switch c.config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// Commands print their results on stdout
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(handler)
}

// initMongoClient connects to the configured MongoDB deployment.
func (c *Container) initMongoClient() (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.MongoDBTimeout)
	defer cancel()

	client, err := database.ConnectMongo(ctx, c.config.MongoDBURI, c.config.MongoDBTimeout)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// initDB creates and configures the SQL key vault connection.
func (c *Container) initDB() (*sql.DB, error) {
	if !c.sqlBackend() {
		return nil, fmt.Errorf("key vault backend %q does not use a sql database", c.config.KeyVaultBackend)
	}

	db, err := database.Connect(context.Background(), database.Config{
		Driver:             c.config.KeyVaultBackend,
		ConnectionString:   c.config.DBConnectionString,
		MaxOpenConnections: c.config.DBMaxOpenConnections,
		MaxIdleConnections: c.config.DBMaxIdleConnections,
		ConnMaxLifetime:    c.config.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// initTxManager creates the transaction manager for the key vault backend.
func (c *Container) initTxManager() (database.TxManager, error) {
	if c.sqlBackend() {
		db, err := c.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get database for tx manager: %w", err)
		}
		return database.NewTxManager(db), nil
	}

	mongoClient, err := c.MongoClient()
	if err != nil {
		return nil, fmt.Errorf("failed to get mongodb client for tx manager: %w", err)
	}
	return database.NewMongoTxManager(mongoClient), nil
}

// initMetricsProvider creates the Prometheus backed provider when metrics are enabled.
func (c *Container) initMetricsProvider() (*metrics.Provider, error) {
	if !c.config.MetricsEnabled {
		return nil, nil
	}
	provider, err := metrics.NewProvider(c.config.MetricsNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics provider: %w", err)
	}
	return provider, nil
}

// initBusinessMetrics creates the business metrics recorder.
func (c *Container) initBusinessMetrics() (metrics.BusinessMetrics, error) {
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return metrics.NewNoOpBusinessMetrics(), nil
	}
	return metrics.NewBusinessMetrics(provider.MeterProvider(), provider.Namespace())
}

func (c *Container) sqlBackend() bool {
	return c.config.KeyVaultBackend == config.BackendPostgres || c.config.KeyVaultBackend == config.BackendMySQL
}

// initMetricsServer creates the metrics server when metrics are enabled and a port is set.
func (c *Container) initMetricsServer() (*metrics.Server, error) {
	if c.config.MetricsPort == 0 {
		return nil, nil
	}
	provider, err := c.MetricsProvider()
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, nil
	}
	return metrics.NewServer(c.config.MetricsHost, c.config.MetricsPort, c.Logger(), provider), nil
}
