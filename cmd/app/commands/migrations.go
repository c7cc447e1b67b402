package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/allisson/autoencrypt/internal/config"
)

// IndexEnsurer creates the indexes a MongoDB key vault relies on.
type IndexEnsurer interface {
	EnsureIndexes(ctx context.Context) error
}

// RunMigrations prepares the key vault. SQL backends apply the pending migrations from
// migrations/<driver>; the MongoDB backend creates the unique keyAltNames index.
// Returns nil when there is nothing to apply.
func RunMigrations(
	ctx context.Context,
	logger *slog.Logger,
	backend string,
	connectionString string,
	indexes IndexEnsurer,
) error {
	logger.Info("running key vault migrations", slog.String("backend", backend))

	switch backend {
	case config.BackendMongoDB:
		if indexes == nil {
			return fmt.Errorf("mongodb key vault repository does not support indexes")
		}
		if err := indexes.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("failed to create key vault indexes: %w", err)
		}
	case config.BackendPostgres, config.BackendMySQL:
		// Determine migration path based on driver
		migrationsPath := "file://migrations/postgresql"
		if backend == config.BackendMySQL {
			migrationsPath = "file://migrations/mysql"
		}

		m, err := migrate.New(migrationsPath, connectionString)
		if err != nil {
			return fmt.Errorf("failed to create migrate instance: %w", err)
		}
		defer closeMigrate(m, logger)

		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	default:
		return fmt.Errorf("unsupported key vault backend: %s", backend)
	}

	logger.Info("migrations completed successfully")
	return nil
}
