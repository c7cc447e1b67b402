package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Config holds the SQL key vault connection settings.
type Config struct {
	// Driver is "postgres" or "mysql".
	Driver             string
	ConnectionString   string
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// Connect opens a SQL key vault connection and pings it.
//
// MySQL connections always parse DATETIME columns into time.Time, whatever the DSN says,
// because data key timestamps are scanned as time.Time.
func Connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn := cfg.ConnectionString
	switch cfg.Driver {
	case "postgres":
	case "mysql":
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql connection string: %w", err)
		}
		parsed.ParseTime = true
		dsn = parsed.FormatDSN()
	default:
		return nil, fmt.Errorf("unsupported key vault driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
