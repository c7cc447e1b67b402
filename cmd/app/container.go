package main

import (
	"log/slog"

	"github.com/allisson/autoencrypt/internal/app"
	"github.com/allisson/autoencrypt/internal/config"
)

// newContainer loads and validates the configuration and builds the container. When a
// metrics port is configured the metrics server runs until the container shuts down.
func newContainer() (*app.Container, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	container := app.NewContainer(cfg)

	server, err := container.MetricsServer()
	if err != nil {
		return nil, err
	}
	if server != nil {
		logger := container.Logger()
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}
	return container, nil
}
