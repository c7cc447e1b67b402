// Package main is the autoencrypt administration CLI: key vault migrations, data key
// management, schema validation and explicit encryption.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:     "autoencrypt",
		Usage:    "Field-level encryption key vault and schema administration",
		Version:  version,
		Commands: rootCommands(version),
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
}

func rootCommands(version string) []*cli.Command {
	var cmds []*cli.Command
	for _, group := range [][]*cli.Command{
		getSystemCommands(version),
		getKeyCommands(),
		getEncryptionCommands(),
	} {
		cmds = append(cmds, group...)
	}
	return cmds
}
