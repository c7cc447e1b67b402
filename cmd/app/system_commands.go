package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/autoencrypt/cmd/app/commands"
	"github.com/allisson/autoencrypt/internal/app"
	"github.com/allisson/autoencrypt/internal/config"
)

func getSystemCommands(version string) []*cli.Command {
	return []*cli.Command{
		{
			Name:  "migrate",
			Usage: "Prepare the key vault (SQL migrations or MongoDB indexes)",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				cfg := config.Load()
				if err := cfg.Validate(); err != nil {
					return err
				}
				container := app.NewContainer(cfg)
				defer func() { _ = container.Shutdown(ctx) }()

				var indexes commands.IndexEnsurer
				if cfg.KeyVaultBackend == config.BackendMongoDB {
					repo, err := container.DataKeyRepository()
					if err != nil {
						return err
					}
					indexes, _ = repo.(commands.IndexEnsurer)
				}

				return commands.RunMigrations(
					ctx,
					container.Logger(),
					cfg.KeyVaultBackend,
					cfg.DBConnectionString,
					indexes,
				)
			},
		},
		{
			Name:  "validate-schema",
			Usage: "Load and validate a schema map file",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "file",
					Aliases: []string{"f"},
					Usage:   "Schema map file (defaults to SCHEMA_MAP_FILE)",
				},
				&cli.StringFlag{
					Name:  "format",
					Value: "text",
					Usage: "Output format: 'text' or 'json'",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				path := cmd.String("file")
				if path == "" {
					path = config.Load().SchemaMapFile
				}
				return commands.RunValidateSchema(commands.DefaultIO().Writer, path, cmd.String("format"))
			},
		},
		{
			Name:  "version",
			Usage: "Print the application version",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				_, err := commands.DefaultIO().Writer.Write([]byte(version + "\n"))
				return err
			},
		},
	}
}
