package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/autoencrypt/cmd/app/commands"
	"github.com/allisson/autoencrypt/internal/client"
)

// withClient loads the configuration, builds the auto encryption client and runs fn.
func withClient(ctx context.Context, fn func(c *client.AutoEncryptionClient) error) error {
	container, err := newContainer()
	if err != nil {
		return err
	}
	defer func() { _ = container.Shutdown(ctx) }()

	c, err := container.Client()
	if err != nil {
		return err
	}
	return fn(c)
}

func getEncryptionCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "encrypt-value",
			Usage: "Explicitly encrypt one Extended JSON value",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "key-id", Usage: "Data key ID (UUID)"},
				&cli.StringFlag{Name: "key-alt-name", Usage: "Data key alternate name"},
				&cli.StringFlag{
					Name:  "algorithm",
					Value: "random",
					Usage: "Algorithm: 'deterministic', 'random' or the full AEAD name",
				},
				&cli.StringFlag{
					Name:     "value",
					Aliases:  []string{"v"},
					Required: true,
					Usage:    "Value as relaxed Extended JSON (e.g., '\"text\"', '42')",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withClient(ctx, func(c *client.AutoEncryptionClient) error {
					return commands.RunEncryptValue(
						ctx,
						c,
						commands.DefaultIO().Writer,
						cmd.String("key-id"),
						cmd.String("key-alt-name"),
						cmd.String("algorithm"),
						cmd.String("value"),
					)
				})
			},
		},
		{
			Name:  "decrypt-value",
			Usage: "Explicitly decrypt one base64 ciphertext",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "value",
					Aliases:  []string{"v"},
					Required: true,
					Usage:    "Base64 ciphertext as printed by encrypt-value",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withClient(ctx, func(c *client.AutoEncryptionClient) error {
					return commands.RunDecryptValue(ctx, c, commands.DefaultIO().Writer, cmd.String("value"))
				})
			},
		},
	}
}
