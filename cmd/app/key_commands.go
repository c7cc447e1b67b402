package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/allisson/autoencrypt/cmd/app/commands"
	"github.com/allisson/autoencrypt/internal/app"
	keyvaultUsecase "github.com/allisson/autoencrypt/internal/keyvault/usecase"
)

var formatFlag = &cli.StringFlag{
	Name:  "format",
	Value: "text",
	Usage: "Output format: 'text' or 'json'",
}

// withDataKeyUseCase loads the configuration, builds the data key use case and runs fn.
func withDataKeyUseCase(
	ctx context.Context,
	fn func(container *app.Container, useCase keyvaultUsecase.DataKeyUseCase) error,
) error {
	container, err := newContainer()
	if err != nil {
		return err
	}
	defer func() { _ = container.Shutdown(ctx) }()

	useCase, err := container.DataKeyUseCase()
	if err != nil {
		return err
	}
	return fn(container, useCase)
}

func getKeyCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "create-local-master-key",
			Usage: "Generate a 96-byte master key for the local KMS provider",
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return commands.RunCreateLocalMasterKey(commands.DefaultIO().Writer)
			},
		},
		{
			Name:  "create-data-key",
			Usage: "Create a data key wrapped by a KMS master key",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "provider",
					Aliases:  []string{"p"},
					Required: true,
					Usage:    "KMS provider (local, aws, gcp, azure, vault, gocloud)",
				},
				&cli.StringSliceFlag{
					Name:    "master-key-param",
					Aliases: []string{"m"},
					Usage:   "Master key parameter as key=value (e.g., region=us-east-1, key=arn:...)",
				},
				&cli.StringSliceFlag{
					Name:    "alt-name",
					Aliases: []string{"a"},
					Usage:   "Alternate name for the data key",
				},
				formatFlag,
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withDataKeyUseCase(ctx, func(container *app.Container, useCase keyvaultUsecase.DataKeyUseCase) error {
					return commands.RunCreateDataKey(
						ctx,
						useCase,
						container.Logger(),
						commands.DefaultIO().Writer,
						cmd.String("provider"),
						cmd.StringSlice("master-key-param"),
						cmd.StringSlice("alt-name"),
						cmd.String("format"),
					)
				})
			},
		},
		{
			Name:  "rewrap-data-keys",
			Usage: "Rewrap data keys under a new master key, or under their current one",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "from-provider",
					Usage: "Only rewrap keys currently wrapped by this provider",
				},
				&cli.StringFlag{
					Name:    "provider",
					Aliases: []string{"p"},
					Usage:   "KMS provider of the new master key (omit to keep each key's master key)",
				},
				&cli.StringSliceFlag{
					Name:    "master-key-param",
					Aliases: []string{"m"},
					Usage:   "New master key parameter as key=value",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withDataKeyUseCase(ctx, func(container *app.Container, useCase keyvaultUsecase.DataKeyUseCase) error {
					return commands.RunRewrapDataKeys(
						ctx,
						useCase,
						container.Logger(),
						commands.DefaultIO().Writer,
						cmd.String("from-provider"),
						cmd.String("provider"),
						cmd.StringSlice("master-key-param"),
					)
				})
			},
		},
		{
			Name:  "list-data-keys",
			Usage: "List the data keys of the key vault",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "provider",
					Aliases: []string{"p"},
					Usage:   "Only list keys wrapped by this provider",
				},
				formatFlag,
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withDataKeyUseCase(ctx, func(container *app.Container, useCase keyvaultUsecase.DataKeyUseCase) error {
					return commands.RunListDataKeys(
						ctx,
						useCase,
						commands.DefaultIO().Writer,
						cmd.String("provider"),
						cmd.String("format"),
					)
				})
			},
		},
		{
			Name:  "delete-data-key",
			Usage: "Delete a data key; values encrypted under it become unreadable",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Aliases:  []string{"i"},
					Required: true,
					Usage:    "Data key ID (UUID)",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withDataKeyUseCase(ctx, func(container *app.Container, useCase keyvaultUsecase.DataKeyUseCase) error {
					return commands.RunDeleteDataKey(
						ctx,
						useCase,
						container.Logger(),
						commands.DefaultIO().Writer,
						cmd.String("id"),
					)
				})
			},
		},
		{
			Name:  "add-key-alt-name",
			Usage: "Add an alternate name to a data key",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "id", Aliases: []string{"i"}, Required: true, Usage: "Data key ID (UUID)"},
				&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Usage: "Alternate name"},
				formatFlag,
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withDataKeyUseCase(ctx, func(container *app.Container, useCase keyvaultUsecase.DataKeyUseCase) error {
					return commands.RunAddKeyAltName(
						ctx,
						useCase,
						commands.DefaultIO().Writer,
						cmd.String("id"),
						cmd.String("name"),
						cmd.String("format"),
					)
				})
			},
		},
		{
			Name:  "remove-key-alt-name",
			Usage: "Remove an alternate name from a data key",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "id", Aliases: []string{"i"}, Required: true, Usage: "Data key ID (UUID)"},
				&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Usage: "Alternate name"},
				formatFlag,
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withDataKeyUseCase(ctx, func(container *app.Container, useCase keyvaultUsecase.DataKeyUseCase) error {
					return commands.RunRemoveKeyAltName(
						ctx,
						useCase,
						commands.DefaultIO().Writer,
						cmd.String("id"),
						cmd.String("name"),
						cmd.String("format"),
					)
				})
			},
		},
	}
}
