// Package main provides the entry point for the secrets daemon CLI.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/allisson/secretsd/cmd/app/commands"
)

var version = "1.0.0"

func main() {
	cmd := &cli.Command{
		Name:    "secretsd",
		Usage:   "Centralized secrets daemon",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "daemon",
				Usage: "Start the secrets daemon",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunDaemon(ctx, version)
				},
			},
			{
				Name:  "generate-store",
				Usage: "Encrypt a plaintext JSON credential mapping into the store file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "input",
						Aliases: []string{"i"},
						Value:   "-",
						Usage:   "Plaintext JSON input file ('-' for stdin)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunGenerateStore(ctx, commands.DefaultIO(), cmd.String("input"))
				},
			},
			{
				Name:  "check-config",
				Usage: "Validate configuration, rules, and key material without starting",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunCheckConfig(commands.DefaultIO())
				},
			},
			{
				Name:  "verify-audit",
				Usage: "Verify audit log entry signatures for tamper detection",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "path",
						Aliases: []string{"p"},
						Value:   "",
						Usage:   "Audit log file (defaults to AUDIT_PATH)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunVerifyAudit(ctx, commands.DefaultIO(), cmd.String("path"))
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.Any("error", err))
		os.Exit(1)
	}
}
