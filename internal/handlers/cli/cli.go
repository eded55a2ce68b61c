package cli

import (
	"context"
	"os"

	"github.com/gabapcia/lnwatch/internal/node"

	"github.com/urfave/cli/v3"
)

// Run initializes and executes the lnwatch CLI application.
//
// It registers all available commands, including:
//
//   - `run`: Starts the reconciliation pipeline (scheduler plus chain watcher).
//   - `watch-tx`: Registers a transaction for watching and syncs once.
//   - `notify`: Handles a single push notification payload.
//
// Parameters:
//   - ctx: Context used to control the lifecycle of the CLI application.
//   - svc: The node service implementation used by all commands.
//
// This function sets up shell completion and invokes the CLI framework to parse and run commands.
func Run(ctx context.Context, svc node.Service) error {
	app := &cli.Command{
		EnableShellCompletion: true,
		Name:                  "lnwatch",
		Description:           "Command-line interface for running the lnwatch chain reconciliation pipeline.",
		Usage:                 "lnwatch [command] [flags]",
		Commands: []*cli.Command{
			runPipelineCommand(svc),
			watchTransactionCommand(svc),
			handleNotificationCommand(svc),
		},
	}

	return app.Run(ctx, os.Args)
}
