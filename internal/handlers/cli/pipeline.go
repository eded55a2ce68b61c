package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gabapcia/lnwatch/internal/node"

	"github.com/urfave/cli/v3"
)

// runPipelineCommand returns a CLI command that starts the reconciliation
// pipeline: the scheduler, the chain watcher and the checkpointing jobs.
//
// Usage example:
//
//	lnwatch run
//	lnwatch run --background
//
// The process runs indefinitely until it receives an interrupt (SIGINT or SIGTERM).
func runPipelineCommand(svc node.Service) *cli.Command {
	return &cli.Command{
		Name:        "run",
		Description: "Starts the reconciliation pipeline including periodic chain sync and fee refreshing.",
		Usage:       "Initializes and runs the full pipeline. Terminates gracefully on Ctrl+C or termination signals.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "background",
				Usage: "Run on the background cadence instead of the foreground one",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			quit := make(chan os.Signal, 1)
			defer close(quit)

			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			if c.Bool("background") {
				svc.Background()
			}

			if err := svc.Start(ctx); err != nil {
				return err
			}
			defer svc.Close()

			<-quit
			return nil
		},
	}
}
