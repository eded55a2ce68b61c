package cli

import (
	"context"
	"fmt"

	"github.com/gabapcia/lnwatch/internal/node"

	"github.com/urfave/cli/v3"
)

// watchTransactionCommand returns a CLI command that registers a transaction
// for confirmation watching and immediately runs one sync pass.
//
// Usage example:
//
//	lnwatch watch-tx --txid 4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b
func watchTransactionCommand(svc node.Service) *cli.Command {
	return &cli.Command{
		Name:        "watch-tx",
		Description: "Register a transaction to be watched for confirmations and reorgs.",
		Usage:       "Registers a txid for watching and syncs once so its current state is delivered.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "txid",
				Usage:    "Transaction id to start watching (hex, big-endian)",
				Required: true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			report, err := svc.WatchTransaction(ctx, c.String("txid"))
			if err != nil {
				return err
			}

			fmt.Printf("synced to height %d (%d confirmed, %d unconfirmed)\n",
				report.Tip.Height, report.Confirmed, report.Unconfirmed)
			return nil
		},
	}
}
