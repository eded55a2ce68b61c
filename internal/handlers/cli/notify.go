package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/gabapcia/lnwatch/internal/node"
	"github.com/gabapcia/lnwatch/internal/notification"

	"github.com/urfave/cli/v3"
)

// handleNotificationCommand returns a CLI command that processes one push
// notification payload under a hard deadline.
//
// Usage example:
//
//	lnwatch notify --payload '{"template":"payment_received","data":{"payment_hash":"..."}}'
func handleNotificationCommand(svc node.Service) *cli.Command {
	return &cli.Command{
		Name:        "notify",
		Description: "Handle a single push notification payload with a deadline-bounded sync.",
		Usage:       "Parses the payload, syncs the chain and reports whether the expected event happened.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "payload",
				Usage:    "Raw notification payload JSON",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Hard deadline for the whole handling",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "payment-received",
				Usage: "Enable handling of payment_received payloads",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "address-txs-confirmed",
				Usage: "Enable handling of address_txs_confirmed payloads",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "lnurl-pay-request",
				Usage: "Enable handling of lnurl_pay_request payloads",
				Value: true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			toggles := notification.Toggles{
				PaymentReceivedIsEnabled:     c.Bool("payment-received"),
				AddressTxsConfirmedIsEnabled: c.Bool("address-txs-confirmed"),
				LnurlPayRequestIsEnabled:     c.Bool("lnurl-pay-request"),
			}

			outcome, err := svc.HandleNotification(ctx, c.String("payload"), toggles, c.Duration("timeout"))
			if err != nil {
				return err
			}

			switch n := outcome.(type) {
			case notification.PaymentReceived:
				fmt.Printf("payment received: %d sat (%s)\n", n.AmountSat, n.PaymentHash)
			case notification.OnchainPaymentSwappedIn:
				fmt.Printf("onchain payment swapped in: %d sat (%s)\n", n.AmountSat, n.PaymentHash)
			case notification.LnurlInvoiceCreated:
				fmt.Printf("lnurl invoice created: %d sat\n", n.AmountSat)
			case notification.NoMatchingEvent:
				fmt.Println("no matching event before the deadline")
			}
			return nil
		},
	}
}
