package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/temporal"
	"github.com/urfave/cli/v2"
)

// payoutScheduler is the part of the temporal client the payout commands use.
type payoutScheduler interface {
	SchedulePayoutRetry(ctx context.Context, req payment.PayoutRequest) error
	PayoutResult(ctx context.Context, userSignature string) (*temporal.MerchantPayoutResult, error)
	Close()
}

// dialPayouts is replaced in tests.
var dialPayouts = func(c *cli.Context) (payoutScheduler, error) {
	tc, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("temporal-task-queue"),
		cliLogger(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}
	return tc, nil
}

func payoutCommands() *cli.Command {
	return &cli.Command{
		Name:  "payout",
		Usage: "Inspect and schedule merchant payout retries",
		Subcommands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "Wait for the payout workflow of a settlement and show its result",
				ArgsUsage: "USER_SIGNATURE",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "How long to wait for the workflow to finish",
						Value: 30 * time.Second,
					},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("user signature is required")
					}
					tc, err := dialPayouts(c)
					if err != nil {
						return err
					}
					defer tc.Close()

					ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
					defer cancel()

					result, err := tc.PayoutResult(ctx, c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to get payout result: %w", err)
					}

					return render(c, result, func(w io.Writer) {
						fmt.Fprintf(w, "Workflow:   %s\n", temporal.PayoutWorkflowID(result.UserSignature))
						fmt.Fprintf(w, "Status:     %s\n", result.Status)
						if result.PayoutSignature != "" {
							fmt.Fprintf(w, "Payout tx:  %s\n", result.PayoutSignature)
						}
						if result.Error != nil {
							fmt.Fprintf(w, "Error:      %s\n", *result.Error)
						}
						fmt.Fprintf(w, "Completed:  %s\n", result.CompletedAt.Format(time.RFC3339))
					})
				},
			},
			{
				Name:      "retry",
				Usage:     "Schedule a durable payout for a settled user transaction",
				ArgsUsage: "USER_SIGNATURE",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "network", Aliases: []string{"n"}, Usage: "Network of the settlement", Required: true},
					&cli.StringFlag{Name: "merchant", Aliases: []string{"m"}, Usage: "Merchant address", Required: true},
					&cli.Uint64Flag{Name: "amount", Aliases: []string{"a"}, Usage: "Payout amount in minor units", Required: true},
					&cli.StringFlag{Name: "asset", Usage: "Payout asset symbol or mint", Value: "SOL"},
				},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("user signature is required")
					}
					req := payment.PayoutRequest{
						Network:       c.String("network"),
						UserSignature: c.Args().First(),
						Merchant:      c.String("merchant"),
						Amount:        c.Uint64("amount"),
						Asset:         c.String("asset"),
					}
					if req.Amount == 0 {
						return fmt.Errorf("amount must be greater than zero")
					}

					tc, err := dialPayouts(c)
					if err != nil {
						return err
					}
					defer tc.Close()

					if err := tc.SchedulePayoutRetry(c.Context, req); err != nil {
						return fmt.Errorf("failed to schedule payout: %w", err)
					}

					fmt.Fprintf(c.App.Writer, "✓ Payout scheduled: %s\n", temporal.PayoutWorkflowID(req.UserSignature))
					return nil
				},
			},
		},
	}
}
