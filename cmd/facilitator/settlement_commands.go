package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/urfave/cli/v2"
)

func settlementCommands() *cli.Command {
	return &cli.Command{
		Name:  "settlements",
		Usage: "Query settlement history through the server",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List recent settlements, newest first",
				Flags: []cli.Flag{
					networkFlag(),
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum rows to return", Value: 20},
					&cli.IntFlag{Name: "offset", Usage: "Rows to skip"},
				},
				Action: func(c *cli.Context) error {
					page, err := newClient(c).ListSettlements(c.Context, c.String("network"), c.Int("limit"), c.Int("offset"))
					if err != nil {
						return fmt.Errorf("failed to list settlements: %w", err)
					}
					return render(c, page, func(w io.Writer) {
						printSettlementTable(w, page.Settlements)
					})
				},
			},
			{
				Name:      "get",
				Usage:     "Show one settlement by its user transaction signature",
				ArgsUsage: "SIGNATURE",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("signature is required")
					}
					rec, err := newClient(c).GetSettlement(c.Context, c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to get settlement: %w", err)
					}
					return render(c, rec, func(w io.Writer) { printSettlementRecord(w, rec) })
				},
			},
		},
	}
}

func printSettlementTable(w io.Writer, records []payment.SettlementRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No settlements found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIGNATURE\tNETWORK\tSTATUS\tAMOUNT\tASSET\tPAYOUT\tCREATED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			shorten(rec.Signature), rec.Network, rec.Status, rec.Amount, rec.Asset,
			payoutState(rec), rec.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printSettlementRecord(w io.Writer, rec *payment.SettlementRecord) {
	fmt.Fprintf(w, "Signature:   %s\n", rec.Signature)
	fmt.Fprintf(w, "Network:     %s\n", rec.Network)
	fmt.Fprintf(w, "Status:      %s\n", rec.Status)
	fmt.Fprintf(w, "Slot:        %d\n", rec.Slot)
	fmt.Fprintf(w, "Network fee: %d lamports\n", rec.NetworkFee)
	if rec.Payer != "" {
		fmt.Fprintf(w, "Payer:       %s\n", rec.Payer)
	}
	fmt.Fprintf(w, "Amount:      %d %s\n", rec.Amount, rec.Asset)
	if rec.Merchant != "" {
		fmt.Fprintf(w, "Merchant:    %s (%d)\n", rec.Merchant, rec.MerchantAmount)
		fmt.Fprintf(w, "Payout:      %s\n", payoutState(*rec))
		if rec.PayoutSignature != "" {
			fmt.Fprintf(w, "Payout tx:   %s\n", rec.PayoutSignature)
		}
		if rec.PayoutError != "" {
			fmt.Fprintf(w, "Payout err:  %s\n", rec.PayoutError)
		}
	}
	fmt.Fprintf(w, "Created:     %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:     %s\n", rec.UpdatedAt.Format(time.RFC3339))
}

func payoutState(rec payment.SettlementRecord) string {
	switch {
	case rec.Merchant == "":
		return "-"
	case rec.PayoutSignature != "":
		return "paid"
	case rec.PayoutRetryScheduled:
		return "retrying"
	case rec.PayoutError != "":
		return "failed"
	default:
		return "pending"
	}
}

// shorten abbreviates long signatures for table output.
func shorten(s string) string {
	if len(s) <= 20 {
		return s
	}
	return s[:8] + "..." + s[len(s)-8:]
}

func txCommands() *cli.Command {
	return &cli.Command{
		Name:  "tx",
		Usage: "Look up transactions on chain",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Show a parsed transaction with its transfers",
				ArgsUsage: "SIGNATURE",
				Flags:     []cli.Flag{networkFlag()},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("signature is required")
					}
					details, err := newClient(c).Transaction(c.Context, c.Args().First(), c.String("network"))
					if err != nil {
						return fmt.Errorf("failed to get transaction: %w", err)
					}

					return render(c, details, func(w io.Writer) {
						status := "success"
						if !details.Success && details.Err != nil {
							status = "failed: " + *details.Err
						}
						fmt.Fprintf(w, "Signature: %s\n", details.Signature)
						fmt.Fprintf(w, "Slot:      %d\n", details.Slot)
						if details.BlockTime != nil {
							fmt.Fprintf(w, "Time:      %s\n", details.BlockTime.Format(time.RFC3339))
						}
						fmt.Fprintf(w, "Fee:       %d lamports\n", details.Fee)
						fmt.Fprintf(w, "Status:    %s\n", status)
						for _, t := range details.Transfers {
							asset := "lamports"
							if !t.Mint.IsZero() {
								asset = t.Mint.String()
							}
							fmt.Fprintf(w, "  %s -> %s: %d %s\n", t.Source, t.Destination, t.Amount, asset)
						}
					})
				},
			},
		},
	}
}
