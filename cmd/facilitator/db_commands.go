package main

import (
	"fmt"
	"io"

	"github.com/brojonat/x402-facilitator/service/db"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the settlements schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "✓ Schema is up to date")
			return nil
		},
	}
}

func dbSettlementsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-settlements",
		Usage:   "List settlements straight from the database",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			networkFlag(),
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Maximum rows to return", Value: 50},
			&cli.IntFlag{Name: "offset", Usage: "Rows to skip"},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			rows, err := store.ListSettlements(c.Context, db.ListSettlementsParams{
				Network: c.String("network"),
				Limit:   int32(c.Int("limit")),
				Offset:  int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list settlements: %w", err)
			}

			records := make([]payment.SettlementRecord, 0, len(rows))
			for _, row := range rows {
				records = append(records, db.ToRecord(row))
			}

			return render(c, records, func(w io.Writer) {
				printSettlementTable(w, records)
				fmt.Fprintf(errWriter(c), "\nTotal: %d settlements\n", len(records))
			})
		},
	}
}

func dbFeesCommand() *cli.Command {
	return &cli.Command{
		Name:  "fees",
		Usage: "Sum persisted network fees (survives server restarts)",
		Flags: []cli.Flag{networkFlag()},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			totals, err := store.FeeTotals(c.Context, c.String("network"))
			if err != nil {
				return err
			}

			stats := payment.FeeStats{
				TotalFeesPaid:         uint64(totals.TotalFees),
				TransactionsProcessed: uint64(totals.Count),
			}
			if totals.Count > 0 {
				stats.AverageFee = stats.TotalFeesPaid / stats.TransactionsProcessed
			}

			return render(c, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Transactions processed: %d\n", stats.TransactionsProcessed)
				fmt.Fprintf(w, "Total fees paid:        %d lamports\n", stats.TotalFeesPaid)
				fmt.Fprintf(w, "Average fee:            %d lamports\n", stats.AverageFee)
			})
		},
	}
}
