package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	solanago "github.com/gagliardetto/solana-go"
)

func walletCommands() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "Inspect and fund the facilitator wallet",
		Subcommands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show the facilitator balance and whether it can pay fees",
				Flags: []cli.Flag{networkFlag()},
				Action: func(c *cli.Context) error {
					status, err := newClient(c).WalletStatus(c.Context, c.String("network"))
					if err != nil {
						return fmt.Errorf("failed to get wallet status: %w", err)
					}

					return render(c, status, func(w io.Writer) {
						if !status.Enabled {
							fmt.Fprintln(w, "Facilitation is disabled (no facilitator key configured)")
							return
						}
						fmt.Fprintf(w, "Address:              %s\n", status.Address)
						fmt.Fprintf(w, "Network:              %s\n", status.Network)
						fmt.Fprintf(w, "Balance:              %s SOL (%d lamports)\n", status.BalanceSOL, status.BalanceLamports)
						fmt.Fprintf(w, "Minimum balance:      %d lamports\n", status.MinBalance)
						fmt.Fprintf(w, "Low balance:          %s\n", yesNo(status.IsLow))
						fmt.Fprintf(w, "Can process payments: %s\n", yesNo(status.CanProcessPayments))
						fmt.Fprintf(w, "Service fee:          %d%%\n", status.ServiceFeePercent)
					})
				},
			},
			{
				Name:  "funding",
				Usage: "Show how to fund the facilitator wallet",
				Flags: []cli.Flag{
					networkFlag(),
					&cli.StringFlag{
						Name:  "qr-file",
						Usage: "Write the Solana Pay QR code PNG to this path",
					},
				},
				Action: func(c *cli.Context) error {
					info, err := newClient(c).FundingInfo(c.Context, c.String("network"))
					if err != nil {
						return fmt.Errorf("failed to get funding info: %w", err)
					}

					if path := c.String("qr-file"); path != "" {
						if info.QRCodeData == "" {
							return fmt.Errorf("server did not return a QR code")
						}
						png, err := base64.StdEncoding.DecodeString(info.QRCodeData)
						if err != nil {
							return fmt.Errorf("failed to decode QR code: %w", err)
						}
						if err := os.WriteFile(path, png, 0o644); err != nil {
							return fmt.Errorf("failed to write QR code: %w", err)
						}
					}

					return render(c, info, func(w io.Writer) {
						fmt.Fprintf(w, "Send SOL to %s on %s\n", info.Address, info.Network)
						fmt.Fprintf(w, "  Recommended: %s SOL (~%d transactions)\n", info.RecommendedSOL, info.EstimatedTransactions)
						fmt.Fprintf(w, "  Payment URL: %s\n", info.PaymentURL)
						if info.FaucetURL != "" {
							fmt.Fprintf(w, "  Faucet:      %s\n", info.FaucetURL)
						}
						if path := c.String("qr-file"); path != "" {
							fmt.Fprintf(w, "  QR code:     %s\n", path)
						}
					})
				},
			},
			{
				Name:  "keygen",
				Usage: "Generate a keypair file in solana-keygen format",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "out",
						Aliases:  []string{"o"},
						Usage:    "Path of the keypair file to create",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: func(c *cli.Context) error {
					path := c.String("out")
					if _, err := os.Stat(path); err == nil && !c.Bool("force") {
						return fmt.Errorf("%s already exists (use --force to overwrite)", path)
					}

					key, err := solanago.NewRandomPrivateKey()
					if err != nil {
						return fmt.Errorf("failed to generate key: %w", err)
					}
					if err := writeKeygenFile(path, key); err != nil {
						return err
					}

					fmt.Fprintln(c.App.Writer, key.PublicKey().String())
					return nil
				},
			},
		},
	}
}

// writeKeygenFile stores key as the JSON byte array solana-keygen uses.
func writeKeygenFile(path string, key solanago.PrivateKey) error {
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func feesCommand() *cli.Command {
	return &cli.Command{
		Name:  "fees",
		Usage: "Show network fees the facilitator has paid",
		Action: func(c *cli.Context) error {
			stats, err := newClient(c).FeeStats(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get fee stats: %w", err)
			}

			return render(c, stats, func(w io.Writer) {
				if !stats.Enabled {
					fmt.Fprintln(w, "Facilitation is disabled")
					return
				}
				fmt.Fprintf(w, "Transactions processed: %d\n", stats.TransactionsProcessed)
				fmt.Fprintf(w, "Total fees paid:        %d lamports\n", stats.TotalFeesPaid)
				fmt.Fprintf(w, "Average fee:            %d lamports\n", stats.AverageFee)
			})
		},
	}
}

func supportedCommand() *cli.Command {
	return &cli.Command{
		Name:  "supported",
		Usage: "List payment kinds, networks and assets the facilitator accepts",
		Action: func(c *cli.Context) error {
			supported, err := newClient(c).Supported(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get supported kinds: %w", err)
			}

			return render(c, supported, func(w io.Writer) {
				fmt.Fprintf(w, "Facilitator:  %s\n", supported.Facilitator)
				fmt.Fprintf(w, "Enabled:      %s\n", yesNo(supported.FacilitationEnabled))
				fmt.Fprintf(w, "Service fee:  %d%%\n", supported.ServiceFeePercent)
				fmt.Fprintf(w, "Strict:       %s\n", yesNo(supported.StrictVerification))
				fmt.Fprintf(w, "Default:      %s\n", supported.DefaultNetwork)
				for _, kind := range supported.Kinds {
					fmt.Fprintf(w, "Kind:         %s on %s (x402 v%d)\n", kind.Scheme, kind.Network, kind.X402Version)
				}
				for _, n := range supported.Networks {
					fmt.Fprintf(w, "\n%s (%s)\n", n.Network, n.RPCURL)
					for _, a := range n.Assets {
						fmt.Fprintf(w, "  %-5s %s (%d decimals)\n", a.Symbol, a.Mint, a.Decimals)
					}
				}
			})
		},
	}
}
