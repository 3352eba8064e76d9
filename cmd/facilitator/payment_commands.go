package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/brojonat/x402-facilitator/client"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/x402"
	"github.com/urfave/cli/v2"
)

func paymentCommands() *cli.Command {
	return &cli.Command{
		Name:  "payment",
		Usage: "Build, sign, verify and settle payments",
		Subcommands: []*cli.Command{
			paymentCreateCommand(),
			paymentSignCommand(),
			paymentVerifyCommand(),
			paymentSettleCommand(),
			paymentSubmitCommand(),
			paymentPayCommand(),
		},
	}
}

func networkFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "network",
		Aliases: []string{"n"},
		Usage:   "Network (solana or solana-devnet); empty uses the server default",
	}
}

func keyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "key-file",
			Aliases: []string{"k"},
			Usage:   "Payer keypair file written by solana-keygen",
		},
		&cli.StringFlag{
			Name:    "key",
			Usage:   "Payer private key in base58",
			EnvVars: []string{"PAYER_PRIVATE_KEY"},
		},
	}
}

func paymentCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Ask the facilitator for a fee-paid transfer to co-sign",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "payer", Aliases: []string{"p"}, Usage: "Payer address", Required: true},
			&cli.Uint64Flag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount in minor units", Required: true},
			&cli.StringFlag{Name: "token", Aliases: []string{"t"}, Usage: "Asset symbol or mint (default SOL)"},
			&cli.StringFlag{Name: "merchant", Aliases: []string{"m"}, Usage: "Merchant address to quote a split for"},
			networkFlag(),
		},
		Action: func(c *cli.Context) error {
			created, err := newClient(c).CreatePayment(c.Context, client.CreatePaymentRequest{
				Payer:    c.String("payer"),
				Amount:   c.Uint64("amount"),
				Network:  c.String("network"),
				Token:    c.String("token"),
				Merchant: c.String("merchant"),
			})
			if err != nil {
				return fmt.Errorf("failed to create payment: %w", err)
			}

			return render(c, created, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Payment created on %s\n", created.Network)
				fmt.Fprintf(w, "  Payer:       %s\n", created.Payer)
				fmt.Fprintf(w, "  Facilitator: %s\n", created.Facilitator)
				fmt.Fprintf(w, "  Amount:      %s %s\n", created.AmountDisplay, created.Asset)
				if created.Merchant != "" {
					fmt.Fprintf(w, "  Merchant:    %s (receives %d, fee %d)\n", created.Merchant, created.MerchantAmount, created.ServiceFee)
				}
				fmt.Fprintf(w, "  Blockhash:   %s\n\n", created.Blockhash)
				fmt.Fprintln(w, created.Transaction)
			})
		},
	}
}

func paymentSignCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Add the payer signature to a created payment",
		ArgsUsage: "TRANSACTION_BASE64 (or - for stdin)",
		Flags:     keyFlags(),
		Action: func(c *cli.Context) error {
			tx, err := readArg(c, "transaction")
			if err != nil {
				return err
			}
			key, err := loadKey(c.String("key-file"), c.String("key"))
			if err != nil {
				return err
			}

			signed, err := client.Cosign(tx, key)
			if err != nil {
				return fmt.Errorf("failed to sign payment: %w", err)
			}
			fmt.Fprintln(c.App.Writer, signed)
			return nil
		},
	}
}

func requirementFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Uint64Flag{Name: "amount", Aliases: []string{"a"}, Usage: "Required amount in minor units", Required: true},
		&cli.StringFlag{Name: "asset", Usage: "Required asset symbol or mint", Value: "SOL"},
		&cli.StringFlag{Name: "pay-to", Usage: "Recipient in the payment requirements (default: the facilitator)"},
		&cli.StringFlag{Name: "resource", Usage: "Resource being paid for", Value: "cli"},
		networkFlag(),
	}
}

// requirements builds x402 requirements from the flags. The facilitator is
// looked up when --pay-to is empty.
func requirements(c *cli.Context, cl *client.Client) (x402.PaymentRequirements, error) {
	network := c.String("network")
	payTo := c.String("pay-to")
	if network == "" || payTo == "" {
		supported, err := cl.Supported(c.Context)
		if err != nil {
			return x402.PaymentRequirements{}, fmt.Errorf("failed to read facilitator info: %w", err)
		}
		if network == "" {
			network = supported.DefaultNetwork
		}
		if payTo == "" {
			payTo = supported.Facilitator
		}
	}

	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           network,
		MaxAmountRequired: strconv.FormatUint(c.Uint64("amount"), 10),
		Asset:             c.String("asset"),
		PayTo:             payTo,
		Resource:          c.String("resource"),
		MaxTimeoutSeconds: x402.DefaultMaxTimeoutSeconds,
	}, nil
}

func paymentVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Check a co-signed payment against x402 requirements without broadcasting",
		ArgsUsage: "SIGNED_TRANSACTION_BASE64 (or - for stdin)",
		Flags:     requirementFlags(),
		Action: func(c *cli.Context) error {
			tx, err := readArg(c, "signed transaction")
			if err != nil {
				return err
			}
			cl := newClient(c)
			reqs, err := requirements(c, cl)
			if err != nil {
				return err
			}

			resp, err := cl.Verify(c.Context, x402.VerifyRequest{
				PaymentPayload:      client.PaymentPayload(reqs.Network, tx),
				PaymentRequirements: reqs,
			})
			if err != nil {
				return fmt.Errorf("failed to verify payment: %w", err)
			}

			if err := render(c, resp, func(w io.Writer) {
				if resp.Valid {
					fmt.Fprintf(w, "✓ Payment is valid\n")
					fmt.Fprintf(w, "  Payer:  %s\n", resp.Payer)
					fmt.Fprintf(w, "  Amount: %s\n", resp.Amount)
				} else {
					fmt.Fprintf(w, "✗ Payment is invalid: %s\n", resp.Reason)
				}
				for _, warning := range resp.Warnings {
					fmt.Fprintf(w, "  Warning: %s\n", warning)
				}
			}); err != nil {
				return err
			}
			if !resp.Valid {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func paymentSettleCommand() *cli.Command {
	return &cli.Command{
		Name:      "settle",
		Usage:     "Verify and broadcast a co-signed payment through the x402 /settle endpoint",
		ArgsUsage: "SIGNED_TRANSACTION_BASE64 (or - for stdin)",
		Flags:     requirementFlags(),
		Action: func(c *cli.Context) error {
			tx, err := readArg(c, "signed transaction")
			if err != nil {
				return err
			}
			cl := newClient(c)
			reqs, err := requirements(c, cl)
			if err != nil {
				return err
			}

			resp, err := cl.Settle(c.Context, x402.SettleRequest{
				PaymentPayload:      client.PaymentPayload(reqs.Network, tx),
				PaymentRequirements: reqs,
			})
			if err != nil {
				return fmt.Errorf("failed to settle payment: %w", err)
			}

			if err := render(c, resp, func(w io.Writer) {
				if resp.Success {
					fmt.Fprintf(w, "✓ Payment settled on %s\n", resp.Network)
					fmt.Fprintf(w, "  Transaction: %s\n", resp.Transaction)
					fmt.Fprintf(w, "  Explorer:    %s\n", payment.ExplorerURL(resp.Transaction))
					fmt.Fprintf(w, "  Payer:       %s\n", resp.Payer)
				} else {
					fmt.Fprintf(w, "✗ Settlement failed: %s\n", resp.ErrorReason)
					if resp.Transaction != "" {
						fmt.Fprintf(w, "  Transaction: %s\n", resp.Transaction)
					}
				}
			}); err != nil {
				return err
			}
			if !resp.Success {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func submitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "merchant", Aliases: []string{"m"}, Usage: "Merchant to pay after confirmation"},
		&cli.Uint64Flag{Name: "merchant-amount", Usage: "Amount owed to the merchant in minor units"},
		&cli.StringFlag{Name: "token", Aliases: []string{"t"}, Usage: "Payout asset (default: the asset paid)"},
		networkFlag(),
	}
}

func paymentSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Broadcast a co-signed payment and optionally pay a merchant",
		ArgsUsage: "SIGNED_TRANSACTION_BASE64 (or - for stdin)",
		Flags:     submitFlags(),
		Action: func(c *cli.Context) error {
			tx, err := readArg(c, "signed transaction")
			if err != nil {
				return err
			}
			result, err := newClient(c).SettlePayment(c.Context, settlePaymentRequest(c, tx))
			if err != nil {
				return fmt.Errorf("failed to submit payment: %w", err)
			}
			return render(c, result, func(w io.Writer) { printSettlement(w, result) })
		},
	}
}

func paymentPayCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.Uint64Flag{Name: "amount", Aliases: []string{"a"}, Usage: "Amount in minor units", Required: true},
	}
	flags = append(flags, keyFlags()...)
	flags = append(flags, submitFlags()...)

	return &cli.Command{
		Name:  "pay",
		Usage: "Create, sign and submit a payment in one step",
		Flags: flags,
		Action: func(c *cli.Context) error {
			key, err := loadKey(c.String("key-file"), c.String("key"))
			if err != nil {
				return err
			}
			cl := newClient(c)

			created, err := cl.CreatePayment(c.Context, client.CreatePaymentRequest{
				Payer:    key.PublicKey().String(),
				Amount:   c.Uint64("amount"),
				Network:  c.String("network"),
				Token:    c.String("token"),
				Merchant: c.String("merchant"),
			})
			if err != nil {
				return fmt.Errorf("failed to create payment: %w", err)
			}

			signed, err := client.Cosign(created.Transaction, key)
			if err != nil {
				return fmt.Errorf("failed to sign payment: %w", err)
			}

			req := settlePaymentRequest(c, signed)
			if req.Merchant != "" && req.MerchantAmount == 0 {
				req.MerchantAmount = created.MerchantAmount
			}
			result, err := cl.SettlePayment(c.Context, req)
			if err != nil {
				return fmt.Errorf("failed to submit payment: %w", err)
			}
			return render(c, result, func(w io.Writer) { printSettlement(w, result) })
		},
	}
}

func settlePaymentRequest(c *cli.Context, signed string) client.SettlePaymentRequest {
	return client.SettlePaymentRequest{
		SignedTransaction: signed,
		Network:           c.String("network"),
		Merchant:          c.String("merchant"),
		MerchantAmount:    c.Uint64("merchant-amount"),
		Token:             c.String("token"),
	}
}

func printSettlement(w io.Writer, result *payment.SettlementResult) {
	fmt.Fprintln(w, rule)
	switch {
	case result.Duplicate:
		fmt.Fprintln(w, "✓ Already settled")
	case result.Unresolved:
		fmt.Fprintln(w, "? Submitted, confirmation unresolved")
	default:
		fmt.Fprintln(w, "✓ Payment settled")
	}
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Signature:   %s\n", result.Signature)
	fmt.Fprintf(w, "Network:     %s\n", result.Network)
	fmt.Fprintf(w, "Slot:        %d\n", result.Slot)
	fmt.Fprintf(w, "Network fee: %d lamports\n", result.NetworkFee)
	if result.Payer != "" {
		fmt.Fprintf(w, "Payer:       %s\n", result.Payer)
		fmt.Fprintf(w, "Amount:      %d %s\n", result.Amount, result.Asset)
	}
	fmt.Fprintf(w, "Explorer:    %s\n", result.ExplorerURL)
	if result.Note != "" {
		fmt.Fprintf(w, "Note:        %s\n", result.Note)
	}

	if p := result.MerchantPayout; p != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Merchant payout to %s (%d %s)\n", p.Merchant, p.Amount, p.Asset)
		switch {
		case p.Confirmed:
			fmt.Fprintf(w, "  ✓ Paid: %s\n", p.Signature)
		case p.Unresolved:
			fmt.Fprintf(w, "  ? Submitted, unresolved: %s\n", p.Signature)
		default:
			fmt.Fprintf(w, "  ✗ Failed: %s\n", p.Error)
		}
		if p.RetryScheduled {
			fmt.Fprintln(w, "  Retry scheduled")
		}
	}
	fmt.Fprintln(w, rule)
}
