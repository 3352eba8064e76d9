package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	natspkg "github.com/brojonat/x402-facilitator/service/nats"
	"github.com/urfave/cli/v2"
)

func kindFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "kind",
		Aliases: []string{"k"},
		Usage:   "Event kind: settlements or payouts (default both)",
	}
}

func eventsCommands() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Follow settlement and payout events",
		Subcommands: []*cli.Command{
			{
				Name:  "stream",
				Usage: "Stream events from the server over SSE",
				Flags: []cli.Flag{kindFlag(), networkFlag()},
				Action: func(c *cli.Context) error {
					ctx, cancel := interruptible(c.Context)
					defer cancel()
					return streamEvents(ctx, c.String("server"), c.String("kind"), c.String("network"), c.App.Writer, c.App.ErrWriter, c.Bool("json"))
				},
			},
			{
				Name:  "tail",
				Usage: "Tail events directly from NATS JetStream",
				Flags: []cli.Flag{
					kindFlag(),
					networkFlag(),
					&cli.StringFlag{
						Name:  "durable",
						Usage: "Durable consumer name (resumes where it left off)",
					},
				},
				Action: func(c *cli.Context) error {
					ctx, cancel := interruptible(c.Context)
					defer cancel()

					sub, err := natspkg.NewSubscriber(c.String("nats-url"), cliLogger())
					if err != nil {
						return fmt.Errorf("failed to connect to NATS: %w", err)
					}
					defer sub.Close()

					opts := natspkg.TailOptions{
						Kind:    c.String("kind"),
						Network: c.String("network"),
						Durable: c.String("durable"),
					}
					if !c.Bool("json") {
						fmt.Fprintf(errWriter(c), "Tailing %s (Ctrl+C to stop)\n\n", strings.Join(opts.FilterSubjects(), ", "))
					}

					err = sub.Tail(ctx, opts, func(msg *natspkg.Message) error {
						return printMessage(c.App.Writer, msg, c.Bool("json"))
					})
					if err != nil && ctx.Err() == nil {
						return fmt.Errorf("failed to tail events: %w", err)
					}
					return nil
				},
			},
		},
	}
}

// interruptible returns a context cancelled on SIGINT or SIGTERM.
func interruptible(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func errWriter(c *cli.Context) io.Writer {
	if c.App.ErrWriter != nil {
		return c.App.ErrWriter
	}
	return os.Stderr
}

// streamEvents reads the server's SSE stream until ctx is done or the server
// closes the connection.
func streamEvents(ctx context.Context, serverURL, kind, network string, out, errOut io.Writer, jsonOutput bool) error {
	if errOut == nil {
		errOut = os.Stderr
	}

	query := url.Values{}
	if kind != "" {
		query.Set("kind", kind)
	}
	if network != "" {
		query.Set("network", network)
	}
	endpoint := strings.TrimRight(serverURL, "/") + "/events/stream"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No timeout for streaming
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	var currentEvent, currentData string
	for scanner.Scan() {
		line := scanner.Text()

		// Empty line indicates end of event
		if line == "" {
			if currentEvent != "" && currentData != "" {
				if err := handleSSEEvent(out, errOut, currentEvent, currentData, jsonOutput); err != nil {
					return err
				}
			}
			currentEvent, currentData = "", ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			if !jsonOutput {
				fmt.Fprintf(errOut, "\nDisconnected\n")
			}
			return nil
		}
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

func handleSSEEvent(out, errOut io.Writer, eventType, data string, jsonOutput bool) error {
	switch eventType {
	case "connected":
		if !jsonOutput {
			var info struct {
				Subjects []string `json:"subjects"`
			}
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				return err
			}
			fmt.Fprintf(errOut, "✓ Subscribed to %s\n\n", strings.Join(info.Subjects, ", "))
		}
		return nil

	case natspkg.EventSettlement:
		var event natspkg.SettlementEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return err
		}
		return printMessage(out, &natspkg.Message{Subject: natspkg.SettlementSubject(event.Network), Settlement: &event}, jsonOutput)

	case natspkg.EventPayout:
		var event natspkg.PayoutEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return err
		}
		return printMessage(out, &natspkg.Message{Subject: natspkg.PayoutSubject(event.Network), Payout: &event}, jsonOutput)

	case "error":
		var errInfo map[string]interface{}
		if err := json.Unmarshal([]byte(data), &errInfo); err != nil {
			return err
		}
		return fmt.Errorf("server error: %v", errInfo["error"])

	default:
		// Unknown event type, ignore
		return nil
	}
}

func printMessage(w io.Writer, msg *natspkg.Message, jsonOutput bool) error {
	if jsonOutput {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintln(w, rule)
	if s := msg.Settlement; s != nil {
		fmt.Fprintf(w, "Settlement  %s\n", s.Signature)
		fmt.Fprintf(w, "Network:    %s\n", s.Network)
		fmt.Fprintf(w, "Status:     %s\n", s.Status)
		fmt.Fprintf(w, "Slot:       %d\n", s.Slot)
		if s.Payer != "" {
			fmt.Fprintf(w, "Payer:      %s\n", s.Payer)
		}
		fmt.Fprintf(w, "Amount:     %d %s\n", s.Amount, s.Asset)
		fmt.Fprintf(w, "Fee:        %d lamports\n", s.NetworkFee)
		if s.Merchant != "" {
			fmt.Fprintf(w, "Merchant:   %s (%d)\n", s.Merchant, s.MerchantAmount)
		}
	}
	if p := msg.Payout; p != nil {
		fmt.Fprintf(w, "Payout for %s\n", p.UserSignature)
		fmt.Fprintf(w, "Network:    %s\n", p.Network)
		fmt.Fprintf(w, "Merchant:   %s\n", p.Merchant)
		fmt.Fprintf(w, "Amount:     %d %s\n", p.Amount, p.Asset)
		if p.Signature != "" {
			fmt.Fprintf(w, "Signature:  %s\n", p.Signature)
		}
		if p.Error != "" {
			fmt.Fprintf(w, "Error:      %s\n", p.Error)
		}
		fmt.Fprintf(w, "Retrying:   %s\n", yesNo(p.RetryScheduled))
	}
	return nil
}
