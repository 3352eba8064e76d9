package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Message is one decoded event from the stream. Exactly one of Settlement or
// Payout is set.
type Message struct {
	Subject    string           `json:"subject"`
	Settlement *SettlementEvent `json:"settlement,omitempty"`
	Payout     *PayoutEvent     `json:"payout,omitempty"`
}

// DecodeMessage decodes an event payload using its subject prefix.
func DecodeMessage(subject string, data []byte) (*Message, error) {
	msg := &Message{Subject: subject}
	switch {
	case strings.HasPrefix(subject, "settlements."):
		msg.Settlement = &SettlementEvent{}
		if err := json.Unmarshal(data, msg.Settlement); err != nil {
			return nil, fmt.Errorf("failed to decode settlement event: %w", err)
		}
	case strings.HasPrefix(subject, "payouts."):
		msg.Payout = &PayoutEvent{}
		if err := json.Unmarshal(data, msg.Payout); err != nil {
			return nil, fmt.Errorf("failed to decode payout event: %w", err)
		}
	default:
		return nil, fmt.Errorf("unexpected subject %q", subject)
	}
	return msg, nil
}

// TailOptions selects which events Tail delivers.
type TailOptions struct {
	// Kind is "settlements", "payouts", or empty for both.
	Kind string
	// Network filters to one network; empty means all.
	Network string
	// Durable names a consumer that survives restarts.
	Durable string
}

// FilterSubjects returns the subjects matching the options.
func (o TailOptions) FilterSubjects() []string {
	suffix := ">"
	if o.Network != "" {
		suffix = o.Network
	}
	switch o.Kind {
	case "settlements":
		return []string{"settlements." + suffix}
	case "payouts":
		return []string{"payouts." + suffix}
	default:
		return []string{"settlements." + suffix, "payouts." + suffix}
	}
}

// Tail delivers new events to handle until ctx is cancelled. Messages that fail
// to decode are acknowledged and skipped.
func Tail(ctx context.Context, js jetstream.JetStream, opts TailOptions, handle func(*Message) error) error {
	cfg := jetstream.ConsumerConfig{
		FilterSubjects: opts.FilterSubjects(),
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if opts.Durable != "" {
		cfg.Durable = opts.Durable
		cfg.Name = opts.Durable
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, StreamName, cfg)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	errCh := make(chan error, 1)
	cc, err := cons.Consume(func(m jetstream.Msg) {
		msg, err := DecodeMessage(m.Subject(), m.Data())
		if err != nil {
			_ = m.Ack()
			return
		}
		if err := handle(msg); err != nil {
			select {
			case errCh <- err:
			default:
			}
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Subscriber owns a NATS connection used to tail facilitator events.
type Subscriber struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSubscriber connects to NATS for tailing events.
func NewSubscriber(natsURL string, logger *slog.Logger) (*Subscriber, error) {
	nc, err := Connect(natsURL, "facilitator-subscriber")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("NATS subscriber initialized", "url", natsURL)

	return &Subscriber{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Tail is the package Tail bound to this subscriber's connection.
func (s *Subscriber) Tail(ctx context.Context, opts TailOptions, handle func(*Message) error) error {
	return Tail(ctx, s.js, opts, handle)
}

// Close closes the NATS connection.
func (s *Subscriber) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS subscriber closed")
	}
	return nil
}
