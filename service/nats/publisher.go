package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/x402-facilitator/service/metrics"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher publishes facilitator events. It satisfies payment.EventPublisher.
type Publisher interface {
	// PublishSettlement publishes to "settlements.{network}".
	PublishSettlement(ctx context.Context, rec payment.SettlementRecord) error

	// PublishPayout publishes to "payouts.{network}".
	PublishPayout(ctx context.Context, rec payment.PayoutRecord) error

	// Close closes the connection to NATS.
	Close() error
}

var _ payment.EventPublisher = (*JetStreamPublisher)(nil)

// JetStreamPublisher publishes facilitator events to NATS JetStream.
type JetStreamPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for facilitator events.
	StreamName = "FACILITATOR"

	// StreamRetention is how long messages are retained (30 days by default).
	StreamRetention = 30 * 24 * time.Hour
)

// StreamSubjects are the subject patterns captured by the stream.
var StreamSubjects = []string{"settlements.>", "payouts.>"}

// NewPublisher creates a new JetStream publisher.
// It connects to NATS and ensures the stream exists. m may be nil.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := Connect(natsURL, "facilitator-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := EnsureStream(ctx, js, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// Connect dials NATS with unlimited reconnects.
func Connect(natsURL, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// EnsureStream creates the JetStream stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger *slog.Logger) error {
	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		if info, err := stream.Info(ctx); err == nil {
			logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	logger.Info("creating JetStream stream", "stream", StreamName)

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Settlement and merchant payout events from the x402 facilitator",
		Subjects:    StreamSubjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishSettlement publishes a settlement event.
func (p *JetStreamPublisher) PublishSettlement(ctx context.Context, rec payment.SettlementRecord) error {
	return p.publish(ctx, SettlementSubject(rec.Network), FromSettlementRecord(rec), "signature", rec.Signature)
}

// PublishPayout publishes a merchant payout event.
func (p *JetStreamPublisher) PublishPayout(ctx context.Context, rec payment.PayoutRecord) error {
	return p.publish(ctx, PayoutSubject(rec.Network), FromPayoutRecord(rec), "user_signature", rec.UserSignature)
}

func (p *JetStreamPublisher) publish(ctx context.Context, subject string, event any, logArgs ...any) error {
	start := time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		p.record(subject, "error", start)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.record(subject, "error", start)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.record(subject, "success", start)

	p.logger.DebugContext(ctx, "published event", append([]any{"subject", subject}, logArgs...)...)
	return nil
}

func (p *JetStreamPublisher) record(subject, status string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordNATSPublish(subject, status, time.Since(start).Seconds())
	}
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
