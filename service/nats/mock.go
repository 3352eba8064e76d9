package nats

import (
	"context"
	"sync"

	"github.com/brojonat/x402-facilitator/service/payment"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	settlements  []*SettlementEvent
	payouts      []*PayoutEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// PublishSettlement records the event and returns any configured error.
func (m *MockPublisher) PublishSettlement(ctx context.Context, rec payment.SettlementRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.settlements = append(m.settlements, FromSettlementRecord(rec))
	return nil
}

// PublishPayout records the event and returns any configured error.
func (m *MockPublisher) PublishPayout(ctx context.Context, rec payment.PayoutRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}
	m.payouts = append(m.payouts, FromPayoutRecord(rec))
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Settlements returns a copy of every published settlement event.
func (m *MockPublisher) Settlements() []*SettlementEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*SettlementEvent, len(m.settlements))
	copy(events, m.settlements)
	return events
}

// Payouts returns a copy of every published payout event.
func (m *MockPublisher) Payouts() []*PayoutEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*PayoutEvent, len(m.payouts))
	copy(events, m.payouts)
	return events
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements = nil
	m.payouts = nil
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
