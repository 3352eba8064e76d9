package nats

import (
	"time"

	"github.com/brojonat/x402-facilitator/service/payment"
)

// Event types carried in the Type field.
const (
	EventSettlement = "settlement"
	EventPayout     = "payout"
)

// SettlementEvent is published to "settlements.{network}" whenever a user
// transaction is submitted, whatever its outcome.
type SettlementEvent struct {
	Type           string `json:"type"`
	Signature      string `json:"signature"`
	Network        string `json:"network"`
	Status         string `json:"status"`
	Slot           uint64 `json:"slot"`
	Payer          string `json:"payer,omitempty"`
	Amount         uint64 `json:"amount"`
	Asset          string `json:"asset,omitempty"`
	NetworkFee     uint64 `json:"network_fee"`
	Merchant       string `json:"merchant,omitempty"`
	MerchantAmount uint64 `json:"merchant_amount,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// PayoutEvent is published to "payouts.{network}" for every merchant payout attempt.
type PayoutEvent struct {
	Type           string    `json:"type"`
	UserSignature  string    `json:"user_signature"`
	Network        string    `json:"network"`
	Merchant       string    `json:"merchant"`
	Amount         uint64    `json:"amount"`
	Asset          string    `json:"asset"`
	Signature      string    `json:"signature,omitempty"`
	Error          string    `json:"error,omitempty"`
	RetryScheduled bool      `json:"retry_scheduled"`
	Timestamp      time.Time `json:"timestamp"`

	PublishedAt time.Time `json:"published_at"`
}

// FromSettlementRecord converts a settlement record to an event for publishing.
func FromSettlementRecord(rec payment.SettlementRecord) *SettlementEvent {
	return &SettlementEvent{
		Type:           EventSettlement,
		Signature:      rec.Signature,
		Network:        rec.Network,
		Status:         rec.Status,
		Slot:           rec.Slot,
		Payer:          rec.Payer,
		Amount:         rec.Amount,
		Asset:          rec.Asset,
		NetworkFee:     rec.NetworkFee,
		Merchant:       rec.Merchant,
		MerchantAmount: rec.MerchantAmount,
		PublishedAt:    time.Now().UTC(),
	}
}

// FromPayoutRecord converts a payout record to an event for publishing.
func FromPayoutRecord(rec payment.PayoutRecord) *PayoutEvent {
	return &PayoutEvent{
		Type:           EventPayout,
		UserSignature:  rec.UserSignature,
		Network:        rec.Network,
		Merchant:       rec.Merchant,
		Amount:         rec.Amount,
		Asset:          rec.Asset,
		Signature:      rec.Signature,
		Error:          rec.Error,
		RetryScheduled: rec.RetryScheduled,
		Timestamp:      rec.Timestamp,
		PublishedAt:    time.Now().UTC(),
	}
}

// SettlementSubject returns the subject settlement events for network are published to.
func SettlementSubject(network string) string {
	return "settlements." + network
}

// PayoutSubject returns the subject payout events for network are published to.
func PayoutSubject(network string) string {
	return "payouts." + network
}
