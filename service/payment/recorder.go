package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Settlement statuses as persisted and published.
const (
	StatusConfirmed  = "confirmed"
	StatusUnresolved = "unresolved"
	StatusFailed     = "failed"
)

// SettlementRecord is the durable view of one submitted user transaction.
type SettlementRecord struct {
	Signature            string    `json:"signature"`
	Network              string    `json:"network"`
	Payer                string    `json:"payer,omitempty"`
	Amount               uint64    `json:"amount"`
	Asset                string    `json:"asset,omitempty"`
	Status               string    `json:"status"`
	Slot                 uint64    `json:"slot"`
	NetworkFee           uint64    `json:"network_fee"`
	Merchant             string    `json:"merchant,omitempty"`
	MerchantAmount       uint64    `json:"merchant_amount,omitempty"`
	PayoutSignature      string    `json:"payout_signature,omitempty"`
	PayoutError          string    `json:"payout_error,omitempty"`
	PayoutRetryScheduled bool      `json:"payout_retry_scheduled"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// PayoutRecord describes one merchant payout attempt for a settled user transaction.
type PayoutRecord struct {
	UserSignature  string    `json:"user_signature"`
	Network        string    `json:"network"`
	Merchant       string    `json:"merchant"`
	Amount         uint64    `json:"amount"`
	Asset          string    `json:"asset"`
	Signature      string    `json:"signature,omitempty"`
	Error          string    `json:"error,omitempty"`
	RetryScheduled bool      `json:"retry_scheduled"`
	Timestamp      time.Time `json:"timestamp"`
}

// PayoutRequest is the durable description of a payout to run later. When Prepared
// is set the payout was already signed and possibly broadcast: only that exact
// transaction may be sent.
type PayoutRequest struct {
	Network       string          `json:"network"`
	UserSignature string          `json:"user_signature"`
	Merchant      string          `json:"merchant"`
	Amount        uint64          `json:"amount"`
	Asset         string          `json:"asset"`
	Prepared      *PreparedPayout `json:"prepared,omitempty"`
}

// Recorder persists settlements. FindSettlement returns (nil, nil) for unknown signatures.
type Recorder interface {
	RecordSettlement(ctx context.Context, rec SettlementRecord) error
	RecordPayout(ctx context.Context, rec PayoutRecord) error
	FindSettlement(ctx context.Context, signature string) (*SettlementRecord, error)
}

// EventPublisher announces settlement and payout outcomes.
type EventPublisher interface {
	PublishSettlement(ctx context.Context, rec SettlementRecord) error
	PublishPayout(ctx context.Context, rec PayoutRecord) error
}

// PayoutRetrier schedules a merchant payout for out-of-band execution.
type PayoutRetrier interface {
	SchedulePayoutRetry(ctx context.Context, req PayoutRequest) error
}

// MemoryRecorder keeps settlements in process memory. It is the default when no
// database is configured and is lost on restart.
type MemoryRecorder struct {
	mu      sync.Mutex
	records map[string]SettlementRecord
}

// NewMemoryRecorder returns an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{records: make(map[string]SettlementRecord)}
}

func (r *MemoryRecorder) RecordSettlement(ctx context.Context, rec SettlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if existing, ok := r.records[rec.Signature]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	r.records[rec.Signature] = rec
	return nil
}

func (r *MemoryRecorder) RecordPayout(ctx context.Context, rec PayoutRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.records[rec.UserSignature]
	if !ok {
		return nil
	}
	existing.Merchant = rec.Merchant
	existing.MerchantAmount = rec.Amount
	existing.PayoutSignature = rec.Signature
	existing.PayoutError = rec.Error
	existing.PayoutRetryScheduled = rec.RetryScheduled
	existing.UpdatedAt = time.Now()
	r.records[rec.UserSignature] = existing
	return nil
}

func (r *MemoryRecorder) FindSettlement(ctx context.Context, signature string) (*SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[signature]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// List returns settlements newest first, optionally filtered by network.
func (r *MemoryRecorder) List(network string, limit, offset int) []SettlementRecord {
	r.mu.Lock()
	out := make([]SettlementRecord, 0, len(r.records))
	for _, rec := range r.records {
		if network == "" || rec.Network == network {
			out = append(out, rec)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []SettlementRecord{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// ListSettlements is List with the signature shared by the persistent recorder.
func (r *MemoryRecorder) ListSettlements(ctx context.Context, network string, limit, offset int) ([]SettlementRecord, error) {
	return r.List(network, limit, offset), nil
}
