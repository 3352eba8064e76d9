package db

import (
	"context"
	"errors"
	"math"

	"github.com/brojonat/x402-facilitator/service/payment"
)

// Recorder adapts a Store to payment.Recorder.
type Recorder struct {
	store *Store
}

// NewRecorder wraps store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) RecordSettlement(ctx context.Context, rec payment.SettlementRecord) error {
	_, err := r.store.UpsertSettlement(ctx, UpsertSettlementParams{
		Signature:      rec.Signature,
		Network:        rec.Network,
		Payer:          optional(rec.Payer),
		Amount:         toInt64(rec.Amount),
		Asset:          optional(rec.Asset),
		Status:         rec.Status,
		Slot:           toInt64(rec.Slot),
		NetworkFee:     toInt64(rec.NetworkFee),
		Merchant:       optional(rec.Merchant),
		MerchantAmount: toInt64(rec.MerchantAmount),
	})
	return err
}

// RecordPayout updates the settlement the payout belongs to. Payouts for unknown
// settlements are ignored.
func (r *Recorder) RecordPayout(ctx context.Context, rec payment.PayoutRecord) error {
	_, err := r.store.UpdatePayout(ctx, UpdatePayoutParams{
		Signature:       rec.UserSignature,
		Merchant:        optional(rec.Merchant),
		MerchantAmount:  toInt64(rec.Amount),
		PayoutSignature: optional(rec.Signature),
		PayoutError:     optional(rec.Error),
		RetryScheduled:  rec.RetryScheduled,
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (r *Recorder) FindSettlement(ctx context.Context, signature string) (*payment.SettlementRecord, error) {
	s, err := r.store.GetSettlement(ctx, signature)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := ToRecord(s)
	return &rec, nil
}

// ListSettlements returns settlements newest first, optionally filtered by network.
func (r *Recorder) ListSettlements(ctx context.Context, network string, limit, offset int) ([]payment.SettlementRecord, error) {
	rows, err := r.store.ListSettlements(ctx, ListSettlementsParams{
		Network: network,
		Limit:   int32(limit),
		Offset:  int32(offset),
	})
	if err != nil {
		return nil, err
	}
	out := make([]payment.SettlementRecord, len(rows))
	for i, s := range rows {
		out[i] = ToRecord(s)
	}
	return out, nil
}

// ToRecord converts a stored settlement to the payment view.
func ToRecord(s *Settlement) payment.SettlementRecord {
	return payment.SettlementRecord{
		Signature:            s.Signature,
		Network:              s.Network,
		Payer:                deref(s.Payer),
		Amount:               toUint64(s.Amount),
		Asset:                deref(s.Asset),
		Status:               s.Status,
		Slot:                 toUint64(s.Slot),
		NetworkFee:           toUint64(s.NetworkFee),
		Merchant:             deref(s.Merchant),
		MerchantAmount:       toUint64(s.MerchantAmount),
		PayoutSignature:      deref(s.PayoutSignature),
		PayoutError:          deref(s.PayoutError),
		PayoutRetryScheduled: s.PayoutRetryScheduled,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Postgres has no unsigned 64-bit type; values above MaxInt64 are clamped.
func toInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func toUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
