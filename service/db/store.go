package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/x402-facilitator/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a settlement does not exist.
var ErrNotFound = errors.New("settlement not found")

// Store provides database operations for settlement records.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// m may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS settlements (
    signature              TEXT PRIMARY KEY,
    network                TEXT NOT NULL,
    payer                  TEXT,
    amount                 BIGINT NOT NULL DEFAULT 0,
    asset                  TEXT,
    status                 TEXT NOT NULL,
    slot                   BIGINT NOT NULL DEFAULT 0,
    network_fee            BIGINT NOT NULL DEFAULT 0,
    merchant               TEXT,
    merchant_amount        BIGINT NOT NULL DEFAULT 0,
    payout_signature       TEXT,
    payout_error           TEXT,
    payout_retry_scheduled BOOLEAN NOT NULL DEFAULT FALSE,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS settlements_network_created_at_idx
    ON settlements (network, created_at DESC);
`

// Migrate creates the settlements table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate settlements schema: %w", err)
	}
	return nil
}

// Settlement is one submitted user transaction and its optional merchant payout.
type Settlement struct {
	Signature            string
	Network              string
	Payer                *string
	Amount               int64
	Asset                *string
	Status               string
	Slot                 int64
	NetworkFee           int64
	Merchant             *string
	MerchantAmount       int64
	PayoutSignature      *string
	PayoutError          *string
	PayoutRetryScheduled bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UpsertSettlementParams contains the fields written by UpsertSettlement.
type UpsertSettlementParams struct {
	Signature      string
	Network        string
	Payer          *string
	Amount         int64
	Asset          *string
	Status         string
	Slot           int64
	NetworkFee     int64
	Merchant       *string
	MerchantAmount int64
}

// ListSettlementsParams contains filter and pagination parameters.
// An empty Network lists every network.
type ListSettlementsParams struct {
	Network string
	Limit   int32
	Offset  int32
}

// UpdatePayoutParams records the outcome of a merchant payout.
type UpdatePayoutParams struct {
	Signature       string
	Merchant        *string
	MerchantAmount  int64
	PayoutSignature *string
	PayoutError     *string
	RetryScheduled  bool
}

// FeeTotals summarizes persisted network fees.
type FeeTotals struct {
	TotalFees int64
	Count     int64
}

const settlementColumns = `signature, network, payer, amount, asset, status, slot, network_fee,
    merchant, merchant_amount, payout_signature, payout_error, payout_retry_scheduled,
    created_at, updated_at`

// UpsertSettlement inserts a settlement or updates the existing row for its signature.
// Payout columns are left untouched on conflict.
func (s *Store) UpsertSettlement(ctx context.Context, params UpsertSettlementParams) (*Settlement, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
INSERT INTO settlements (signature, network, payer, amount, asset, status, slot, network_fee, merchant, merchant_amount)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (signature) DO UPDATE
SET status = EXCLUDED.status,
    slot = EXCLUDED.slot,
    network_fee = EXCLUDED.network_fee,
    payer = COALESCE(EXCLUDED.payer, settlements.payer),
    asset = COALESCE(EXCLUDED.asset, settlements.asset),
    merchant = COALESCE(EXCLUDED.merchant, settlements.merchant),
    merchant_amount = GREATEST(EXCLUDED.merchant_amount, settlements.merchant_amount),
    updated_at = NOW()
RETURNING `+settlementColumns,
		params.Signature,
		params.Network,
		pgtextFromStringPtr(params.Payer),
		params.Amount,
		pgtextFromStringPtr(params.Asset),
		params.Status,
		params.Slot,
		params.NetworkFee,
		pgtextFromStringPtr(params.Merchant),
		params.MerchantAmount,
	)

	settlement, err := scanSettlement(row)
	s.record("upsert", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert settlement %s: %w", params.Signature, err)
	}
	return settlement, nil
}

// GetSettlement retrieves a settlement by signature.
func (s *Store) GetSettlement(ctx context.Context, signature string) (*Settlement, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE signature = $1`, signature)

	settlement, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		s.record("get", start, nil)
		return nil, ErrNotFound
	}
	s.record("get", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement %s: %w", signature, err)
	}
	return settlement, nil
}

// ListSettlements returns settlements newest first.
func (s *Store) ListSettlements(ctx context.Context, params ListSettlementsParams) ([]*Settlement, error) {
	start := time.Now()
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
SELECT `+settlementColumns+`
FROM settlements
WHERE ($1::TEXT = '' OR network = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`, params.Network, limit, params.Offset)
	if err != nil {
		s.record("list", start, err)
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer rows.Close()

	var settlements []*Settlement
	for rows.Next() {
		settlement, err := scanSettlement(rows)
		if err != nil {
			s.record("list", start, err)
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, settlement)
	}
	err = rows.Err()
	s.record("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return settlements, nil
}

// UpdatePayout stores the merchant payout outcome on an existing settlement.
func (s *Store) UpdatePayout(ctx context.Context, params UpdatePayoutParams) (*Settlement, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
UPDATE settlements
SET merchant = COALESCE($2, merchant),
    merchant_amount = $3,
    payout_signature = $4,
    payout_error = $5,
    payout_retry_scheduled = $6,
    updated_at = NOW()
WHERE signature = $1
RETURNING `+settlementColumns,
		params.Signature,
		pgtextFromStringPtr(params.Merchant),
		params.MerchantAmount,
		pgtextFromStringPtr(params.PayoutSignature),
		pgtextFromStringPtr(params.PayoutError),
		params.RetryScheduled,
	)

	settlement, err := scanSettlement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		s.record("update_payout", start, nil)
		return nil, ErrNotFound
	}
	s.record("update_payout", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to update payout for %s: %w", params.Signature, err)
	}
	return settlement, nil
}

// FeeTotals sums the network fees of confirmed and unresolved settlements.
// An empty network sums across every network.
func (s *Store) FeeTotals(ctx context.Context, network string) (FeeTotals, error) {
	start := time.Now()
	var totals FeeTotals
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(network_fee), 0)::BIGINT, COUNT(*)
FROM settlements
WHERE status IN ('confirmed', 'unresolved')
  AND network_fee > 0
  AND ($1::TEXT = '' OR network = $1)`, network).Scan(&totals.TotalFees, &totals.Count)
	s.record("fee_totals", start, err)
	if err != nil {
		return FeeTotals{}, fmt.Errorf("failed to sum fees: %w", err)
	}
	return totals, nil
}

func (s *Store) record(operation string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, "settlements", time.Since(start).Seconds(), err)
	}
}

func scanSettlement(row pgx.Row) (*Settlement, error) {
	var out Settlement
	var payer, asset, merchant, payoutSignature, payoutError pgtype.Text
	var createdAt, updatedAt pgtype.Timestamptz
	err := row.Scan(
		&out.Signature,
		&out.Network,
		&payer,
		&out.Amount,
		&asset,
		&out.Status,
		&out.Slot,
		&out.NetworkFee,
		&merchant,
		&out.MerchantAmount,
		&payoutSignature,
		&payoutError,
		&out.PayoutRetryScheduled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	out.Payer = stringPtrFromPgtext(payer)
	out.Asset = stringPtrFromPgtext(asset)
	out.Merchant = stringPtrFromPgtext(merchant)
	out.PayoutSignature = stringPtrFromPgtext(payoutSignature)
	out.PayoutError = stringPtrFromPgtext(payoutError)
	out.CreatedAt = createdAt.Time
	out.UpdatedAt = updatedAt.Time
	return &out, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
