package payment

import "sync"

// FeeLedger accumulates network fees fronted by the facilitator since process start.
// One instance is shared by every settler in the process.
type FeeLedger struct {
	mu    sync.Mutex
	total uint64
	count uint64
}

// FeeStats is a consistent snapshot of the ledger.
type FeeStats struct {
	TotalFeesPaid         uint64 `json:"total_fees_paid"`
	TransactionsProcessed uint64 `json:"transactions_processed"`
	AverageFee            uint64 `json:"average_fee"`
}

// NewFeeLedger returns an empty ledger.
func NewFeeLedger() *FeeLedger {
	return &FeeLedger{}
}

// Record books one settled transaction and its fee.
func (l *FeeLedger) Record(fee uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total += fee
	l.count++
}

// Snapshot returns totals with the integer average; the average is 0 when empty.
func (l *FeeLedger) Snapshot() FeeStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := FeeStats{
		TotalFeesPaid:         l.total,
		TransactionsProcessed: l.count,
	}
	if l.count > 0 {
		stats.AverageFee = l.total / l.count
	}
	return stats
}
