package solana

import (
	"errors"
	"time"
)

// ErrTransactionFailed is returned when the network reports an execution error for a signature.
var ErrTransactionFailed = errors.New("transaction failed on chain")

// Confirmation is the outcome of waiting for a submitted transaction.
type Confirmation struct {
	Confirmed bool   // reached confirmed or finalized commitment
	TimedOut  bool   // deadline elapsed before a final answer
	Slot      uint64 // 0 when unknown
	Status    string // last observed confirmation status
}

// SignatureStatus is a point-in-time view of a submitted signature.
type SignatureStatus struct {
	Slot          uint64  `json:"slot"`
	Confirmations *uint64 `json:"confirmations,omitempty"`
	Status        string  `json:"status"`
	Err           *string `json:"err,omitempty"` // nil if the transaction succeeded or is pending
}

// Landed reports whether the status is at least confirmed and did not fail.
func (s *SignatureStatus) Landed() bool {
	return s != nil && s.Err == nil && (s.Status == "confirmed" || s.Status == "finalized")
}

// TransactionDetails is our domain view of a processed transaction,
// independent of the RPC response format.
type TransactionDetails struct {
	Signature string     `json:"signature"`
	Slot      uint64     `json:"slot"`
	BlockTime *time.Time `json:"block_time,omitempty"`
	Fee       uint64     `json:"fee"`
	Success   bool       `json:"success"`
	Err       *string    `json:"err,omitempty"`
	Transfers []Transfer `json:"transfers"`
}
