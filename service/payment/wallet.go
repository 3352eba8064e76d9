package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/metrics"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	// HardFloorLamports is the balance the facilitator must exceed to front fees.
	HardFloorLamports uint64 = 10_000

	// StandardFeeLamports is the per-signature network fee booked for each settlement.
	StandardFeeLamports uint64 = 5_000

	DefaultMinBalanceLamports uint64 = 100_000
	DefaultServiceFeePercent  uint64 = 10
)

// BalanceReader reads native balances for one network.
type BalanceReader interface {
	Network() string
	NativeBalance(ctx context.Context, address solanago.PublicKey) (uint64, error)
}

// Wallet is the facilitator's fee-paying identity. The private key never leaves this package.
// A wallet built from an empty secret is disabled and refuses every operation.
type Wallet struct {
	key        solanago.PrivateKey
	pub        solanago.PublicKey
	enabled    bool
	minBalance uint64
	feePercent uint64
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// WalletStatus is a point-in-time health report.
type WalletStatus struct {
	Enabled            bool   `json:"enabled"`
	Address            string `json:"address,omitempty"`
	Network            string `json:"network,omitempty"`
	BalanceLamports    uint64 `json:"balance_lamports"`
	BalanceSOL         string `json:"balance_sol"`
	MinBalance         uint64 `json:"min_balance"`
	IsLow              bool   `json:"is_low"`
	CanProcessPayments bool   `json:"can_process_payments"`
	ServiceFeePercent  uint64 `json:"service_fee_percent"`
}

// Split divides a gross amount between the facilitator and a merchant.
type Split struct {
	Amount         uint64 `json:"amount"`
	ServiceFee     uint64 `json:"service_fee"`
	MerchantAmount uint64 `json:"merchant_amount"`
	FeePercent     uint64 `json:"fee_percent"`
}

// WalletOption customizes a Wallet.
type WalletOption func(*Wallet)

// WithWalletMetrics records observed balances on the facilitator balance gauge.
func WithWalletMetrics(m *metrics.Metrics) WalletOption {
	return func(w *Wallet) {
		w.metrics = m
	}
}

// NewWallet loads the facilitator key. The secret may be a base58 encoded 64 byte
// key or the JSON byte array written by solana-keygen. An empty secret yields a
// disabled wallet rather than an error.
func NewWallet(secret string, minBalance, feePercent uint64, logger *slog.Logger, opts ...WalletOption) (*Wallet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if feePercent > 100 {
		return nil, fmt.Errorf("service fee percent must be between 0 and 100, got %d", feePercent)
	}

	w := &Wallet{
		minBalance: minBalance,
		feePercent: feePercent,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(w)
	}

	secret = strings.TrimSpace(secret)
	if secret == "" {
		logger.Warn("facilitator private key not configured, facilitation disabled")
		return w, nil
	}

	key, err := parsePrivateKey(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid facilitator private key: %w", err)
	}
	w.key = key
	w.pub = key.PublicKey()
	w.enabled = true
	w.logger = logger.With("facilitator", w.pub.String())
	w.logger.Info("facilitator wallet loaded",
		"min_balance", minBalance,
		"service_fee_percent", feePercent,
	)
	return w, nil
}

func parsePrivateKey(secret string) (solanago.PrivateKey, error) {
	if strings.HasPrefix(secret, "[") {
		return solanago.PrivateKeyFromSolanaKeygenFileBytes([]byte(secret))
	}
	return solanago.PrivateKeyFromBase58(secret)
}

// Enabled reports whether a key is configured.
func (w *Wallet) Enabled() bool {
	return w != nil && w.enabled
}

// PublicKey returns the facilitator address. It is zero for a disabled wallet.
func (w *Wallet) PublicKey() solanago.PublicKey {
	return w.pub
}

// ServiceFeePercent returns the configured merchant split percentage.
func (w *Wallet) ServiceFeePercent() uint64 {
	return w.feePercent
}

// CheckBalance reads the facilitator balance and reports its health.
func (w *Wallet) CheckBalance(ctx context.Context, reader BalanceReader) (*WalletStatus, error) {
	if !w.Enabled() {
		return nil, ErrFacilitationDisabled
	}

	balance, err := reader.NativeBalance(ctx, w.pub)
	if err != nil {
		return nil, networkError(err, "failed to read facilitator balance")
	}
	if w.metrics != nil {
		w.metrics.SetFacilitatorBalance(reader.Network(), balance)
	}

	status := &WalletStatus{
		Enabled:            true,
		Address:            w.pub.String(),
		Network:            reader.Network(),
		BalanceLamports:    balance,
		BalanceSOL:         nativeAsset.FormatAmount(balance),
		MinBalance:         w.minBalance,
		IsLow:              balance < w.minBalance,
		CanProcessPayments: balance > HardFloorLamports,
		ServiceFeePercent:  w.feePercent,
	}
	if status.IsLow {
		w.logger.WarnContext(ctx, "facilitator balance is low",
			"network", status.Network,
			"balance", balance,
			"min_balance", w.minBalance,
		)
	}
	return status, nil
}

// CanProcessPayments gates every fee-fronting operation on the hard floor.
func (w *Wallet) CanProcessPayments(ctx context.Context, reader BalanceReader) error {
	status, err := w.CheckBalance(ctx, reader)
	if err != nil {
		return err
	}
	if !status.CanProcessPayments {
		return &Error{
			Kind:   KindFunding,
			Reason: ReasonInsufficientFacilitatorBalance,
			Message: fmt.Sprintf("facilitator balance %d lamports on %s is at or below the %d lamport floor",
				status.BalanceLamports, status.Network, HardFloorLamports),
		}
	}
	return nil
}

// CalculateSplit divides amount into the service fee (rounded down) and the merchant share.
func (w *Wallet) CalculateSplit(amount uint64) Split {
	fee := mulDiv(amount, w.feePercent, 100)
	return Split{
		Amount:         amount,
		ServiceFee:     fee,
		MerchantAmount: amount - fee,
		FeePercent:     w.feePercent,
	}
}

// mulDiv computes a*b/c without overflowing for any amount below 2^64.
func mulDiv(a, b, c uint64) uint64 {
	q, r := a/c, a%c
	return q*b + r*b/c
}

// partialSign fills the facilitator's signature slot and leaves the others empty.
func (w *Wallet) partialSign(tx *solanago.Transaction) error {
	if !w.Enabled() {
		return ErrFacilitationDisabled
	}
	if _, err := tx.PartialSign(w.keyGetter); err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

// sign signs a transaction for which the facilitator is the only signer.
func (w *Wallet) sign(tx *solanago.Transaction) error {
	if !w.Enabled() {
		return ErrFacilitationDisabled
	}
	if _, err := tx.Sign(w.keyGetter); err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

func (w *Wallet) keyGetter(key solanago.PublicKey) *solanago.PrivateKey {
	if key.Equals(w.pub) {
		return &w.key
	}
	return nil
}

var nativeAsset = assets.Asset{Symbol: assets.SymbolSOL, Mint: assets.NativeMint, Decimals: assets.NativeDecimals, Native: true}
