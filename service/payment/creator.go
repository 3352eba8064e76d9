// Package payment implements the facilitator's payment lifecycle: building
// partially-signed transfers, verifying co-signed transactions offline, and
// settling them on chain with optional merchant payouts.
package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/metrics"
	"github.com/brojonat/x402-facilitator/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// ChainClient is the slice of the chain adapter the payment engine uses.
// *solana.Client satisfies it.
type ChainClient interface {
	Network() string
	LatestBlockhash(ctx context.Context) (solanago.Hash, error)
	AccountExists(ctx context.Context, address solanago.PublicKey) (bool, error)
	NativeBalance(ctx context.Context, address solanago.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solanago.PublicKey) (uint64, error)
	SubmitRaw(ctx context.Context, raw []byte, preflight bool) (solanago.Signature, error)
	Confirm(ctx context.Context, sig solanago.Signature, deadline time.Duration) (*solana.Confirmation, error)
	SignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error)
}

// Creator builds payment transactions with the facilitator as fee payer.
type Creator struct {
	wallet   *Wallet
	chain    ChainClient
	registry *assets.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// CreatePaymentRequest asks for a transfer from Payer to the facilitator.
type CreatePaymentRequest struct {
	Payer    string
	Amount   uint64
	Asset    string // symbol or mint; empty means SOL
	Merchant string // optional; adds the service fee split to the response
}

// CreatedPayment is a transaction carrying the facilitator signature and waiting for the payer's.
type CreatedPayment struct {
	Transaction           string `json:"transaction"` // base64 wire format
	Network               string `json:"network"`
	Payer                 string `json:"payer"`
	Facilitator           string `json:"facilitator"`
	Amount                uint64 `json:"amount"`
	AmountDisplay         string `json:"amount_display"`
	Asset                 string `json:"asset"`
	Mint                  string `json:"mint"`
	Blockhash             string `json:"blockhash"`
	RequiresUserSignature bool   `json:"requires_user_signature"`
	Merchant              string `json:"merchant,omitempty"`
	ServiceFee            uint64 `json:"service_fee,omitempty"`
	MerchantAmount        uint64 `json:"merchant_amount,omitempty"`
}

// NewCreator wires a creator for the chain client's network.
func NewCreator(w *Wallet, chain ChainClient, registry *assets.Registry, m *metrics.Metrics, logger *slog.Logger) *Creator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Creator{
		wallet:   w,
		chain:    chain,
		registry: registry,
		metrics:  m,
		logger:   logger.With("network", chain.Network()),
	}
}

// Registry returns the asset registry for this creator's network.
func (c *Creator) Registry() *assets.Registry {
	return c.registry
}

// CreatePayment builds a transfer of req.Amount from the payer to the facilitator,
// signed by the facilitator as fee payer. The payer signs slot 1 afterwards.
func (c *Creator) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*CreatedPayment, error) {
	created, err := c.createPayment(ctx, req)
	if c.metrics != nil {
		status := "success"
		if err != nil {
			status = ReasonOf(err)
			if status == "" {
				status = "error"
			}
		}
		asset := req.Asset
		if created != nil {
			asset = created.Asset
		}
		c.metrics.RecordPaymentCreated(c.chain.Network(), asset, status)
	}
	return created, err
}

func (c *Creator) createPayment(ctx context.Context, req CreatePaymentRequest) (*CreatedPayment, error) {
	if !c.wallet.Enabled() {
		return nil, ErrFacilitationDisabled
	}
	if req.Amount == 0 {
		return nil, newError(KindValidation, ReasonInvalidAmount, "amount must be positive")
	}

	asset, err := c.resolveAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	if asset.MinAmount > 0 && req.Amount < asset.MinAmount {
		return nil, newError(KindValidation, ReasonAmountBelowMinimum,
			"amount %d is below the %s minimum of %d", req.Amount, asset.Symbol, asset.MinAmount)
	}

	payer, err := parseAddress("payer", req.Payer)
	if err != nil {
		return nil, err
	}

	var split *Split
	if req.Merchant != "" {
		if _, err := parseAddress("merchant", req.Merchant); err != nil {
			return nil, err
		}
		s := c.wallet.CalculateSplit(req.Amount)
		split = &s
	}

	if err := c.wallet.CanProcessPayments(ctx, c.chain); err != nil {
		return nil, err
	}

	facilitator := c.wallet.PublicKey()
	tx, blockhash, err := c.assemble(ctx, TransferParams{
		Source:      payer,
		Destination: facilitator,
		FeePayer:    facilitator,
		Asset:       asset,
		Amount:      req.Amount,
	})
	if err != nil {
		return nil, err
	}
	if err := c.wallet.partialSign(tx); err != nil {
		return nil, err
	}

	encoded, err := EncodeTransaction(tx)
	if err != nil {
		return nil, wrapError(KindStructural, ReasonMalformedTransaction, err, "failed to serialize payment")
	}

	created := &CreatedPayment{
		Transaction:           encoded,
		Network:               c.chain.Network(),
		Payer:                 payer.String(),
		Facilitator:           facilitator.String(),
		Amount:                req.Amount,
		AmountDisplay:         asset.FormatAmount(req.Amount),
		Asset:                 asset.Symbol,
		Mint:                  asset.Mint.String(),
		Blockhash:             blockhash.String(),
		RequiresUserSignature: true,
	}
	if split != nil {
		created.Merchant = req.Merchant
		created.ServiceFee = split.ServiceFee
		created.MerchantAmount = split.MerchantAmount
	}

	c.logger.InfoContext(ctx, "payment created",
		"payer", created.Payer,
		"amount", req.Amount,
		"asset", asset.Symbol,
		"blockhash", created.Blockhash,
	)
	return created, nil
}

// CreateMerchantPayout builds and fully signs a transfer from the facilitator to merchant.
// It is only meant to run after the corresponding user payment confirmed.
func (c *Creator) CreateMerchantPayout(ctx context.Context, merchant solanago.PublicKey, amount uint64, asset assets.Asset) (*solanago.Transaction, error) {
	if !c.wallet.Enabled() {
		return nil, ErrFacilitationDisabled
	}
	if merchant.IsZero() {
		return nil, newError(KindValidation, ReasonInvalidAddress, "merchant address is required")
	}

	facilitator := c.wallet.PublicKey()
	tx, _, err := c.assemble(ctx, TransferParams{
		Source:      facilitator,
		Destination: merchant,
		FeePayer:    facilitator,
		Asset:       asset,
		Amount:      amount,
	})
	if err != nil {
		return nil, err
	}
	if err := c.wallet.sign(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// assemble builds instructions and wraps them in a transaction paid by p.FeePayer.
func (c *Creator) assemble(ctx context.Context, p TransferParams) (*solanago.Transaction, solanago.Hash, error) {
	instructions, err := BuildTransfer(ctx, c.chain, p)
	if err != nil {
		return nil, solanago.Hash{}, err
	}

	blockhash, err := c.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, solanago.Hash{}, networkError(err, "failed to fetch recent blockhash")
	}

	tx, err := solanago.NewTransaction(instructions, blockhash, solanago.TransactionPayer(p.FeePayer))
	if err != nil {
		return nil, solanago.Hash{}, wrapError(KindStructural, ReasonMalformedTransaction, err, "failed to assemble transaction")
	}
	return tx, blockhash, nil
}

// resolveAsset accepts a symbol or mint. Empty means the native asset.
func (c *Creator) resolveAsset(identifier string) (assets.Asset, error) {
	if identifier == "" {
		identifier = assets.SymbolSOL
	}
	asset, err := c.registry.Lookup(identifier)
	if err != nil {
		if errors.Is(err, assets.ErrUnsupportedAsset) {
			return assets.Asset{}, wrapError(KindValidation, ReasonUnsupportedAsset, err, "asset %q is not supported on %s", identifier, c.registry.Network())
		}
		return assets.Asset{}, err
	}
	return asset, nil
}

func parseAddress(field, value string) (solanago.PublicKey, error) {
	if value == "" {
		return solanago.PublicKey{}, newError(KindValidation, ReasonInvalidAddress, "%s address is required", field)
	}
	pk, err := solanago.PublicKeyFromBase58(value)
	if err != nil {
		return solanago.PublicKey{}, wrapError(KindValidation, ReasonInvalidAddress, err, "invalid %s address %q", field, value)
	}
	return pk, nil
}
