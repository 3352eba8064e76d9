package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/metrics"
	"github.com/brojonat/x402-facilitator/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// Verifier checks co-signed transactions without broadcasting them.
type Verifier struct {
	wallet   *Wallet
	chain    ChainClient
	registry *assets.Registry
	strict   bool
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// VerifyRequest carries a base64 transaction and what the caller expects it to do.
type VerifyRequest struct {
	Transaction       string
	ExpectedPayer     string // must be the signer in slot 1 when set
	ExpectedAmount    uint64
	ExpectedAsset     string // symbol or mint; empty means SOL
	ExpectedRecipient string // strict mode only; empty means the facilitator
}

// Verification is the verdict of VerifyOffline.
type Verification struct {
	Valid     bool     `json:"valid"`
	Reason    string   `json:"reason,omitempty"`
	Message   string   `json:"message,omitempty"`
	Signature string   `json:"signature,omitempty"`
	Payer     string   `json:"payer,omitempty"`
	Amount    uint64   `json:"amount"`
	Asset     string   `json:"asset,omitempty"`
	Strict    bool     `json:"strict"`
	Warnings  []string `json:"warnings,omitempty"`
}

// NewVerifier wires a verifier. strict enables instruction-level amount and recipient binding.
func NewVerifier(w *Wallet, chain ChainClient, registry *assets.Registry, strict bool, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		wallet:   w,
		chain:    chain,
		registry: registry,
		strict:   strict,
		metrics:  m,
		logger:   logger.With("network", chain.Network()),
	}
}

// Strict reports whether amount and recipient binding is enabled.
func (v *Verifier) Strict() bool {
	return v.strict
}

// VerifyOffline runs structural and funding checks in order and stops at the first failure.
// Only a disabled wallet returns an error; every other outcome is a Verification.
func (v *Verifier) VerifyOffline(ctx context.Context, req VerifyRequest) (*Verification, error) {
	if !v.wallet.Enabled() {
		return nil, ErrFacilitationDisabled
	}

	result := v.verify(ctx, req)
	if v.metrics != nil {
		v.metrics.RecordVerification(v.chain.Network(), result.Valid, result.Reason)
	}
	if result.Valid {
		v.logger.InfoContext(ctx, "transaction verified",
			"payer", result.Payer,
			"amount", result.Amount,
			"asset", result.Asset,
			"warnings", len(result.Warnings),
		)
	} else {
		v.logger.InfoContext(ctx, "transaction rejected",
			"reason", result.Reason,
			"message", result.Message,
		)
	}
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) *Verification {
	result := &Verification{Amount: req.ExpectedAmount, Strict: v.strict}

	tx, _, err := DecodeTransactionBase64(req.Transaction)
	if err != nil {
		return result.reject(ReasonMalformedTransaction, err.Error())
	}
	if sig, ok := TransactionSignature(tx); ok {
		result.Signature = sig.String()
	}

	if n := FilledSignatures(tx); n < 2 {
		return result.reject(ReasonInsufficientSignatures, fmt.Sprintf("expected at least 2 signatures, found %d", n))
	}

	feePayer, ok := FeePayer(tx)
	if !ok || !feePayer.Equals(v.wallet.PublicKey()) {
		return result.reject(ReasonInvalidFeePayer, fmt.Sprintf("fee payer %s is not the facilitator", feePayer))
	}

	if len(tx.Message.Instructions) == 0 {
		return result.reject(ReasonNoInstructions, "transaction has no instructions")
	}

	payer, err := v.payer(tx, req.ExpectedPayer)
	if err != nil {
		return result.reject(ReasonOf(err), messageOf(err))
	}
	result.Payer = payer.String()

	identifier := req.ExpectedAsset
	if identifier == "" {
		identifier = assets.SymbolSOL
	}
	asset, err := v.registry.Lookup(identifier)
	if err != nil {
		return result.reject(ReasonUnsupportedAsset, err.Error())
	}
	result.Asset = asset.Symbol

	if reason, msg := v.checkFunding(ctx, payer, asset, req.ExpectedAmount, result); reason != "" {
		return result.reject(reason, msg)
	}

	if v.strict {
		recipient := v.wallet.PublicKey()
		if req.ExpectedRecipient != "" {
			recipient, err = solanago.PublicKeyFromBase58(req.ExpectedRecipient)
			if err != nil {
				return result.reject(ReasonInvalidAddress, fmt.Sprintf("invalid recipient %q", req.ExpectedRecipient))
			}
		}
		if reason, msg := bindTransfer(tx, payer, recipient, asset, req.ExpectedAmount); reason != "" {
			return result.reject(reason, msg)
		}
	}

	result.Valid = true
	return result
}

func (r *Verification) reject(reason, message string) *Verification {
	r.Valid = false
	r.Reason = reason
	r.Message = message
	return r
}

// payer returns the signer of slot 1, which must match expected when given.
func (v *Verifier) payer(tx *solanago.Transaction, expected string) (solanago.PublicKey, error) {
	pk, ok := SignerAt(tx, 1)
	if !ok {
		return solanago.PublicKey{}, newError(KindStructural, ReasonMalformedTransaction, "transaction has no payer signer")
	}
	if expected == "" {
		return pk, nil
	}
	want, err := parseAddress("payer", expected)
	if err != nil {
		return solanago.PublicKey{}, err
	}
	if !want.Equals(pk) {
		return solanago.PublicKey{}, newError(KindStructural, ReasonInvalidPayer, "payer %s did not sign the transaction; signer is %s", want, pk)
	}
	return pk, nil
}

// checkFunding compares the payer's balance with the expected amount.
// A failed balance query only adds a warning.
func (v *Verifier) checkFunding(ctx context.Context, payer solanago.PublicKey, asset assets.Asset, amount uint64, result *Verification) (string, string) {
	var (
		balance uint64
		err     error
	)
	if asset.Native {
		balance, err = v.chain.NativeBalance(ctx, payer)
	} else {
		balance, err = v.chain.TokenBalance(ctx, payer, asset.Mint)
	}
	if err != nil {
		v.logger.WarnContext(ctx, "balance check failed, continuing",
			"payer", payer.String(),
			"asset", asset.Symbol,
			"error", err,
		)
		result.Warnings = append(result.Warnings, fmt.Sprintf("could not verify %s balance: %v", asset.Symbol, err))
		return "", ""
	}
	if balance < amount {
		return ReasonInsufficientBalance, fmt.Sprintf("payer holds %s %s, needs %s",
			asset.FormatAmount(balance), asset.Symbol, asset.FormatAmount(amount))
	}
	return "", ""
}

// bindTransfer requires the transfers from payer to recipient in asset to sum to amount.
func bindTransfer(tx *solanago.Transaction, payer, recipient solanago.PublicKey, asset assets.Asset, amount uint64) (string, string) {
	transfers, err := solana.ParseTransfers(tx)
	if err != nil {
		return ReasonMalformedTransaction, err.Error()
	}

	var recipientATA solanago.PublicKey
	if !asset.Native {
		recipientATA, _, err = solanago.FindAssociatedTokenAddress(recipient, asset.Mint)
		if err != nil {
			return ReasonInvalidAddress, err.Error()
		}
	}

	var (
		sum        uint64
		matched    bool
		otherAsset bool
	)
	for _, t := range transfers {
		if !t.Authority.Equals(payer) {
			continue
		}
		if !sameAsset(t, asset) {
			otherAsset = true
			continue
		}
		if (asset.Native && t.Destination.Equals(recipient)) || (!asset.Native && t.Destination.Equals(recipientATA)) {
			sum += t.Amount
			matched = true
		}
	}

	switch {
	case !matched && otherAsset:
		return ReasonAssetMismatch, fmt.Sprintf("payer transfers do not move %s to %s", asset.Symbol, recipient)
	case !matched:
		return ReasonRecipientMismatch, fmt.Sprintf("no transfer from %s to %s", payer, recipient)
	case sum != amount:
		return ReasonAmountMismatch, fmt.Sprintf("transfers total %s %s, expected %s",
			asset.FormatAmount(sum), asset.Symbol, asset.FormatAmount(amount))
	}
	return "", ""
}

// sameAsset reports whether t can move asset. Unchecked token transfers carry
// no mint; the destination token account binds them instead.
func sameAsset(t solana.Transfer, asset assets.Asset) bool {
	if asset.Native || t.Native() {
		return asset.Native == t.Native()
	}
	return !t.Checked || t.Mint.Equals(asset.Mint)
}
