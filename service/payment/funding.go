package payment

import (
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/skip2/go-qrcode"
)

const (
	// RecommendedFundingLamports is the top-up suggested to operators (0.1 SOL).
	RecommendedFundingLamports uint64 = 100_000_000

	DevnetFaucetURL = "https://faucet.solana.com"
)

// FundingInfo tells an operator how to top up the facilitator wallet.
type FundingInfo struct {
	Address               string `json:"address"`
	Network               string `json:"network"`
	RecommendedLamports   uint64 `json:"recommended_lamports"`
	RecommendedSOL        string `json:"recommended_sol"`
	EstimatedTransactions uint64 `json:"estimated_transactions"`
	FaucetURL             string `json:"faucet_url,omitempty"`
	PaymentURL            string `json:"payment_url"`  // Solana Pay URL for wallet apps
	QRCodeData            string `json:"qr_code_data"` // base64 PNG, empty if generation failed
}

// FundingInfo builds top-up instructions for the given network.
func (w *Wallet) FundingInfo(network string) (*FundingInfo, error) {
	if !w.Enabled() {
		return nil, ErrFacilitationDisabled
	}

	info := &FundingInfo{
		Address:               w.pub.String(),
		Network:               network,
		RecommendedLamports:   RecommendedFundingLamports,
		RecommendedSOL:        nativeAsset.FormatAmount(RecommendedFundingLamports),
		EstimatedTransactions: RecommendedFundingLamports / StandardFeeLamports,
		PaymentURL:            buildSolanaPayURL(w.pub.String(), RecommendedFundingLamports),
	}
	if network == "solana-devnet" {
		info.FaucetURL = DevnetFaucetURL
	}

	qr, err := generateQRCode(info.PaymentURL)
	if err != nil {
		// QR code is optional
		w.logger.Warn("failed to generate funding QR code", "error", err)
	}
	info.QRCodeData = qr
	return info, nil
}

// buildSolanaPayURL creates a Solana Pay transfer request.
// Format: solana:{recipient}?amount={amount}&label={label}&message={message}
func buildSolanaPayURL(recipient string, lamports uint64) string {
	params := url.Values{}
	params.Set("amount", nativeAsset.FormatAmount(lamports))
	params.Set("label", "x402 Facilitator")
	params.Set("message", "Fund facilitator fee wallet")
	return fmt.Sprintf("solana:%s?%s", recipient, params.Encode())
}

// generateQRCode renders data as a base64 encoded 256x256 PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
