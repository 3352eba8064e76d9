package client

import (
	"fmt"

	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/x402"
	solanago "github.com/gagliardetto/solana-go"
)

// Cosign adds the payer's signature to a transaction returned by CreatePayment
// and returns it in base64 wire format, ready for Verify, Settle or SettlePayment.
func Cosign(transaction string, payer solanago.PrivateKey) (string, error) {
	tx, _, err := payment.DecodeTransactionBase64(transaction)
	if err != nil {
		return "", err
	}

	signer := payer.PublicKey()
	required := false
	for _, key := range tx.Message.Signers() {
		if key.Equals(signer) {
			required = true
			break
		}
	}
	if !required {
		return "", fmt.Errorf("%s is not a signer of this transaction", signer)
	}

	if _, err := tx.PartialSign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(signer) {
			return &payer
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	return payment.EncodeTransaction(tx)
}

// PaymentPayload wraps a co-signed transaction for an x402 request.
func PaymentPayload(network, signed string) x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     network,
		Payload:     x402.SolanaPayload{Transaction: signed},
	}
}
