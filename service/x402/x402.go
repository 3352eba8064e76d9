// Package x402 holds the x402 v1 wire types the facilitator speaks and the
// validation and header encoding shared by the HTTP server and client.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/brojonat/x402-facilitator/service/config"
)

const (
	Version = 1

	SchemeExact = "exact"

	// HeaderPayment carries a PaymentPayload from client to resource server.
	HeaderPayment = "X-PAYMENT"
	// HeaderPaymentResponse carries a SettleResponse back to the client.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"

	// MaxAmount is the largest accepted amount in atomic units.
	MaxAmount uint64 = 1_000_000_000_000_000_000

	DefaultMaxTimeoutSeconds = 60
)

// Solana addresses are base58, 32 to 44 characters.
var addressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// PaymentRequirements is one accepted payment method, sent in a 402 response.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"` // atomic units
	Asset             string `json:"asset"`             // mint address or symbol
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Description       string `json:"description,omitempty"`
	MimeType          string `json:"mimeType,omitempty"`
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// SolanaPayload carries the co-signed transaction.
type SolanaPayload struct {
	Transaction string `json:"transaction"` // base64 wire format
}

// PaymentPayload is what a client sends in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int           `json:"x402Version"`
	Scheme      string        `json:"scheme"`
	Network     string        `json:"network"`
	Payload     SolanaPayload `json:"payload"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is returned by POST /verify.
type VerifyResponse struct {
	Valid    bool     `json:"valid"`
	Reason   string   `json:"reason,omitempty"`
	Payer    string   `json:"payer,omitempty"`
	Amount   string   `json:"amount,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest struct {
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleResponse is returned by POST /settle and echoed in X-PAYMENT-RESPONSE.
type SettleResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// SupportedKind is one scheme and network pair the facilitator accepts.
type SupportedKind struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

// Kinds lists the supported kinds for the given networks.
func Kinds(networks ...string) []SupportedKind {
	kinds := make([]SupportedKind, 0, len(networks))
	for _, n := range networks {
		kinds = append(kinds, SupportedKind{X402Version: Version, Scheme: SchemeExact, Network: n})
	}
	return kinds
}

// ValidAddress reports whether s looks like a Solana address.
func ValidAddress(s string) bool {
	return addressRegex.MatchString(s)
}

// ParseAmount parses an atomic amount and checks 0 < amount <= MaxAmount.
func ParseAmount(s string) (uint64, error) {
	amount, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount must be a valid integer: %q", s)
	}
	if err := ValidateAmount(amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// ValidateAmount checks 0 < amount <= MaxAmount.
func ValidateAmount(amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("amount must be positive")
	}
	if amount > MaxAmount {
		return fmt.Errorf("amount too large: maximum is %d", MaxAmount)
	}
	return nil
}

// ValidateRequirements checks the structure of payment requirements.
func ValidateRequirements(req PaymentRequirements) error {
	if req.Scheme != SchemeExact {
		return fmt.Errorf("unsupported scheme %q", req.Scheme)
	}
	if !config.IsKnownNetwork(req.Network) {
		return fmt.Errorf("unsupported network %q", req.Network)
	}
	if _, err := ParseAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("invalid maxAmountRequired: %w", err)
	}
	if !ValidAddress(req.PayTo) {
		return fmt.Errorf("invalid payTo address %q", req.PayTo)
	}
	if strings.TrimSpace(req.Asset) == "" {
		return fmt.Errorf("asset is required")
	}
	return nil
}

// ValidatePayload checks that a payload matches the scheme and network it is offered for.
func ValidatePayload(p PaymentPayload, req PaymentRequirements) error {
	if p.X402Version != Version {
		return fmt.Errorf("unsupported x402 version %d", p.X402Version)
	}
	if p.Scheme != req.Scheme {
		return fmt.Errorf("payload scheme %q does not match requirements %q", p.Scheme, req.Scheme)
	}
	if p.Network != req.Network {
		return fmt.Errorf("payload network %q does not match requirements %q", p.Network, req.Network)
	}
	if p.Payload.Transaction == "" {
		return fmt.Errorf("payload transaction is required")
	}
	return nil
}

// EncodeHeader encodes v as base64 JSON for an x402 header.
func EncodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader decodes a base64 JSON x402 header into v.
func DecodeHeader(header string, v any) error {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal header: %w", err)
	}
	return nil
}
