package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/solana"
	"github.com/brojonat/x402-facilitator/service/x402"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleCreatePayment_Success(t *testing.T) {
	env := newTestEnv(t)

	created := env.createPayment(t, 1_000_000)

	assert.NotEmpty(t, created.Transaction)
	assert.Equal(t, testNetwork, created.Network)
	assert.Equal(t, env.payerKey.PublicKey().String(), created.Payer)
	assert.Equal(t, env.facilitatorKey.PublicKey().String(), created.Facilitator)
	assert.Equal(t, uint64(1_000_000), created.Amount)
	assert.Equal(t, "SOL", created.Asset)
	assert.True(t, created.RequiresUserSignature)
	assert.Equal(t, 0, env.chain.submissions(), "creating a payment must not broadcast")
}

func TestHandleCreatePayment_WithMerchantSplit(t *testing.T) {
	env := newTestEnv(t)
	merchant, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/create-payment", map[string]interface{}{
		"payer":            env.payerKey.PublicKey().String(),
		"amount":           1_000_000,
		"merchant_address": merchant.PublicKey().String(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created payment.CreatedPayment
	decodeBody(t, w, &created)
	assert.Equal(t, merchant.PublicKey().String(), created.Merchant)
	assert.Equal(t, uint64(100_000), created.ServiceFee)
	assert.Equal(t, uint64(900_000), created.MerchantAmount)
}

func TestHandleCreatePayment_Validation(t *testing.T) {
	env := newTestEnv(t)
	payer := env.payerKey.PublicKey().String()

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantError  string
		wantReason string
	}{
		{
			name:       "invalid json",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "invalid payer",
			body:       map[string]interface{}{"payer": "not-an-address", "amount": 1000},
			wantStatus: http.StatusBadRequest,
			wantReason: payment.ReasonInvalidAddress,
		},
		{
			name:       "zero amount",
			body:       map[string]interface{}{"payer": payer, "amount": 0},
			wantStatus: http.StatusBadRequest,
			wantReason: payment.ReasonInvalidAmount,
		},
		{
			name:       "invalid merchant",
			body:       map[string]interface{}{"payer": payer, "amount": 1000, "merchant_address": "0OIl"},
			wantStatus: http.StatusBadRequest,
			wantReason: payment.ReasonInvalidAddress,
		},
		{
			name:       "unsupported network",
			body:       map[string]interface{}{"payer": payer, "amount": 1000, "network": "ethereum"},
			wantStatus: http.StatusBadRequest,
			wantReason: payment.ReasonUnsupportedNetwork,
		},
		{
			name:       "unsupported token",
			body:       map[string]interface{}{"payer": payer, "amount": 1000, "token": "DOGE"},
			wantStatus: http.StatusBadRequest,
			wantReason: payment.ReasonUnsupportedAsset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/create-payment", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			var resp errorResponse
			decodeBody(t, w, &resp)
			if tt.wantError != "" {
				assert.Contains(t, resp.Error, tt.wantError)
			}
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, resp.Reason)
			}
		})
	}
}

func TestHandleCreatePayment_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	body := `{"payer":"` + strings.Repeat("a", maxRequestBodySize+1) + `"}`

	w := env.do(t, http.MethodPost, "/create-payment", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "request body too large")
}

func TestHandleCreatePayment_Disabled(t *testing.T) {
	env := newDisabledEnv(t)

	w := env.do(t, http.MethodPost, "/create-payment", map[string]interface{}{
		"payer":  env.payerKey.PublicKey().String(),
		"amount": 1000,
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp errorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, payment.ReasonFacilitationDisabled, resp.Reason)
}

func TestHandleCreatePayment_FacilitatorUnderfunded(t *testing.T) {
	env := newTestEnv(t)
	env.chain.balances[env.facilitatorKey.PublicKey()] = 0

	w := env.do(t, http.MethodPost, "/create-payment", map[string]interface{}{
		"payer":  env.payerKey.PublicKey().String(),
		"amount": 1000,
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp errorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, payment.ReasonInsufficientFacilitatorBalance, resp.Reason)
}

func (e *testEnv) requirements(amount string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: amount,
		Asset:             "SOL",
		PayTo:             e.facilitatorKey.PublicKey().String(),
		Resource:          "https://api.example.com/premium",
		MaxTimeoutSeconds: x402.DefaultMaxTimeoutSeconds,
	}
}

func payloadFor(tx string) x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      x402.SchemeExact,
		Network:     testNetwork,
		Payload:     x402.SolanaPayload{Transaction: tx},
	}
}

func TestHandleVerify(t *testing.T) {
	env := newTestEnv(t)
	created := env.createPayment(t, 1_000_000)
	signed := env.cosign(t, created)

	tests := []struct {
		name       string
		req        x402.VerifyRequest
		wantValid  bool
		wantReason string
	}{
		{
			name: "valid co-signed payment",
			req: x402.VerifyRequest{
				PaymentPayload:      payloadFor(signed),
				PaymentRequirements: env.requirements("1000000"),
			},
			wantValid: true,
		},
		{
			name: "missing payer signature",
			req: x402.VerifyRequest{
				PaymentPayload:      payloadFor(created.Transaction),
				PaymentRequirements: env.requirements("1000000"),
			},
			wantReason: payment.ReasonInsufficientSignatures,
		},
		{
			name: "invalid requirements",
			req: x402.VerifyRequest{
				PaymentPayload:      payloadFor(signed),
				PaymentRequirements: env.requirements("0"),
			},
			wantReason: "invalid requirements",
		},
		{
			name: "payload network mismatch",
			req: x402.VerifyRequest{
				PaymentPayload: func() x402.PaymentPayload {
					p := payloadFor(signed)
					p.Network = "solana"
					return p
				}(),
				PaymentRequirements: env.requirements("1000000"),
			},
			wantReason: "network",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/verify", tt.req)

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var resp x402.VerifyResponse
			decodeBody(t, w, &resp)
			assert.Equal(t, tt.wantValid, resp.Valid)
			if tt.wantValid {
				assert.Equal(t, env.payerKey.PublicKey().String(), resp.Payer)
				assert.Equal(t, "1000000", resp.Amount)
			} else {
				assert.Contains(t, resp.Reason, tt.wantReason)
				assert.Empty(t, resp.Amount)
			}
		})
	}

	assert.Equal(t, 0, env.chain.submissions(), "verify must never broadcast")
}

func TestHandleSettle_Success(t *testing.T) {
	env := newTestEnv(t)
	created := env.createPayment(t, 1_000_000)

	w := env.do(t, http.MethodPost, "/settle", x402.SettleRequest{
		PaymentPayload:      payloadFor(env.cosign(t, created)),
		PaymentRequirements: env.requirements("1000000"),
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp x402.SettleResponse
	decodeBody(t, w, &resp)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Transaction)
	assert.Equal(t, testNetwork, resp.Network)
	assert.Equal(t, env.payerKey.PublicKey().String(), resp.Payer)
	assert.Empty(t, resp.ErrorReason)
	assert.Equal(t, 1, env.chain.submissions())

	var header x402.SettleResponse
	require.NoError(t, x402.DecodeHeader(w.Header().Get(x402.HeaderPaymentResponse), &header))
	assert.Equal(t, resp, header)

	stats := env.ledger.Snapshot()
	assert.Equal(t, uint64(1), stats.TransactionsProcessed)
}

func TestHandleSettle_InvalidPaymentIsNotBroadcast(t *testing.T) {
	env := newTestEnv(t)
	created := env.createPayment(t, 1_000_000)

	w := env.do(t, http.MethodPost, "/settle", x402.SettleRequest{
		PaymentPayload:      payloadFor(created.Transaction),
		PaymentRequirements: env.requirements("1000000"),
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp x402.SettleResponse
	decodeBody(t, w, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, payment.ReasonInsufficientSignatures, resp.ErrorReason)
	assert.NotEmpty(t, w.Header().Get(x402.HeaderPaymentResponse))
	assert.Equal(t, 0, env.chain.submissions())
}

func TestHandleSettle_FailedOnChain(t *testing.T) {
	env := newTestEnv(t)
	env.chain.confirm = func(solanago.Signature) (*solana.Confirmation, error) {
		return nil, errors.Join(solana.ErrTransactionFailed, errors.New("InstructionError"))
	}
	created := env.createPayment(t, 1_000_000)

	w := env.do(t, http.MethodPost, "/settle", x402.SettleRequest{
		PaymentPayload:      payloadFor(env.cosign(t, created)),
		PaymentRequirements: env.requirements("1000000"),
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp x402.SettleResponse
	decodeBody(t, w, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, payment.ReasonTransactionFailed, resp.ErrorReason)
}

func TestHandleSettle_Unresolved(t *testing.T) {
	tests := []struct {
		name    string
		confirm func(solanago.Signature) (*solana.Confirmation, error)
	}{
		{
			name: "confirmation timeout",
			confirm: func(solanago.Signature) (*solana.Confirmation, error) {
				return &solana.Confirmation{TimedOut: true, Status: "processed"}, nil
			},
		},
		{
			name: "cancelled wait",
			confirm: func(solanago.Signature) (*solana.Confirmation, error) {
				return &solana.Confirmation{}, context.Canceled
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.chain.confirm = tt.confirm
			created := env.createPayment(t, 1_000_000)

			w := env.do(t, http.MethodPost, "/settle", x402.SettleRequest{
				PaymentPayload:      payloadFor(env.cosign(t, created)),
				PaymentRequirements: env.requirements("1000000"),
			})

			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var resp x402.SettleResponse
			decodeBody(t, w, &resp)
			assert.True(t, resp.Success)
			assert.Equal(t, payment.ReasonSettlementUnresolved, resp.ErrorReason)
			assert.NotEmpty(t, resp.Transaction)
			assert.Equal(t, 1, env.chain.submissions())
		})
	}
}

func TestHandleSettlePayment_WithMerchantPayout(t *testing.T) {
	env := newTestEnv(t)
	merchant, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	created := env.createPayment(t, 1_000_000)

	w := env.do(t, http.MethodPost, "/settle-payment", map[string]interface{}{
		"signed_transaction": env.cosign(t, created),
		"merchant_address":   merchant.PublicKey().String(),
		"merchant_amount":    900_000,
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result payment.SettlementResult
	decodeBody(t, w, &result)
	assert.True(t, result.Confirmed)
	require.NotNil(t, result.MerchantPayout)
	assert.True(t, result.MerchantPayout.Confirmed)
	assert.NotEmpty(t, result.MerchantPayout.Signature)
	assert.Equal(t, merchant.PublicKey().String(), result.MerchantPayout.Merchant)
	assert.Equal(t, 2, env.chain.submissions(), "user transaction then payout")

	// Only the user transaction's fee is on the ledger.
	assert.Equal(t, uint64(1), env.ledger.Snapshot().TransactionsProcessed)
}

func TestHandleSettlePayment_WithoutMerchant(t *testing.T) {
	env := newTestEnv(t)
	created := env.createPayment(t, 1_000_000)

	w := env.do(t, http.MethodPost, "/settle-payment", map[string]interface{}{
		"signed_transaction": env.cosign(t, created),
	})

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result payment.SettlementResult
	decodeBody(t, w, &result)
	assert.True(t, result.Confirmed)
	assert.Nil(t, result.MerchantPayout)
	assert.Equal(t, "https://solscan.io/tx/"+result.Signature, result.ExplorerURL)
	assert.Equal(t, 1, env.chain.submissions())
}

func TestHandleSettlePayment_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		body       map[string]interface{}
		wantStatus int
		wantReason string
	}{
		{
			name:       "missing transaction",
			body:       map[string]interface{}{},
			wantStatus: http.StatusBadRequest,
			wantReason: payment.ReasonMalformedTransaction,
		},
		{
			name:       "not base64",
			body:       map[string]interface{}{"signed_transaction": "%%%"},
			wantStatus: http.StatusBadRequest,
			wantReason: payment.ReasonMalformedTransaction,
		},
		{
			name: "invalid merchant",
			body: map[string]interface{}{
				"signed_transaction": "AAAA",
				"merchant_address":   "nope",
				"merchant_amount":    10,
			},
			wantStatus: http.StatusBadRequest,
			wantReason: payment.ReasonInvalidAddress,
		},
		{
			name:       "garbage transaction",
			body:       map[string]interface{}{"signed_transaction": "AAAA"},
			wantStatus: http.StatusBadRequest,
			wantReason: payment.ReasonMalformedTransaction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/settle-payment", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			var resp errorResponse
			decodeBody(t, w, &resp)
			assert.Equal(t, tt.wantReason, resp.Reason)
		})
	}
	assert.Equal(t, 0, env.chain.submissions())
}

func TestHandleSettlePayment_FailedOnChain(t *testing.T) {
	env := newTestEnv(t)
	env.chain.confirm = func(solanago.Signature) (*solana.Confirmation, error) {
		return nil, errors.Join(solana.ErrTransactionFailed, errors.New("custom program error"))
	}
	created := env.createPayment(t, 1_000_000)

	w := env.do(t, http.MethodPost, "/settle-payment", map[string]interface{}{
		"signed_transaction": env.cosign(t, created),
	})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	var resp errorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, payment.ReasonTransactionFailed, resp.Reason)

	records := env.recorder.List(testNetwork, 10, 0)
	require.Len(t, records, 1)
	assert.Equal(t, payment.StatusFailed, records[0].Status)
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantMsg    string
	}{
		{query: "", wantLimit: 50},
		{query: "limit=10&offset=20", wantLimit: 10, wantOffset: 20},
		{query: "limit=abc", wantMsg: "invalid limit"},
		{query: "limit=0", wantMsg: "at least 1"},
		{query: "limit=1001", wantMsg: "cannot exceed 1000"},
		{query: "offset=-1", wantMsg: "cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "/settlements?"+tt.query, nil)
			require.NoError(t, err)

			limit, offset, msg := parsePagination(r)

			if tt.wantMsg != "" {
				assert.Contains(t, msg, tt.wantMsg)
				return
			}
			assert.Empty(t, msg)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}
