package server

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/x402"
)

// createPaymentRequest is the body of POST /create-payment.
type createPaymentRequest struct {
	Payer    string `json:"payer"`
	Amount   uint64 `json:"amount"`
	Network  string `json:"network"`
	Token    string `json:"token"`
	Merchant string `json:"merchant_address"`
}

// settlePaymentRequest is the body of POST /settle-payment.
type settlePaymentRequest struct {
	SignedTransaction string `json:"signed_transaction"`
	Network           string `json:"network"`
	Merchant          string `json:"merchant_address"`
	MerchantAmount    uint64 `json:"merchant_amount"`
	Token             string `json:"token"`
}

// handleCreatePayment builds a transfer to the facilitator for the payer to co-sign.
// POST /create-payment
func handleCreatePayment(nets *networks, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req createPaymentRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}

		if !x402.ValidAddress(req.Payer) {
			writeValidationError(w, payment.ReasonInvalidAddress, "payer must be a base58 Solana address")
			return
		}
		if err := x402.ValidateAmount(req.Amount); err != nil {
			writeValidationError(w, payment.ReasonInvalidAmount, err.Error())
			return
		}
		if req.Merchant != "" && !x402.ValidAddress(req.Merchant) {
			writeValidationError(w, payment.ReasonInvalidAddress, "merchant_address must be a base58 Solana address")
			return
		}

		net, err := nets.get(req.Network)
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		created, err := net.Creator.CreatePayment(r.Context(), payment.CreatePaymentRequest{
			Payer:    req.Payer,
			Amount:   req.Amount,
			Asset:    req.Token,
			Merchant: req.Merchant,
		})
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		logger.InfoContext(r.Context(), "payment created",
			"network", created.Network,
			"payer", created.Payer,
			"amount", created.Amount,
			"asset", created.Asset,
		)
		writeJSON(w, created, http.StatusOK)
	})
}

// handleVerify checks an x402 payment without broadcasting it. Invalid payments
// are a 200 with valid=false; only a disabled facilitator is an error status.
// POST /verify
func handleVerify(nets *networks, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req x402.VerifyRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}

		requirements := req.PaymentRequirements
		if err := x402.ValidateRequirements(requirements); err != nil {
			writeJSON(w, x402.VerifyResponse{Reason: "invalid requirements: " + err.Error()}, http.StatusOK)
			return
		}
		if err := x402.ValidatePayload(req.PaymentPayload, requirements); err != nil {
			writeJSON(w, x402.VerifyResponse{Reason: err.Error()}, http.StatusOK)
			return
		}

		net, err := nets.get(requirements.Network)
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		amount, _ := x402.ParseAmount(requirements.MaxAmountRequired)
		result, err := net.Verifier.VerifyOffline(r.Context(), payment.VerifyRequest{
			Transaction:    req.PaymentPayload.Payload.Transaction,
			ExpectedAmount: amount,
			ExpectedAsset:  requirements.Asset,
		})
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		resp := x402.VerifyResponse{
			Valid:    result.Valid,
			Reason:   result.Reason,
			Payer:    result.Payer,
			Warnings: result.Warnings,
		}
		if result.Valid {
			resp.Amount = requirements.MaxAmountRequired
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleSettle verifies and broadcasts an x402 payment. The outcome is also
// returned base64 encoded in the X-PAYMENT-RESPONSE header.
// POST /settle
func handleSettle(nets *networks, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req x402.SettleRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}

		respond := func(resp x402.SettleResponse) {
			if header, err := x402.EncodeHeader(resp); err == nil {
				w.Header().Set(x402.HeaderPaymentResponse, header)
			}
			writeJSON(w, resp, http.StatusOK)
		}

		requirements := req.PaymentRequirements
		if err := x402.ValidateRequirements(requirements); err != nil {
			respond(x402.SettleResponse{ErrorReason: "invalid requirements: " + err.Error()})
			return
		}
		if err := x402.ValidatePayload(req.PaymentPayload, requirements); err != nil {
			respond(x402.SettleResponse{ErrorReason: err.Error()})
			return
		}

		net, err := nets.get(requirements.Network)
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		// Verify again before spending the facilitator's fee.
		amount, _ := x402.ParseAmount(requirements.MaxAmountRequired)
		verification, err := net.Verifier.VerifyOffline(r.Context(), payment.VerifyRequest{
			Transaction:    req.PaymentPayload.Payload.Transaction,
			ExpectedAmount: amount,
			ExpectedAsset:  requirements.Asset,
		})
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}
		if !verification.Valid {
			respond(x402.SettleResponse{Payer: verification.Payer, ErrorReason: verification.Reason})
			return
		}

		_, raw, err := payment.DecodeTransactionBase64(req.PaymentPayload.Payload.Transaction)
		if err != nil {
			respond(x402.SettleResponse{ErrorReason: payment.ReasonMalformedTransaction})
			return
		}

		result, err := net.Settler.Submit(r.Context(), raw)
		if err != nil {
			if payment.KindOf(err) == payment.KindConfiguration {
				writePaymentError(w, r, err, logger)
				return
			}
			logger.WarnContext(r.Context(), "x402 settlement failed", "reason", payment.ReasonOf(err), "error", err)
			respond(x402.SettleResponse{Payer: verification.Payer, ErrorReason: errorReason(err)})
			return
		}

		// A broadcast that did not fail on chain is a success, even while its
		// confirmation is still unresolved.
		resp := x402.SettleResponse{
			Success:     true,
			Transaction: result.Signature,
			Network:     result.Network,
			Payer:       verification.Payer,
		}
		if result.Unresolved {
			resp.ErrorReason = payment.ReasonSettlementUnresolved
		}
		respond(resp)
	})
}

// handleSettlePayment broadcasts a co-signed transaction and, when a merchant is
// given, pays the merchant from the facilitator afterwards.
// POST /settle-payment
func handleSettlePayment(nets *networks, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req settlePaymentRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}

		if req.SignedTransaction == "" {
			writeValidationError(w, payment.ReasonMalformedTransaction, "signed_transaction is required")
			return
		}
		raw, err := base64.StdEncoding.DecodeString(req.SignedTransaction)
		if err != nil {
			writeValidationError(w, payment.ReasonMalformedTransaction, "signed_transaction must be base64")
			return
		}
		if req.Merchant != "" {
			if !x402.ValidAddress(req.Merchant) {
				writeValidationError(w, payment.ReasonInvalidAddress, "merchant_address must be a base58 Solana address")
				return
			}
			if err := x402.ValidateAmount(req.MerchantAmount); err != nil {
				writeValidationError(w, payment.ReasonInvalidAmount, "merchant_amount: "+err.Error())
				return
			}
		}

		net, err := nets.get(req.Network)
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		var result *payment.SettlementResult
		if req.Merchant != "" {
			result, err = net.Settler.SettleWithMerchantPayout(r.Context(), raw, req.Merchant, req.MerchantAmount, req.Token)
		} else {
			result, err = net.Settler.Submit(r.Context(), raw)
		}
		if err != nil {
			writePaymentError(w, r, err, logger)
			return
		}

		writeJSON(w, result, http.StatusOK)
	})
}

// errorReason is the machine-readable reason for err, or a generic one.
func errorReason(err error) string {
	if reason := payment.ReasonOf(err); reason != "" {
		return reason
	}
	return "settlement_failed"
}

// parsePagination reads limit (1..1000, default 50) and offset (>= 0).
func parsePagination(r *http.Request) (limit, offset int, msg string) {
	limit = 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, "invalid limit parameter: must be an integer"
		}
		if n < 1 {
			return 0, 0, "limit must be at least 1"
		}
		if n > 1000 {
			return 0, 0, "limit cannot exceed 1000"
		}
		limit = n
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, "invalid offset parameter: must be an integer"
		}
		if n < 0 {
			return 0, 0, "offset cannot be negative"
		}
		offset = n
	}
	return limit, offset, ""
}
