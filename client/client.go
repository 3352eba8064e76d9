// Package client is a Go client for the facilitator HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/solana"
	"github.com/brojonat/x402-facilitator/service/x402"
)

// Client is the HTTP client for the facilitator service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
	Reason     string `json:"reason,omitempty"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("request failed (%d, %s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// CreatePaymentRequest asks the facilitator for a transfer to co-sign.
type CreatePaymentRequest struct {
	Payer    string `json:"payer"`
	Amount   uint64 `json:"amount"`
	Network  string `json:"network,omitempty"`
	Token    string `json:"token,omitempty"`
	Merchant string `json:"merchant_address,omitempty"`
}

// SettlePaymentRequest submits a co-signed transaction, optionally paying a merchant.
type SettlePaymentRequest struct {
	SignedTransaction string `json:"signed_transaction"`
	Network           string `json:"network,omitempty"`
	Merchant          string `json:"merchant_address,omitempty"`
	MerchantAmount    uint64 `json:"merchant_amount,omitempty"`
	Token             string `json:"token,omitempty"`
}

// FeeStats is the body of GET /fee-stats. The counters are zero when disabled.
type FeeStats struct {
	Enabled bool `json:"enabled"`
	payment.FeeStats
}

// NetworkInfo describes a cluster the facilitator serves.
type NetworkInfo struct {
	Network        string         `json:"network"`
	RPCURL         string         `json:"rpcUrl"`
	ExplorerURL    string         `json:"explorerUrl"`
	NativeCurrency NativeCurrency `json:"nativeCurrency"`
	Supported      bool           `json:"supported"`
	Assets         []assets.Asset `json:"assets"`
}

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Supported is the body of GET /supported.
type Supported struct {
	Kinds               []x402.SupportedKind `json:"kinds"`
	Networks            []NetworkInfo        `json:"networks"`
	DefaultNetwork      string               `json:"default_network"`
	Facilitator         string               `json:"facilitator,omitempty"`
	FacilitationEnabled bool                 `json:"facilitation_enabled"`
	ServiceFeePercent   uint64               `json:"service_fee_percent"`
	StrictVerification  bool                 `json:"strict_verification"`
}

// SettlementPage is one page of GET /settlements.
type SettlementPage struct {
	Settlements []payment.SettlementRecord `json:"settlements"`
	Count       int                        `json:"count"`
	Limit       int                        `json:"limit"`
	Offset      int                        `json:"offset"`
}

// NewClient creates a new facilitator client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		// Settlement can wait for two confirmations.
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreatePayment asks the facilitator to build and fee-sign a payment.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*payment.CreatedPayment, error) {
	var out payment.CreatedPayment
	if err := c.do(ctx, http.MethodPost, "/create-payment", nil, req, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("payment created", "payer", out.Payer, "amount", out.Amount, "asset", out.Asset)
	return &out, nil
}

// Verify checks an x402 payment without broadcasting it.
func (c *Client) Verify(ctx context.Context, req x402.VerifyRequest) (*x402.VerifyResponse, error) {
	var out x402.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/verify", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle verifies and broadcasts an x402 payment. A rejected payment is not an
// error; check Success and ErrorReason.
func (c *Client) Settle(ctx context.Context, req x402.SettleRequest) (*x402.SettleResponse, error) {
	var out x402.SettleResponse
	if err := c.do(ctx, http.MethodPost, "/settle", nil, req, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("payment settled", "success", out.Success, "transaction", out.Transaction)
	return &out, nil
}

// SettlePayment submits a co-signed transaction and, with a merchant, pays the merchant.
func (c *Client) SettlePayment(ctx context.Context, req SettlePaymentRequest) (*payment.SettlementResult, error) {
	var out payment.SettlementResult
	if err := c.do(ctx, http.MethodPost, "/settle-payment", nil, req, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("payment submitted", "signature", out.Signature, "confirmed", out.Confirmed)
	return &out, nil
}

// FeeStats reports fees fronted since the server started.
func (c *Client) FeeStats(ctx context.Context) (*FeeStats, error) {
	var out FeeStats
	if err := c.do(ctx, http.MethodGet, "/fee-stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WalletStatus reports the facilitator balance. An empty network means the server default.
func (c *Client) WalletStatus(ctx context.Context, network string) (*payment.WalletStatus, error) {
	var out payment.WalletStatus
	if err := c.do(ctx, http.MethodGet, "/wallet-status", networkQuery(network), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FundingInfo returns top-up instructions for the facilitator wallet.
func (c *Client) FundingInfo(ctx context.Context, network string) (*payment.FundingInfo, error) {
	var out payment.FundingInfo
	if err := c.do(ctx, http.MethodGet, "/funding-info", networkQuery(network), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Supported lists what the facilitator accepts.
func (c *Client) Supported(ctx context.Context) (*Supported, error) {
	var out Supported
	if err := c.do(ctx, http.MethodGet, "/supported", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transaction looks a signature up on chain through the facilitator.
func (c *Client) Transaction(ctx context.Context, signature, network string) (*solana.TransactionDetails, error) {
	var out solana.TransactionDetails
	path := "/transactions/" + url.PathEscape(signature)
	if err := c.do(ctx, http.MethodGet, path, networkQuery(network), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSettlements pages through recorded settlements, newest first.
func (c *Client) ListSettlements(ctx context.Context, network string, limit, offset int) (*SettlementPage, error) {
	q := networkQuery(network)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}

	var out SettlementPage
	if err := c.do(ctx, http.MethodGet, "/settlements", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSettlement returns one recorded settlement.
func (c *Client) GetSettlement(ctx context.Context, signature string) (*payment.SettlementRecord, error) {
	var out payment.SettlementRecord
	if err := c.do(ctx, http.MethodGet, "/settlements/"+url.PathEscape(signature), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

func networkQuery(network string) url.Values {
	q := url.Values{}
	if network != "" {
		q.Set("network", network)
	}
	return q
}

// do sends body as JSON and decodes a 200 response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse builds an APIError from an error response.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(body))
	}
	c.logger.Debug("request failed", "status", resp.StatusCode, "reason", apiErr.Reason)
	return apiErr
}
