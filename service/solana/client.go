package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/x402-facilitator/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultRetryBackoff = time.Second
	maxReadAttempts     = 3
)

// Client is the chain adapter for a single network.
// It wraps the RPC client with the operations the payment engine needs,
// recording metrics and retrying read calls on transient failures.
type Client struct {
	rpc          RPCClient
	network      string
	endpoint     string // RPC endpoint identifier for metrics (e.g. rpc host)
	pollInterval time.Duration
	retryBackoff time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithPollInterval sets how often Confirm polls signature statuses.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRetryBackoff sets the base backoff between read retries.
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryBackoff = d
	}
}

// NewClient creates a new Solana client bound to one network.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, network, endpoint string, m *metrics.Metrics, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		rpc:          rpcClient,
		network:      network,
		endpoint:     endpoint,
		pollInterval: defaultPollInterval,
		retryBackoff: defaultRetryBackoff,
		logger:       logger.With("network", network),
		metrics:      m,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Network returns the network identifier this client serves.
func (c *Client) Network() string {
	return c.network
}

// LatestBlockhash returns a recent finalized blockhash.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.read(ctx, "GetLatestBlockhash", func() error {
		var err error
		out, err = c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: empty response")
	}
	return out.Value.Blockhash, nil
}

// AccountExists reports whether an account is allocated on chain.
// A not-found answer is (false, nil); transport failures are returned as errors.
func (c *Client) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	var out *rpc.GetAccountInfoResult
	err := c.read(ctx, "GetAccountInfo", func() error {
		var err error
		out, err = c.rpc.GetAccountInfo(ctx, address)
		if errors.Is(err, rpc.ErrNotFound) {
			out = nil
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to get account info for %s: %w", address, err)
	}
	return out != nil && out.Value != nil, nil
}

// NativeBalance returns the lamport balance of an account.
func (c *Client) NativeBalance(ctx context.Context, address solana.PublicKey) (uint64, error) {
	var out *rpc.GetBalanceResult
	err := c.read(ctx, "GetBalance", func() error {
		var err error
		out, err = c.rpc.GetBalance(ctx, address, rpc.CommitmentConfirmed)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get balance for %s: %w", address, err)
	}
	if out == nil {
		return 0, nil
	}
	return out.Value, nil
}

// TokenBalance returns the raw token amount held in owner's associated token account for mint.
// An account that does not exist holds zero.
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("failed to derive token account: %w", err)
	}

	var out *rpc.GetTokenAccountBalanceResult
	err = c.read(ctx, "GetTokenAccountBalance", func() error {
		var err error
		out, err = c.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
		if err != nil && isAccountMissing(err) {
			out = nil
			return nil
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get token balance for %s: %w", ata, err)
	}
	if out == nil || out.Value == nil {
		return 0, nil
	}

	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token amount %q: %w", out.Value.Amount, err)
	}
	return amount, nil
}

// SubmitRaw broadcasts a signed transaction. It is never retried here:
// a retry after an ambiguous failure risks a double payment.
func (c *Client) SubmitRaw(ctx context.Context, raw []byte, preflight bool) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       !preflight,
		PreflightCommitment: rpc.CommitmentConfirmed,
	}

	start := time.Now()
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, opts)
	c.recordCall("SendRawTransaction", err, start)

	if err != nil {
		c.logger.ErrorContext(ctx, "transaction submission failed",
			"preflight", preflight,
			"error", err,
		)
		return solana.Signature{}, fmt.Errorf("failed to submit transaction: %w", err)
	}

	c.logger.InfoContext(ctx, "transaction submitted",
		"signature", sig.String(),
		"preflight", preflight,
	)
	return sig, nil
}

// SignatureStatus returns the current status of a signature, or nil if the network has not seen it.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if errors.Is(err, rpc.ErrNotFound) {
		err = nil
		out = nil
	}
	c.recordCall("GetSignatureStatuses", err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}

	v := out.Value[0]
	status := &SignatureStatus{
		Slot:          v.Slot,
		Confirmations: v.Confirmations,
		Status:        string(v.ConfirmationStatus),
	}
	if v.Err != nil {
		msg := fmt.Sprintf("%v", v.Err)
		status.Err = &msg
	}
	return status, nil
}

// Confirm polls until sig reaches confirmed commitment, fails on chain, or the deadline passes.
// A deadline is reported as TimedOut with a nil error. Cancelling ctx only stops the local
// wait; the transaction has already been broadcast.
func (c *Client) Confirm(ctx context.Context, sig solana.Signature, deadline time.Duration) (*Confirmation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	result := &Confirmation{}
	for {
		status, err := c.SignatureStatus(waitCtx, sig)
		switch {
		case err != nil:
			c.logger.DebugContext(ctx, "signature status poll failed",
				"signature", sig.String(),
				"error", err,
			)
		case status != nil:
			result.Slot = status.Slot
			result.Status = status.Status
			if status.Err != nil {
				c.recordWait("failed", start)
				return result, fmt.Errorf("%w: %s", ErrTransactionFailed, *status.Err)
			}
			if status.Landed() {
				result.Confirmed = true
				c.recordWait("confirmed", start)
				c.logger.InfoContext(ctx, "transaction confirmed",
					"signature", sig.String(),
					"slot", status.Slot,
					"status", status.Status,
				)
				return result, nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				c.recordWait("cancelled", start)
				return result, ctx.Err()
			}
			result.TimedOut = true
			c.recordWait("timeout", start)
			c.logger.WarnContext(ctx, "confirmation deadline reached",
				"signature", sig.String(),
				"deadline", deadline,
				"last_status", result.Status,
			)
			return result, nil
		case <-ticker.C:
		}
	}
}

// TransactionDetails fetches a processed transaction with its fee, outcome, and decoded transfers.
func (c *Client) TransactionDetails(ctx context.Context, sig solana.Signature) (*TransactionDetails, error) {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var out *rpc.GetTransactionResult
	err := c.read(ctx, "GetTransaction", func() error {
		var err error
		out, err = c.rpc.GetTransaction(ctx, sig, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", sig, err)
	}
	if out == nil {
		return nil, rpc.ErrNotFound
	}

	details := &TransactionDetails{
		Signature: sig.String(),
		Slot:      out.Slot,
		Success:   true,
	}
	if out.BlockTime != nil {
		t := out.BlockTime.Time()
		details.BlockTime = &t
	}
	if out.Meta != nil {
		details.Fee = out.Meta.Fee
		if out.Meta.Err != nil {
			msg := fmt.Sprintf("%v", out.Meta.Err)
			details.Err = &msg
			details.Success = false
		}
	}

	if out.Transaction != nil {
		tx, err := out.Transaction.GetTransaction()
		if err != nil {
			c.logger.WarnContext(ctx, "failed to decode transaction body",
				"signature", sig.String(),
				"error", err,
			)
		} else if transfers, err := ParseTransfers(tx); err == nil {
			details.Transfers = transfers
		}
	}

	return details, nil
}

// read runs a read-only RPC call with metrics and bounded retries.
// Rate limits (429) back off twice as long as other failures.
func (c *Client) read(ctx context.Context, method string, call func() error) error {
	var err error
	for attempt := range maxReadAttempts {
		start := time.Now()
		err = call()
		c.recordCall(method, err, start)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == maxReadAttempts-1 {
			break
		}

		reason := "timeout_or_error"
		backoff := c.retryBackoff * time.Duration(1<<uint(attempt))
		if strings.Contains(err.Error(), "429") {
			reason = "rate_limit"
			backoff *= 2
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
			}
		}
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, reason)
		}

		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"reason", reason,
			"backoff_seconds", backoff.Seconds(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

func (c *Client) recordCall(method string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

func (c *Client) recordWait(outcome string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordConfirmationWait(c.network, outcome, time.Since(start).Seconds())
	}
}

// isAccountMissing matches the RPC error returned for token accounts that were never created.
func isAccountMissing(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "Invalid param: could not find")
}
