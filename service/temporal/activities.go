package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/x402-facilitator/service/metrics"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"go.temporal.io/sdk/temporal"
)

// CheckUserPaymentInput contains parameters for the CheckUserPayment activity.
type CheckUserPaymentInput struct {
	Network   string `json:"network"`
	Signature string `json:"signature"`
}

// CheckUserPaymentResult contains the on-chain status of the user payment.
type CheckUserPaymentResult struct {
	Status string `json:"status"`
	Slot   uint64 `json:"slot"`
}

// SubmitMerchantPayoutResult contains the outcome of the payout transaction.
type SubmitMerchantPayoutResult struct {
	Signature  string `json:"signature"`
	Confirmed  bool   `json:"confirmed"`
	Unresolved bool   `json:"unresolved"`
}

// SubmitMerchantPayoutInput carries a signed payout to broadcast.
type SubmitMerchantPayoutInput struct {
	Network       string                  `json:"network"`
	UserSignature string                  `json:"user_signature"`
	Payout        *payment.PreparedPayout `json:"payout"`
}

// RecordPayoutInput contains the payout outcome to persist.
type RecordPayoutInput struct {
	Payout    MerchantPayoutInput `json:"payout"`
	Signature string              `json:"signature,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// StatusReader reads signature statuses. solana.Client implements it.
type StatusReader interface {
	SignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error)
}

// PayoutSender prepares, sends and records merchant payouts. payment.Settler implements it.
type PayoutSender interface {
	PreparePayout(ctx context.Context, merchant string, amount uint64, asset string) (*payment.PreparedPayout, error)
	SendPayout(ctx context.Context, p *payment.PreparedPayout) (*payment.PayoutResult, error)
	RecordPayout(ctx context.Context, rec payment.PayoutRecord)
}

// Network bundles the per-network dependencies of the activities.
type Network struct {
	Status StatusReader
	Payer  PayoutSender
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	networks map[string]Network
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewActivities creates a new Activities instance keyed by network name.
// If metrics is nil, no metrics will be recorded.
func NewActivities(networks map[string]Network, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		networks: networks,
		metrics:  m,
		logger:   logger,
	}
}

func (a *Activities) network(name string) (Network, error) {
	n, ok := a.networks[name]
	if !ok {
		return Network{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("network %q is not configured on this worker", name), ErrTypeUnknownNetwork, nil)
	}
	return n, nil
}

func (a *Activities) observe(activity string, start time.Time, err error) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, err, time.Since(start).Seconds())
	}
}

// CheckUserPayment succeeds once the user payment is confirmed or finalized.
// A pending or unknown signature fails retryably; an on-chain failure does not.
func (a *Activities) CheckUserPayment(ctx context.Context, input CheckUserPaymentInput) (result *CheckUserPaymentResult, err error) {
	start := time.Now()
	defer func() { a.observe("CheckUserPayment", start, err) }()

	n, err := a.network(input.Network)
	if err != nil {
		return nil, err
	}
	sig, err := solanago.SignatureFromBase58(input.Signature)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid signature %q", input.Signature), ErrTypeUserPaymentFailed, err)
	}

	status, err := n.Status.SignatureStatus(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature status: %w", err)
	}
	if status == nil {
		return nil, fmt.Errorf("signature %s not yet visible", input.Signature)
	}
	if status.Err != nil {
		a.logger.WarnContext(ctx, "user payment failed on chain",
			"signature", input.Signature,
			"error", *status.Err,
		)
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("user payment %s failed on chain: %s", input.Signature, *status.Err), ErrTypeUserPaymentFailed, nil)
	}
	if !status.Landed() {
		return nil, fmt.Errorf("signature %s is %q, waiting for confirmation", input.Signature, status.Status)
	}

	a.logger.InfoContext(ctx, "user payment confirmed",
		"signature", input.Signature,
		"status", status.Status,
		"slot", status.Slot,
	)
	return &CheckUserPaymentResult{Status: status.Status, Slot: status.Slot}, nil
}

// PrepareMerchantPayout builds and signs the payout without broadcasting it.
// Validation, configuration and structural errors are not retried.
func (a *Activities) PrepareMerchantPayout(ctx context.Context, input MerchantPayoutInput) (result *payment.PreparedPayout, err error) {
	start := time.Now()
	defer func() { a.observe("PrepareMerchantPayout", start, err) }()

	n, err := a.network(input.Network)
	if err != nil {
		return nil, err
	}

	prepared, err := n.Payer.PreparePayout(ctx, input.Merchant, input.Amount, input.Asset)
	if err != nil {
		switch payment.KindOf(err) {
		case payment.KindValidation, payment.KindStructural, payment.KindConfiguration:
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypePayoutRejected, err)
		}
		return nil, fmt.Errorf("failed to prepare payout: %w", err)
	}

	a.logger.InfoContext(ctx, "merchant payout prepared",
		"user_signature", input.UserSignature,
		"payout_signature", prepared.Signature,
	)
	return prepared, nil
}

// SubmitMerchantPayout broadcasts a prepared payout. The payout signature is looked
// up first: a payout the network already knows is never sent again, and every
// attempt sends the identical transaction.
func (a *Activities) SubmitMerchantPayout(ctx context.Context, input SubmitMerchantPayoutInput) (result *SubmitMerchantPayoutResult, err error) {
	start := time.Now()
	defer func() { a.observe("SubmitMerchantPayout", start, err) }()

	n, err := a.network(input.Network)
	if err != nil {
		return nil, err
	}
	if input.Payout == nil {
		return nil, temporal.NewNonRetryableApplicationError("no prepared payout", ErrTypePayoutRejected, nil)
	}
	sig, err := solanago.SignatureFromBase58(input.Payout.Signature)
	if err != nil {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid payout signature %q", input.Payout.Signature), ErrTypePayoutRejected, err)
	}

	status, err := n.Status.SignatureStatus(ctx, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to read payout status: %w", err)
	}
	if status != nil {
		if status.Err != nil {
			return nil, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("payout %s failed on chain: %s", sig, *status.Err), ErrTypePayoutFailed, nil)
		}
		if !status.Landed() {
			return nil, fmt.Errorf("payout %s is %q, waiting for confirmation", sig, status.Status)
		}
		a.logger.InfoContext(ctx, "merchant payout already landed",
			"user_signature", input.UserSignature,
			"payout_signature", input.Payout.Signature,
			"slot", status.Slot,
		)
		return &SubmitMerchantPayoutResult{Signature: input.Payout.Signature, Confirmed: true}, nil
	}

	paid, err := n.Payer.SendPayout(ctx, input.Payout)
	switch {
	case errors.Is(err, payment.ErrTransactionFailed):
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypePayoutFailed, err)
	case payment.KindOf(err) == payment.KindConfiguration:
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypePayoutRejected, err)
	case err != nil:
		return nil, fmt.Errorf("failed to send payout %s: %w", sig, err)
	}

	a.logger.InfoContext(ctx, "merchant payout sent",
		"user_signature", input.UserSignature,
		"payout_signature", paid.Signature,
		"unresolved", paid.Unresolved,
	)
	return &SubmitMerchantPayoutResult{
		Signature:  paid.Signature,
		Confirmed:  paid.Confirmed,
		Unresolved: paid.Unresolved,
	}, nil
}

// RecordPayout stores and publishes the payout outcome.
func (a *Activities) RecordPayout(ctx context.Context, input RecordPayoutInput) (err error) {
	start := time.Now()
	defer func() { a.observe("RecordPayout", start, err) }()

	n, err := a.network(input.Payout.Network)
	if err != nil {
		return err
	}

	n.Payer.RecordPayout(ctx, payment.PayoutRecord{
		UserSignature: input.Payout.UserSignature,
		Network:       input.Payout.Network,
		Merchant:      input.Payout.Merchant,
		Amount:        input.Payout.Amount,
		Asset:         input.Payout.Asset,
		Signature:     input.Signature,
		Error:         input.Error,
		Timestamp:     time.Now(),
	})
	return nil
}
