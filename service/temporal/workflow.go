package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/x402-facilitator/service/payment"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Payout workflow outcomes.
const (
	PayoutStatusPaid       = "paid"
	PayoutStatusUnresolved = "unresolved"
	PayoutStatusFailed     = "failed"
)

// Non-retryable application error types.
const (
	ErrTypeUserPaymentFailed = "UserPaymentFailed"
	ErrTypePayoutRejected    = "PayoutRejected"
	ErrTypePayoutFailed      = "PayoutFailed"
	ErrTypeUnknownNetwork    = "UnknownNetwork"
)

// MerchantPayoutInput describes the payout to run once the user payment has landed.
// Prepared carries a payout signed by an earlier attempt.
type MerchantPayoutInput struct {
	Network       string                  `json:"network"`
	UserSignature string                  `json:"user_signature"`
	Merchant      string                  `json:"merchant"`
	Amount        uint64                  `json:"amount"`
	Asset         string                  `json:"asset"`
	Prepared      *payment.PreparedPayout `json:"prepared,omitempty"`
}

// FromPayoutRequest converts a settler payout request to workflow input.
func FromPayoutRequest(req payment.PayoutRequest) MerchantPayoutInput {
	return MerchantPayoutInput{
		Network:       req.Network,
		UserSignature: req.UserSignature,
		Merchant:      req.Merchant,
		Amount:        req.Amount,
		Asset:         req.Asset,
		Prepared:      req.Prepared,
	}
}

// MerchantPayoutResult contains the result of a payout workflow.
type MerchantPayoutResult struct {
	UserSignature   string    `json:"user_signature"`
	PayoutSignature string    `json:"payout_signature,omitempty"`
	Status          string    `json:"status"`
	Error           *string   `json:"error,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
}

// MerchantPayoutWorkflow retries a merchant payout that could not run inline with
// the settlement. It:
// 1. Waits until the user payment is confirmed on chain (CheckUserPayment)
// 2. Signs the payout, unless the input already carries one (PrepareMerchantPayout)
// 3. Broadcasts that signed payout (SubmitMerchantPayout)
// 4. Records and publishes the outcome (RecordPayout)
//
// Once signed, the payout is the only transaction ever sent. A payout that cannot be
// confirmed is recorded as unresolved with its signature.
func MerchantPayoutWorkflow(ctx workflow.Context, input MerchantPayoutInput) (*MerchantPayoutResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("MerchantPayoutWorkflow started",
		"network", input.Network,
		"user_signature", input.UserSignature,
		"merchant", input.Merchant,
		"amount", input.Amount,
		"asset", input.Asset,
	)

	result := &MerchantPayoutResult{UserSignature: input.UserSignature}

	// Step 1: wait for the user payment. Pending statuses fail retryably.
	checkCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        2 * time.Minute,
			MaximumAttempts:        20,
			NonRetryableErrorTypes: []string{ErrTypeUserPaymentFailed, ErrTypeUnknownNetwork},
		},
	})

	var check *CheckUserPaymentResult
	err := workflow.ExecuteActivity(checkCtx, "CheckUserPayment", CheckUserPaymentInput{
		Network:   input.Network,
		Signature: input.UserSignature,
	}).Get(ctx, &check)
	if err != nil {
		logger.Error("user payment never confirmed", "error", err)
		return fail(ctx, result, input, fmt.Sprintf("user payment not confirmed: %v", err), err)
	}

	// Step 2: sign the payout. Nothing is broadcast, so retries are safe.
	prepared := input.Prepared
	if prepared == nil {
		prepareCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: time.Minute,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:        10 * time.Second,
				BackoffCoefficient:     2.0,
				MaximumInterval:        5 * time.Minute,
				MaximumAttempts:        5,
				NonRetryableErrorTypes: []string{ErrTypePayoutRejected, ErrTypeUnknownNetwork},
			},
		})
		err = workflow.ExecuteActivity(prepareCtx, "PrepareMerchantPayout", input).Get(ctx, &prepared)
		if err != nil {
			logger.Error("merchant payout could not be prepared", "error", err)
			return fail(ctx, result, input, fmt.Sprintf("merchant payout failed: %v", err), err)
		}
	}
	result.PayoutSignature = prepared.Signature

	// Step 3: broadcast. Every attempt carries the same signed transaction.
	submitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        10,
			NonRetryableErrorTypes: []string{ErrTypePayoutFailed, ErrTypePayoutRejected, ErrTypeUnknownNetwork},
		},
	})

	var sent *SubmitMerchantPayoutResult
	err = workflow.ExecuteActivity(submitCtx, "SubmitMerchantPayout", SubmitMerchantPayoutInput{
		Network:       input.Network,
		UserSignature: input.UserSignature,
		Payout:        prepared,
	}).Get(ctx, &sent)
	switch {
	case err == nil:
		result.Status = PayoutStatusPaid
		if sent.Unresolved {
			result.Status = PayoutStatusUnresolved
		}
	case isPayoutFailure(err):
		logger.Error("merchant payout failed", "payout_signature", prepared.Signature, "error", err)
		return fail(ctx, result, input, fmt.Sprintf("merchant payout failed: %v", err), err)
	default:
		// The payout may still land; it is never replaced by a new transaction.
		msg := fmt.Sprintf("merchant payout %s unresolved: %v", prepared.Signature, err)
		logger.Warn("merchant payout unresolved", "payout_signature", prepared.Signature, "error", err)
		result.Status = PayoutStatusUnresolved
		result.Error = &msg
	}

	// Step 4: record the outcome.
	var errMsg string
	if result.Error != nil {
		errMsg = *result.Error
	}
	if err := recordOutcome(ctx, input, result.PayoutSignature, errMsg); err != nil {
		logger.Error("failed to record payout", "error", err)
		return result, fmt.Errorf("failed to record payout: %w", err)
	}

	result.CompletedAt = workflow.Now(ctx)
	logger.Info("MerchantPayoutWorkflow completed",
		"user_signature", input.UserSignature,
		"payout_signature", result.PayoutSignature,
		"status", result.Status,
	)
	return result, nil
}

// fail records a failed payout and returns the original error.
func fail(ctx workflow.Context, result *MerchantPayoutResult, input MerchantPayoutInput, msg string, cause error) (*MerchantPayoutResult, error) {
	result.Status = PayoutStatusFailed
	result.Error = &msg
	result.CompletedAt = workflow.Now(ctx)

	if err := recordOutcome(ctx, input, result.PayoutSignature, msg); err != nil {
		workflow.GetLogger(ctx).Error("failed to record payout failure", "error", err)
	}
	return result, cause
}

// isPayoutFailure reports whether the payout definitely moved no funds.
func isPayoutFailure(err error) bool {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Type() == ErrTypePayoutFailed || appErr.Type() == ErrTypePayoutRejected || appErr.Type() == ErrTypeUnknownNetwork
}

func recordOutcome(ctx workflow.Context, input MerchantPayoutInput, signature, errMsg string) error {
	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})
	return workflow.ExecuteActivity(recordCtx, "RecordPayout", RecordPayoutInput{
		Payout:    input,
		Signature: signature,
		Error:     errMsg,
	}).Get(ctx, nil)
}
