package payment

import (
	"errors"
	"fmt"
)

// Kind groups failures by how a caller should react to them.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindValidation        Kind = "validation"
	KindFunding           Kind = "funding"
	KindNetwork           Kind = "network"
	KindStructural        Kind = "structural"
	KindSettlementTimeout Kind = "settlement_timeout"
)

// Reason codes returned to clients in error and verification responses.
const (
	ReasonFacilitationDisabled           = "facilitation_disabled"
	ReasonInvalidAmount                  = "invalid_amount"
	ReasonUnsupportedAsset               = "unsupported_asset"
	ReasonInvalidAddress                 = "invalid_address"
	ReasonDecimalsMismatch               = "decimals_mismatch"
	ReasonUnsupportedNetwork             = "unsupported_network"
	ReasonAmountBelowMinimum             = "amount_below_minimum"
	ReasonInsufficientBalance            = "insufficient_balance"
	ReasonInsufficientFacilitatorBalance = "insufficient_facilitator_balance"
	ReasonNetworkError                   = "network_error"
	ReasonInsufficientSignatures         = "insufficient_signatures"
	ReasonInvalidFeePayer                = "invalid_fee_payer"
	ReasonInvalidPayer                   = "invalid_payer"
	ReasonNoInstructions                 = "no_instructions"
	ReasonMalformedTransaction           = "malformed_transaction"
	ReasonTransactionFailed              = "transaction_failed"
	ReasonSettlementUnresolved           = "settlement_unresolved"
	ReasonPayoutUnresolved               = "payout_unresolved"
	ReasonAmountMismatch                 = "amount_mismatch"
	ReasonRecipientMismatch              = "recipient_mismatch"
	ReasonAssetMismatch                  = "asset_mismatch"
)

// Error is the domain error returned by every payment operation.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same reason, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// Retryable reports whether repeating the same call could succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindSettlementTimeout
}

// Sentinels for errors.Is comparisons.
var (
	ErrFacilitationDisabled           = &Error{Kind: KindConfiguration, Reason: ReasonFacilitationDisabled, Message: "facilitator wallet is not configured"}
	ErrInsufficientFacilitatorBalance = &Error{Kind: KindFunding, Reason: ReasonInsufficientFacilitatorBalance, Message: "facilitator balance too low to front network fees"}
	ErrInsufficientSignatures         = &Error{Kind: KindStructural, Reason: ReasonInsufficientSignatures, Message: "transaction needs both facilitator and payer signatures"}
	ErrInvalidFeePayer                = &Error{Kind: KindStructural, Reason: ReasonInvalidFeePayer, Message: "fee payer is not the facilitator"}
	ErrTransactionFailed              = &Error{Kind: KindStructural, Reason: ReasonTransactionFailed, Message: "transaction failed on chain"}
	ErrUnsupportedAsset               = &Error{Kind: KindValidation, Reason: ReasonUnsupportedAsset, Message: "asset is not supported"}
	ErrPayoutUnresolved               = &Error{Kind: KindNetwork, Reason: ReasonPayoutUnresolved, Message: "payout submission failed after signing; it may still land"}
)

func newError(kind Kind, reason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, reason string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

func networkError(err error, format string, args ...any) *Error {
	return wrapError(KindNetwork, ReasonNetworkError, err, format, args...)
}

// KindOf returns the Kind of a payment error, or "" for foreign errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// ReasonOf returns the reason code of a payment error, or "" for foreign errors.
func ReasonOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return ""
}

func messageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
