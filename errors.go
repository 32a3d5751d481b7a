package subrav

import (
	"errors"
	"fmt"
	"net/http"
)

// PaymentError is a protocol-level error surfaced to callers as a structured
// {code, message} pair in the response payment header.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Protocol error codes. These are stable wire values, mapped to transport
// status codes by HTTPStatusForCode.
const (
	ErrCodePaymentRequired       = "PAYMENT_REQUIRED"
	ErrCodeSubRAVConflict        = "SUBRAV_CONFLICT"
	ErrCodeMissingChannelContext = "MISSING_CHANNEL_CONTEXT"
	ErrCodeInvalidPayment        = "INVALID_PAYMENT"
	ErrCodeTamperedSubRAV        = "TAMPERED_SUBRAV"
	ErrCodeEpochMismatch         = "EPOCH_MISMATCH"
	ErrCodeMaxAmountExceeded     = "MAX_AMOUNT_EXCEEDED"
	ErrCodeClientTxRefMissing    = "CLIENT_TX_REF_MISSING"
	ErrCodeRateNotAvailable      = "RATE_NOT_AVAILABLE"
	ErrCodeBillingConfig         = "BILLING_CONFIG_ERROR"
	ErrCodePaymentError          = "PAYMENT_ERROR"
	ErrCodeChannelNotFound       = "CHANNEL_NOT_FOUND"
)

// Verification failure reasons recorded on VerificationResult. These are
// human-facing diagnostics, not wire codes.
const (
	ReasonInvalidSignature = "INVALID_SIGNATURE"
	ReasonNonceInvalid     = "NONCE_INVALID"
	ReasonAmountInvalid    = "AMOUNT_INVALID"
)

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{Code: code, Message: message, Details: details}
}

// AsPaymentError extracts a *PaymentError from err, or wraps err as an
// internal PAYMENT_ERROR when it is not one.
func AsPaymentError(err error) *PaymentError {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	return &PaymentError{Code: ErrCodePaymentError, Message: err.Error()}
}

// HTTPStatusForCode maps a protocol error code to an HTTP status.
func HTTPStatusForCode(code string) int {
	switch code {
	case ErrCodePaymentRequired:
		return http.StatusPaymentRequired
	case ErrCodeSubRAVConflict, ErrCodeMissingChannelContext:
		return http.StatusConflict
	case ErrCodeInvalidPayment, ErrCodeTamperedSubRAV, ErrCodeEpochMismatch,
		ErrCodeMaxAmountExceeded, ErrCodeClientTxRefMissing, ErrCodeChannelNotFound:
		return http.StatusBadRequest
	case ErrCodeRateNotAvailable, ErrCodeBillingConfig, ErrCodePaymentError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
