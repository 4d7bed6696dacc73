package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCode is the canonical error taxonomy for checkout failures.
type ErrorCode string

const (
	// Pipeline errors
	ErrCodeToken                ErrorCode = "TOKEN_ERROR"
	ErrCodeWidgetInit           ErrorCode = "WIDGET_INIT_ERROR"
	ErrCodeValidation           ErrorCode = "VALIDATION_ERROR"
	ErrCodeGatewayDeclined      ErrorCode = "GATEWAY_DECLINED"
	ErrCodeConfirmationFailed   ErrorCode = "CONFIRMATION_FAILED"
	ErrCodeConfirmationMismatch ErrorCode = "CONFIRMATION_MISMATCH"
	ErrCodeTimeout              ErrorCode = "TIMEOUT"
	ErrCodeCancelled            ErrorCode = "CANCELLED"

	// Transport errors
	ErrCodeNetwork           ErrorCode = "NETWORK_ERROR"
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"

	// System errors
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeConfig         ErrorCode = "CONFIG_ERROR"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// ErrorClass determines how a failure is handled: retried automatically
// (bounded, inside the widget lifecycle), bounced back to the payer, or
// surfaced as fatal with a recovery path.
type ErrorClass string

const (
	ErrorClassRetryable      ErrorClass = "RETRYABLE"
	ErrorClassUserActionable ErrorClass = "USER_ACTIONABLE"
	ErrorClassFatal          ErrorClass = "FATAL"
)

// Classify maps a canonical code to its handling class. Cancellation is a
// terminal outcome rather than a failure, but classifies as user-actionable
// since only the payer can restart.
func Classify(code ErrorCode) ErrorClass {
	switch code {
	case ErrCodeWidgetInit, ErrCodeTimeout, ErrCodeNetwork:
		return ErrorClassRetryable
	case ErrCodeValidation, ErrCodeGatewayDeclined, ErrCodeCancelled, ErrCodeInvalidRequest:
		return ErrorClassUserActionable
	default:
		return ErrorClassFatal
	}
}

// userMessages holds the single payer-visible message per code. Technical
// detail stays in GatewayError.Detail and is never shown to the payer.
var userMessages = map[ErrorCode]string{
	ErrCodeToken:                "We could not start the payment form. Please try again.",
	ErrCodeWidgetInit:           "The payment form failed to load. Please try again.",
	ErrCodeValidation:           "Please complete your payment details and resubmit.",
	ErrCodeGatewayDeclined:      "Your payment was declined. Please try another payment method.",
	ErrCodeConfirmationFailed:   "Your payment could not be recorded. Do not retry; contact support with your payment reference.",
	ErrCodeConfirmationMismatch: "Your payment could not be verified. Contact support with your payment reference.",
	ErrCodeTimeout:              "The payment service is taking too long. Please try again.",
	ErrCodeCancelled:            "Payment was cancelled.",
	ErrCodeNetwork:              "We could not reach the payment service. Check your connection and try again.",
	ErrCodeMalformedResponse:    "The payment service returned an unexpected response. Please try again.",
	ErrCodeInvalidRequest:       "The payment request is invalid.",
	ErrCodeConfig:               "Payments are not configured correctly. Please contact support.",
	ErrCodeInternal:             "Something went wrong processing your payment.",
}

// GatewayError carries a canonical code, one payer-visible message and the
// retained technical detail for diagnostics.
type GatewayError struct {
	Code    ErrorCode
	Message string
	Detail  string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Class returns the handling class for this error's code.
func (e *GatewayError) Class() ErrorClass {
	return Classify(e.Code)
}

// UserMessage returns the only text a payer ever sees for this error.
func (e *GatewayError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return userMessages[ErrCodeInternal]
}

// NewGatewayError builds a GatewayError with the canonical payer-visible
// message for code; detail retains the technical context.
func NewGatewayError(code ErrorCode, detail string, cause error) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: userMessages[code],
		Detail:  detail,
		Err:     cause,
	}
}

// AsGatewayError unwraps err into a *GatewayError if one is in the chain.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return nil
}

// WrapRawError classifies an arbitrary transport-level error into the
// taxonomy: timeouts and network failures are retryable, everything else
// falls through to the provided default code.
func WrapRawError(err error, fallback ErrorCode, detail string) *GatewayError {
	if ge := AsGatewayError(err); ge != nil {
		return ge
	}
	code := fallback
	switch {
	case isTimeoutError(err):
		code = ErrCodeTimeout
	case isNetworkError(err):
		code = ErrCodeNetwork
	}
	if detail == "" {
		detail = err.Error()
	}
	return NewGatewayError(code, detail, err)
}

// isNetworkError checks if an error is a network error
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkErrorPatterns := []string{
		"connection reset",
		"connection refused",
		"no such host",
		"network is unreachable",
		"network is down",
		"broken pipe",
	}
	for _, pattern := range networkErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// isTimeoutError checks if an error is a timeout error
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	type timeoutError interface {
		Timeout() bool
	}
	var te timeoutError
	if errors.As(err, &te) {
		return te.Timeout()
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded")
}

// ErrorResponse is the JSON error envelope on the HTTP surface. Details
// carries technical context for developer diagnostics only.
type ErrorResponse struct {
	Success   bool      `json:"success"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	Status    string    `json:"status,omitempty"`
	Details   string    `json:"details,omitempty"`
}

type SuccessResponse struct {
	Success   bool        `json:"success"`
	Status    string      `json:"status"`
	SessionID string      `json:"session_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

func NewErrorResponse(code ErrorCode, message string, status string, details string) ErrorResponse {
	return ErrorResponse{
		Success:   false,
		ErrorCode: code,
		Message:   message,
		Status:    status,
		Details:   details,
	}
}

func NewSuccessResponse(status string, sessionID string, data interface{}) SuccessResponse {
	return SuccessResponse{
		Success:   true,
		Status:    status,
		SessionID: sessionID,
		Data:      data,
	}
}
