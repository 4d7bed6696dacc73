package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Canonical domain models for gateway-agnostic checkout orchestration

// GatewayKind is a closed variant of supported checkout pipelines.
// Processor names from the outside world are parsed exactly once, at the
// API boundary; everything past that point switches on this type.
type GatewayKind int

const (
	GatewayHostedWidget GatewayKind = iota
	GatewayRedirectOrder
)

func (k GatewayKind) String() string {
	switch k {
	case GatewayHostedWidget:
		return "HOSTED_WIDGET"
	case GatewayRedirectOrder:
		return "REDIRECT_ORDER"
	default:
		return "UNKNOWN"
	}
}

// ParseGatewayKind maps a wire-level processor name to a GatewayKind.
func ParseGatewayKind(s string) (GatewayKind, error) {
	switch s {
	case "hosted_widget", "braintree", "paystack":
		return GatewayHostedWidget, nil
	case "redirect_order", "paypal":
		return GatewayRedirectOrder, nil
	default:
		return 0, fmt.Errorf("unknown gateway kind: %q", s)
	}
}

// SessionState tracks a checkout session through its lifecycle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateInitializing
	StateReady
	StateSubmitting
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateSubmitting:
		return "SUBMITTING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether a session in this state is finished for good.
func (s SessionState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// RetryState tracks bounded automatic reattempts for widget initialization.
// Attempt never exceeds MaxAttempts; exhaustion is a terminal failure.
type RetryState struct {
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	NextDelay   time.Duration `json:"next_delay_ms"`
}

// PaymentSession is one checkout attempt. A session id is never reused:
// a fresh attempt after a terminal state means a fresh session.
// State is mutated only through Transition, and only by the coordinating
// caller; components report outcomes and the caller advances the state.
type PaymentSession struct {
	ID       string      `json:"id"`
	Gateway  GatewayKind `json:"gateway"`
	PayerID  string      `json:"payer_id"`
	PlanType string      `json:"plan_type"`

	// CanonicalAmount is in major units of the canonical currency (USD).
	// It is never sent to a processor directly.
	CanonicalAmount float64 `json:"canonical_amount"`

	SettlementCurrency    string  `json:"settlement_currency"`
	SettlementRate        float64 `json:"settlement_rate"`
	SettlementAmountMinor int64   `json:"settlement_amount_minor"`
	RateSource            string  `json:"rate_source,omitempty"`

	// ProxyDriven marks a redirect session whose handshake runs through
	// the order endpoints; the background pipeline never touches it.
	ProxyDriven bool `json:"proxy_driven,omitempty"`

	State SessionState `json:"state"`
	Retry RetryState   `json:"retry"`

	CreatedAt time.Time `json:"created_at"`

	mu sync.Mutex
}

// NewPaymentSession creates a session in StateIdle with a fresh id.
func NewPaymentSession(kind GatewayKind, payerID, planType string, amountUSD float64) *PaymentSession {
	return &PaymentSession{
		ID:              "cs_" + uuid.NewString(),
		Gateway:         kind,
		PayerID:         payerID,
		PlanType:        planType,
		CanonicalAmount: amountUSD,
		State:           StateIdle,
		CreatedAt:       time.Now().UTC(),
	}
}

// PaymentArtifact is the single-use reference produced by a ready widget
// (a payment method nonce) or a captured redirect order (an order id).
// Exactly one artifact exists per successful submission and it is consumed
// exactly once by the reconciliation client.
type PaymentArtifact struct {
	Reference  string      `json:"reference"`
	Kind       GatewayKind `json:"kind"`
	ObtainedAt time.Time   `json:"obtained_at"`
}

// Empty reports whether the artifact carries no reference.
func (a PaymentArtifact) Empty() bool {
	return a.Reference == ""
}

// ConfirmationResult is the backend-of-record's answer for one artifact.
type ConfirmationResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error,omitempty"`

	// Replayed is set when an identical reference was already confirmed
	// and the cached result was returned instead of re-submitting.
	Replayed bool `json:"replayed,omitempty"`
}

// TokenCredential is a short-lived, single-use widget authorization.
// It is never persisted, never logged, and bounded to one initialization
// attempt. The zero value is unusable.
type TokenCredential struct {
	encoded  string
	IssuedAt time.Time
}

func NewTokenCredential(encoded string) TokenCredential {
	return TokenCredential{encoded: encoded, IssuedAt: time.Now()}
}

// Transport returns the opaque encoded string the widget SDK accepts.
func (c TokenCredential) Transport() string {
	return c.encoded
}

// Empty reports whether the credential holds no material.
func (c TokenCredential) Empty() bool {
	return c.encoded == ""
}

// String redacts the credential so it can never leak through logging
// or %v formatting.
func (c TokenCredential) String() string {
	if c.encoded == "" {
		return "credential[empty]"
	}
	return "credential[REDACTED]"
}
