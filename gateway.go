package main

import (
	"context"
)

// CheckoutRequest is the boundary-validated input to a checkout run.
// AmountUSD is the canonical plan price in USD major units.
type CheckoutRequest struct {
	Gateway     GatewayKind
	PayerID     string
	PlanType    string
	AmountUSD   float64
	CountryHint string
	LocaleHint  string

	// ProxyDriven hands the redirect handshake to the order endpoints.
	ProxyDriven bool
}

// CheckoutOutcome is the terminal (or payer-actionable) result of a run.
type CheckoutOutcome struct {
	Session       *PaymentSession `json:"session"`
	State         SessionState    `json:"state"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Err           *GatewayError   `json:"error,omitempty"`
}

// StatusEvent is pushed to subscribers on every session state change.
type StatusEvent struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// StatusNotifier pushes state changes to whoever is watching the session.
type StatusNotifier interface {
	Notify(sessionID string, event StatusEvent)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, StatusEvent) {}

// GatewaySelector owns the checkout pipeline per gateway kind and is the
// only component that advances session state.
type GatewaySelector struct {
	localizer   *CurrencyLocalizer
	tokens      TokenAcquirer
	widget      *WidgetLifecycleManager
	coordinator *PaymentRequestCoordinator
	reconciler  *ReconciliationClient
	notifier    StatusNotifier
	logger      *StructuredLogger
}

func NewGatewaySelector(
	localizer *CurrencyLocalizer,
	tokens TokenAcquirer,
	widget *WidgetLifecycleManager,
	coordinator *PaymentRequestCoordinator,
	reconciler *ReconciliationClient,
	notifier StatusNotifier,
	logger *StructuredLogger,
) *GatewaySelector {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &GatewaySelector{
		localizer:   localizer,
		tokens:      tokens,
		widget:      widget,
		coordinator: coordinator,
		reconciler:  reconciler,
		notifier:    notifier,
		logger:      logger,
	}
}

// Begin creates a session for the request and localizes its settlement
// amount. The session is returned in StateIdle so the caller can hand its
// id to the payer before the pipeline runs.
func (g *GatewaySelector) Begin(ctx context.Context, req CheckoutRequest) *PaymentSession {
	session := NewPaymentSession(req.Gateway, req.PayerID, req.PlanType, req.AmountUSD)
	session.ProxyDriven = req.ProxyDriven

	loc, minor := g.localizer.LocalizeAmount(ctx, req.AmountUSD, req.CountryHint, req.LocaleHint)
	session.SettlementCurrency = loc.Currency
	session.SettlementRate = loc.Rate
	session.SettlementAmountMinor = minor
	session.RateSource = loc.Source

	g.logger.Info("Checkout session created", map[string]interface{}{
		"session_id":    session.ID,
		"gateway":       session.Gateway.String(),
		"currency":      loc.Currency,
		"rate_source":   loc.Source,
		"amount_minor":  minor,
		"canonical_usd": req.AmountUSD,
	})
	return session
}

// Checkout runs a complete payment attempt: Begin plus Run.
func (g *GatewaySelector) Checkout(ctx context.Context, req CheckoutRequest) CheckoutOutcome {
	session := g.Begin(ctx, req)
	return g.Run(ctx, session)
}

// Run drives the session through its gateway pipeline to a terminal
// state, or back to Ready when only the payer can fix the problem.
func (g *GatewaySelector) Run(ctx context.Context, session *PaymentSession) CheckoutOutcome {
	switch session.Gateway {
	case GatewayHostedWidget:
		return g.runHostedWidget(ctx, session)
	case GatewayRedirectOrder:
		return g.runRedirectOrder(ctx, session)
	default:
		return g.fail(session, NewGatewayError(ErrCodeInvalidRequest, "unknown gateway kind", nil))
	}
}

func (g *GatewaySelector) runHostedWidget(ctx context.Context, session *PaymentSession) CheckoutOutcome {
	if out, ok := g.advance(session, StateInitializing); !ok {
		return out
	}

	cred, err := g.tokens.AcquireToken(ctx)
	if err != nil {
		return g.fail(session, err)
	}

	if err := g.widget.Initialize(ctx, cred, session); err != nil {
		return g.fail(session, err)
	}
	defer func() {
		if session.State.Terminal() {
			g.widget.Teardown(context.Background())
		}
	}()

	if out, ok := g.advance(session, StateReady); !ok {
		return out
	}

	artifact, err := g.coordinator.RequestWidgetArtifact(ctx, session)
	if err != nil {
		ge := AsGatewayError(err)
		if ge != nil && ge.Class() == ErrorClassUserActionable && ge.Code != ErrCodeCancelled {
			// The payer can correct their input; the widget stays live
			// and the session stays open for another submission.
			g.notifier.Notify(session.ID, StatusEvent{
				SessionID: session.ID,
				State:     session.State.String(),
				Code:      string(ge.Code),
				Message:   ge.UserMessage(),
			})
			return CheckoutOutcome{Session: session, State: session.State, Err: ge}
		}
		return g.fail(session, err)
	}

	if out, ok := g.advance(session, StateSubmitting); !ok {
		return out
	}

	return g.confirm(ctx, session, artifact)
}

func (g *GatewaySelector) runRedirectOrder(ctx context.Context, session *PaymentSession) CheckoutOutcome {
	if out, ok := g.advance(session, StateInitializing); !ok {
		return out
	}

	orderID, err := g.coordinator.CreateOrder(ctx, session)
	if err != nil {
		return g.fail(session, err)
	}

	if out, ok := g.advance(session, StateReady); !ok {
		return out
	}

	if err := g.coordinator.AwaitApproval(ctx, session, orderID); err != nil {
		ge := AsGatewayError(err)
		if ge != nil && ge.Code == ErrCodeCancelled {
			// An abandoned order was never captured; nothing to confirm.
			return g.cancel(session, ge)
		}
		return g.fail(session, err)
	}

	if out, ok := g.advance(session, StateSubmitting); !ok {
		return out
	}

	artifact, err := g.coordinator.Capture(ctx, session, orderID)
	if err != nil {
		return g.fail(session, err)
	}

	return g.confirm(ctx, session, artifact)
}

// confirm reconciles the artifact and closes the session. Confirmation
// failures are terminal; the charge may exist, so no automatic retry.
func (g *GatewaySelector) confirm(ctx context.Context, session *PaymentSession, artifact PaymentArtifact) CheckoutOutcome {
	result, err := g.reconciler.Confirm(ctx, artifact, SessionMeta{
		SessionID:       session.ID,
		PayerID:         session.PayerID,
		PlanType:        session.PlanType,
		CanonicalAmount: session.CanonicalAmount,
	})
	if err != nil {
		return g.fail(session, err)
	}

	if out, ok := g.advance(session, StateSucceeded); !ok {
		return out
	}
	g.notifier.Notify(session.ID, StatusEvent{
		SessionID:     session.ID,
		State:         session.State.String(),
		TransactionID: result.TransactionID,
	})
	return CheckoutOutcome{Session: session, State: session.State, TransactionID: result.TransactionID}
}

// advance moves the session forward one state and notifies subscribers.
// An illegal transition is a programming error surfaced as a failed run.
func (g *GatewaySelector) advance(session *PaymentSession, to SessionState) (CheckoutOutcome, bool) {
	if err := session.Transition(to); err != nil {
		ge := NewGatewayError(ErrCodeInternal, "illegal session transition", err)
		g.logger.Error("Session transition rejected", map[string]interface{}{
			"session_id": session.ID,
			"from":       session.State.String(),
			"to":         to.String(),
		})
		return CheckoutOutcome{Session: session, State: session.State, Err: ge}, false
	}
	if to != StateSucceeded {
		g.notifier.Notify(session.ID, StatusEvent{
			SessionID: session.ID,
			State:     session.State.String(),
		})
	}
	return CheckoutOutcome{}, true
}

func (g *GatewaySelector) fail(session *PaymentSession, err error) CheckoutOutcome {
	ge := AsGatewayError(err)
	if ge == nil {
		ge = NewGatewayError(ErrCodeInternal, "unclassified failure", err)
	}
	if !session.State.Terminal() {
		if terr := session.Transition(StateFailed); terr != nil {
			g.logger.Error("Failed to fail session", map[string]interface{}{
				"session_id": session.ID,
				"error":      terr.Error(),
			})
		}
	}
	g.logger.Error("Checkout failed", map[string]interface{}{
		"session_id": session.ID,
		"gateway":    session.Gateway.String(),
		"code":       string(ge.Code),
		"error":      ge.Error(),
	})
	g.notifier.Notify(session.ID, StatusEvent{
		SessionID: session.ID,
		State:     session.State.String(),
		Code:      string(ge.Code),
		Message:   ge.UserMessage(),
	})
	return CheckoutOutcome{Session: session, State: session.State, Err: ge}
}

func (g *GatewaySelector) cancel(session *PaymentSession, ge *GatewayError) CheckoutOutcome {
	if terr := session.Transition(StateCancelled); terr != nil {
		g.logger.Error("Failed to cancel session", map[string]interface{}{
			"session_id": session.ID,
			"error":      terr.Error(),
		})
	}
	g.logger.Info("Checkout cancelled by payer", map[string]interface{}{
		"session_id": session.ID,
		"gateway":    session.Gateway.String(),
	})
	g.notifier.Notify(session.ID, StatusEvent{
		SessionID: session.ID,
		State:     session.State.String(),
		Code:      string(ge.Code),
		Message:   ge.UserMessage(),
	})
	return CheckoutOutcome{Session: session, State: session.State, Err: ge}
}
