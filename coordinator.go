package main

import (
	"context"
	"time"
)

// approvalTimeout bounds how long a pending redirect order waits for the
// payer before the session is failed.
const approvalTimeout = 30 * time.Second

// PaymentRequestCoordinator brokers a session's interaction with whichever
// processor pipeline it runs on. It owns no session state; the gateway
// selector sequences states around these calls.
type PaymentRequestCoordinator struct {
	widget   *WidgetLifecycleManager
	orders   OrderAPI
	approver Approver
	logger   *StructuredLogger
}

func NewPaymentRequestCoordinator(widget *WidgetLifecycleManager, orders OrderAPI, approver Approver, logger *StructuredLogger) *PaymentRequestCoordinator {
	return &PaymentRequestCoordinator{
		widget:   widget,
		orders:   orders,
		approver: approver,
		logger:   logger,
	}
}

// RequestWidgetArtifact pulls a payment artifact out of the live hosted
// widget for the given session.
func (c *PaymentRequestCoordinator) RequestWidgetArtifact(ctx context.Context, session *PaymentSession) (PaymentArtifact, error) {
	artifact, err := c.widget.RequestArtifact(ctx)
	if err != nil {
		return PaymentArtifact{}, err
	}
	artifact.Kind = GatewayHostedWidget
	c.logger.Info("Widget artifact obtained", map[string]interface{}{
		"session_id": session.ID,
	})
	return artifact, nil
}

// CreateOrder opens a redirect order for the session's settlement amount.
func (c *PaymentRequestCoordinator) CreateOrder(ctx context.Context, session *PaymentSession) (string, error) {
	return c.orders.CreateOrder(ctx, OrderRequest{
		Amount:   session.SettlementAmountMinor,
		Currency: session.SettlementCurrency,
		PayerID:  session.PayerID,
	})
}

// AwaitApproval blocks until the payer approves or abandons the order.
// A cancelled approval surfaces as a user-actionable gateway error so the
// caller can move the session to its cancelled state without treating it
// as a processor failure.
func (c *PaymentRequestCoordinator) AwaitApproval(ctx context.Context, session *PaymentSession, orderID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, approvalTimeout)
	defer cancel()

	outcome, err := c.approver.AwaitApproval(waitCtx, orderID)
	if err != nil {
		if waitCtx.Err() == context.DeadlineExceeded {
			return NewGatewayError(ErrCodeTimeout, "payer did not act on the order in time", err)
		}
		if ge := AsGatewayError(err); ge != nil {
			return ge
		}
		return WrapRawError(err, ErrCodeNetwork, "approval wait failed")
	}
	if outcome == ApprovalCancelled {
		return NewGatewayError(ErrCodeCancelled, "payer abandoned the order", nil)
	}

	c.logger.Info("Order approved by payer", map[string]interface{}{
		"session_id": session.ID,
		"order_id":   orderID,
	})
	return nil
}

// Capture finalizes an approved redirect order and returns its artifact.
func (c *PaymentRequestCoordinator) Capture(ctx context.Context, session *PaymentSession, orderID string) (PaymentArtifact, error) {
	artifact, err := c.orders.CaptureOrder(ctx, orderID)
	if err != nil {
		return PaymentArtifact{}, err
	}
	c.logger.Info("Order captured", map[string]interface{}{
		"session_id": session.ID,
		"order_id":   orderID,
	})
	return artifact, nil
}
