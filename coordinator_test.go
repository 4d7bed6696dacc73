package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(orders OrderAPI, approver Approver, driver WidgetDriver) *PaymentRequestCoordinator {
	logger := NewStructuredLogger(LogLevelError, true)
	widget := NewWidgetLifecycleManager(driver, &fakeMount{}, fastPolicy(3), logger)
	return NewPaymentRequestCoordinator(widget, orders, approver, logger)
}

func TestCoordinatorCreateOrderUsesSettlementAmount(t *testing.T) {
	var got OrderRequest
	orders := &capturingOrderAPI{onCreate: func(req OrderRequest) { got = req }}
	c := newTestCoordinator(orders, &fakeApprover{}, &fakeDriver{})

	session := newTestSession(GatewayRedirectOrder)
	session.SettlementCurrency = "NGN"
	session.SettlementAmountMinor = 2293515

	_, err := c.CreateOrder(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, int64(2293515), got.Amount)
	assert.Equal(t, "NGN", got.Currency)
	assert.Equal(t, "payer_1", got.PayerID)
}

type capturingOrderAPI struct {
	onCreate func(OrderRequest)
}

func (c *capturingOrderAPI) CreateOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.onCreate != nil {
		c.onCreate(req)
	}
	return "order_1", nil
}

func (c *capturingOrderAPI) CaptureOrder(ctx context.Context, orderID string) (PaymentArtifact, error) {
	return PaymentArtifact{Reference: "cap_1", Kind: GatewayRedirectOrder, ObtainedAt: time.Now()}, nil
}

func TestCoordinatorAwaitApprovalCancellation(t *testing.T) {
	c := newTestCoordinator(&fakeOrderAPI{}, &fakeApprover{outcome: ApprovalCancelled}, &fakeDriver{})

	err := c.AwaitApproval(context.Background(), newTestSession(GatewayRedirectOrder), "order_1")
	require.Error(t, err)

	ge := AsGatewayError(err)
	require.NotNil(t, ge)
	assert.Equal(t, ErrCodeCancelled, ge.Code)
	assert.Equal(t, ErrorClassUserActionable, ge.Class())
}

type blockingApprover struct{}

func (blockingApprover) AwaitApproval(ctx context.Context, orderID string) (ApprovalOutcome, error) {
	<-ctx.Done()
	return ApprovalCancelled, ctx.Err()
}

func TestCoordinatorAwaitApprovalTimeout(t *testing.T) {
	c := newTestCoordinator(&fakeOrderAPI{}, blockingApprover{}, &fakeDriver{})

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err := c.AwaitApproval(ctx, newTestSession(GatewayRedirectOrder), "order_1")
	require.Error(t, err)

	ge := AsGatewayError(err)
	require.NotNil(t, ge)
	assert.Equal(t, ErrCodeTimeout, ge.Code)
}

func TestCoordinatorAwaitApprovalWrapsPlainErrors(t *testing.T) {
	c := newTestCoordinator(&fakeOrderAPI{}, &fakeApprover{err: errors.New("connection reset by peer")}, &fakeDriver{})

	err := c.AwaitApproval(context.Background(), newTestSession(GatewayRedirectOrder), "order_1")
	ge := AsGatewayError(err)
	require.NotNil(t, ge)
	assert.Equal(t, ErrCodeNetwork, ge.Code)
}

func TestCoordinatorWidgetArtifactTagsGateway(t *testing.T) {
	driver := &fakeDriver{artifact: PaymentArtifact{Reference: "nonce_abc", ObtainedAt: time.Now()}}
	c := newTestCoordinator(&fakeOrderAPI{}, &fakeApprover{}, driver)

	session := newTestSession(GatewayHostedWidget)
	require.NoError(t, c.widget.Initialize(context.Background(), testCred(), session))

	artifact, err := c.RequestWidgetArtifact(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, GatewayHostedWidget, artifact.Kind)
	assert.Equal(t, "nonce_abc", artifact.Reference)
}
