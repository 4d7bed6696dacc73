package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenAcquirer struct {
	err   error
	calls int
}

func (f *fakeTokenAcquirer) AcquireToken(ctx context.Context) (TokenCredential, error) {
	f.calls++
	if f.err != nil {
		return TokenCredential{}, f.err
	}
	return NewTokenCredential("dGVzdA=="), nil
}

type fakeOrderAPI struct {
	orderID    string
	captureRef string
	createErr  error
	captureErr error
	captures   int
}

func (f *fakeOrderAPI) CreateOrder(ctx context.Context, req OrderRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.orderID, nil
}

func (f *fakeOrderAPI) CaptureOrder(ctx context.Context, orderID string) (PaymentArtifact, error) {
	f.captures++
	if f.captureErr != nil {
		return PaymentArtifact{}, f.captureErr
	}
	return PaymentArtifact{Reference: f.captureRef, Kind: GatewayRedirectOrder, ObtainedAt: time.Now()}, nil
}

type fakeApprover struct {
	outcome ApprovalOutcome
	err     error
}

func (f *fakeApprover) AwaitApproval(ctx context.Context, orderID string) (ApprovalOutcome, error) {
	return f.outcome, f.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (n *recordingNotifier) Notify(sessionID string, event StatusEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) states() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	states := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		states = append(states, ev.State)
	}
	return states
}

type gatewayFixture struct {
	selector     *GatewaySelector
	driver       *fakeDriver
	tokens       *fakeTokenAcquirer
	orders       *fakeOrderAPI
	notifier     *recordingNotifier
	confirmCalls *int64
	server       *httptest.Server
}

func newGatewayFixture(t *testing.T, approver Approver) *gatewayFixture {
	t.Helper()

	var confirmCalls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&confirmCalls, 1)
		json.NewEncoder(w).Encode(ConfirmationResult{Success: true, TransactionID: "txn_1"})
	}))
	t.Cleanup(srv.Close)

	logger := NewStructuredLogger(LogLevelError, true)
	driver := &fakeDriver{
		artifact: PaymentArtifact{Reference: "nonce_abc", Kind: GatewayHostedWidget, ObtainedAt: time.Now()},
	}
	widget := NewWidgetLifecycleManager(driver, &fakeMount{}, fastPolicy(3), logger)
	orders := &fakeOrderAPI{orderID: "order_1", captureRef: "cap_1"}
	if approver == nil {
		approver = &fakeApprover{outcome: ApprovalApproved}
	}
	coordinator := NewPaymentRequestCoordinator(widget, orders, approver, logger)
	reconciler := newTestReconciler(srv.URL, &fakeRecorder{})
	tokens := &fakeTokenAcquirer{}
	notifier := &recordingNotifier{}
	localizer := testLocalizer(nil)

	return &gatewayFixture{
		selector:     NewGatewaySelector(localizer, tokens, widget, coordinator, reconciler, notifier, logger),
		driver:       driver,
		tokens:       tokens,
		orders:       orders,
		notifier:     notifier,
		confirmCalls: &confirmCalls,
		server:       srv,
	}
}

func TestHostedWidgetHappyPath(t *testing.T) {
	f := newGatewayFixture(t, nil)

	outcome := f.selector.Checkout(context.Background(), CheckoutRequest{
		Gateway:   GatewayHostedWidget,
		PayerID:   "payer_1",
		PlanType:  "premium",
		AmountUSD: 15.00,
	})

	require.Nil(t, outcome.Err)
	assert.Equal(t, StateSucceeded, outcome.State)
	assert.Equal(t, "txn_1", outcome.TransactionID)
	assert.Equal(t, "USD", outcome.Session.SettlementCurrency)
	assert.Equal(t, int64(1500), outcome.Session.SettlementAmountMinor)

	// Paid exactly once.
	assert.EqualValues(t, 1, atomic.LoadInt64(f.confirmCalls))

	assert.Equal(t, []string{"INITIALIZING", "READY", "SUBMITTING", "SUCCEEDED"}, f.notifier.states())

	// Terminal outcome tears the widget down.
	_, teardowns := f.driver.counts()
	assert.Equal(t, 1, teardowns)
}

func TestHostedWidgetLocalizedAmount(t *testing.T) {
	f := newGatewayFixture(t, nil)

	outcome := f.selector.Checkout(context.Background(), CheckoutRequest{
		Gateway:     GatewayHostedWidget,
		PayerID:     "payer_gh",
		PlanType:    "premium",
		AmountUSD:   15.00,
		CountryHint: "GH",
	})

	require.Nil(t, outcome.Err)
	assert.Equal(t, "GHS", outcome.Session.SettlementCurrency)
	assert.Equal(t, int64(15675), outcome.Session.SettlementAmountMinor)
	assert.Equal(t, 15.00, outcome.Session.CanonicalAmount)
}

func TestHostedWidgetTokenFailureIsTerminal(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.tokens.err = NewGatewayError(ErrCodeToken, "token endpoint returned status 503", nil)

	outcome := f.selector.Checkout(context.Background(), CheckoutRequest{
		Gateway: GatewayHostedWidget, PayerID: "payer_1", AmountUSD: 15,
	})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, ErrCodeToken, outcome.Err.Code)
	assert.EqualValues(t, 0, atomic.LoadInt64(f.confirmCalls))
}

func TestHostedWidgetValidationKeepsSessionOpen(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.driver.artifactErr = NewGatewayError(ErrCodeValidation, "card number incomplete", nil)

	outcome := f.selector.Checkout(context.Background(), CheckoutRequest{
		Gateway: GatewayHostedWidget, PayerID: "payer_1", AmountUSD: 15,
	})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, ErrCodeValidation, outcome.Err.Code)
	assert.Equal(t, StateReady, outcome.State)
	assert.False(t, outcome.State.Terminal())

	// Widget stays live for the payer's next try; nothing was charged.
	_, teardowns := f.driver.counts()
	assert.Equal(t, 0, teardowns)
	assert.EqualValues(t, 0, atomic.LoadInt64(f.confirmCalls))
}

func TestHostedWidgetInitExhaustionFails(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.driver.failCreates = 10

	outcome := f.selector.Checkout(context.Background(), CheckoutRequest{
		Gateway: GatewayHostedWidget, PayerID: "payer_1", AmountUSD: 15,
	})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, ErrCodeWidgetInit, outcome.Err.Code)

	creates, _ := f.driver.counts()
	assert.Equal(t, 4, creates)
}

func TestRedirectOrderHappyPath(t *testing.T) {
	f := newGatewayFixture(t, &fakeApprover{outcome: ApprovalApproved})

	outcome := f.selector.Checkout(context.Background(), CheckoutRequest{
		Gateway: GatewayRedirectOrder, PayerID: "payer_1", AmountUSD: 15,
	})

	require.Nil(t, outcome.Err)
	assert.Equal(t, StateSucceeded, outcome.State)
	assert.Equal(t, "txn_1", outcome.TransactionID)
	assert.Equal(t, 1, f.orders.captures)
	assert.EqualValues(t, 1, atomic.LoadInt64(f.confirmCalls))
}

func TestRedirectOrderCancellation(t *testing.T) {
	f := newGatewayFixture(t, &fakeApprover{outcome: ApprovalCancelled})

	outcome := f.selector.Checkout(context.Background(), CheckoutRequest{
		Gateway: GatewayRedirectOrder, PayerID: "payer_1", AmountUSD: 15,
	})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, StateCancelled, outcome.State)
	assert.Equal(t, ErrCodeCancelled, outcome.Err.Code)

	// An abandoned order is never captured or confirmed.
	assert.Equal(t, 0, f.orders.captures)
	assert.EqualValues(t, 0, atomic.LoadInt64(f.confirmCalls))
}

func TestRedirectOrderCaptureFailure(t *testing.T) {
	f := newGatewayFixture(t, &fakeApprover{outcome: ApprovalApproved})
	f.orders.captureErr = NewGatewayError(ErrCodeGatewayDeclined, "capture not completed", nil)

	outcome := f.selector.Checkout(context.Background(), CheckoutRequest{
		Gateway: GatewayRedirectOrder, PayerID: "payer_1", AmountUSD: 15,
	})

	require.NotNil(t, outcome.Err)
	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, ErrCodeGatewayDeclined, outcome.Err.Code)
	assert.EqualValues(t, 0, atomic.LoadInt64(f.confirmCalls))
}

func TestSessionIDsAreUniquePerAttempt(t *testing.T) {
	f := newGatewayFixture(t, nil)
	req := CheckoutRequest{Gateway: GatewayHostedWidget, PayerID: "payer_1", AmountUSD: 15}

	first := f.selector.Begin(context.Background(), req)
	second := f.selector.Begin(context.Background(), req)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, StateIdle, first.State)
}
