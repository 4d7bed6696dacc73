package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(kind GatewayKind) *PaymentSession {
	return NewPaymentSession(kind, "payer_1", "premium", 15.00)
}

func TestSessionHappyPathTransitions(t *testing.T) {
	s := newTestSession(GatewayHostedWidget)
	require.Equal(t, StateIdle, s.State)

	for _, next := range []SessionState{StateInitializing, StateReady, StateSubmitting, StateSucceeded} {
		require.NoError(t, s.Transition(next))
		assert.Equal(t, next, s.State)
	}
	assert.True(t, s.State.Terminal())
}

func TestSessionRejectsBackwardTransitions(t *testing.T) {
	s := newTestSession(GatewayHostedWidget)
	require.NoError(t, s.Transition(StateInitializing))
	require.NoError(t, s.Transition(StateReady))

	err := s.Transition(StateInitializing)
	require.ErrorIs(t, err, ErrInvalidStateChange)
	assert.Equal(t, StateReady, s.State)

	err = s.Transition(StateIdle)
	require.ErrorIs(t, err, ErrInvalidStateChange)
}

func TestSessionRejectsSkippedStates(t *testing.T) {
	s := newTestSession(GatewayHostedWidget)

	err := s.Transition(StateSubmitting)
	require.ErrorIs(t, err, ErrInvalidStateChange)

	err = s.Transition(StateSucceeded)
	require.ErrorIs(t, err, ErrInvalidStateChange)
	assert.Equal(t, StateIdle, s.State)
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, terminal := range []SessionState{StateSucceeded, StateFailed, StateCancelled} {
		s := newTestSession(GatewayRedirectOrder)
		s.State = terminal

		for _, next := range []SessionState{StateIdle, StateInitializing, StateReady, StateSubmitting} {
			err := s.Transition(next)
			require.ErrorIs(t, err, ErrInvalidStateChange, "from %s to %s", terminal, next)
		}
	}
}

func TestLiveStateReentryRejected(t *testing.T) {
	s := newTestSession(GatewayHostedWidget)
	require.NoError(t, s.Transition(StateInitializing))

	err := s.Transition(StateInitializing)
	require.ErrorIs(t, err, ErrInvalidStateChange)
	assert.Equal(t, StateInitializing, s.State)
}

func TestTerminalStateReentryIsNoOp(t *testing.T) {
	s := newTestSession(GatewayRedirectOrder)
	require.NoError(t, s.Transition(StateCancelled))
	require.NoError(t, s.Transition(StateCancelled))
	assert.Equal(t, StateCancelled, s.State)
}

func TestFailableFromIdle(t *testing.T) {
	s := newTestSession(GatewayHostedWidget)
	require.NoError(t, s.Transition(StateFailed))
	assert.True(t, s.State.Terminal())
}

func TestCancellableFromEveryLiveState(t *testing.T) {
	live := [][]SessionState{
		{},
		{StateInitializing},
		{StateInitializing, StateReady},
		{StateInitializing, StateReady, StateSubmitting},
	}
	for _, path := range live {
		s := newTestSession(GatewayRedirectOrder)
		for _, state := range path {
			require.NoError(t, s.Transition(state))
		}
		require.NoError(t, s.Transition(StateCancelled))
		assert.Equal(t, StateCancelled, s.State)
	}
}

func TestParseGatewayKind(t *testing.T) {
	cases := []struct {
		in   string
		want GatewayKind
	}{
		{"hosted_widget", GatewayHostedWidget},
		{"braintree", GatewayHostedWidget},
		{"paystack", GatewayHostedWidget},
		{"redirect_order", GatewayRedirectOrder},
		{"paypal", GatewayRedirectOrder},
	}
	for _, tc := range cases {
		kind, err := ParseGatewayKind(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, kind, tc.in)
	}

	_, err := ParseGatewayKind("venmo")
	assert.Error(t, err)
}

func TestTokenCredentialNeverPrintsMaterial(t *testing.T) {
	cred := NewTokenCredential("eyJ2ZXJzaW9uIjoyfQ==")
	assert.NotContains(t, cred.String(), "eyJ2")
	assert.Equal(t, "eyJ2ZXJzaW9uIjoyfQ==", cred.Transport())
	assert.False(t, cred.Empty())
	assert.True(t, TokenCredential{}.Empty())
}
