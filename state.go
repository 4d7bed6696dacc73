package main

import (
	"errors"
	"fmt"
)

// ErrInvalidStateChange signals a programming-invariant violation: session
// states are monotonic and a session may never step backwards. A fresh
// attempt requires a fresh session id, not a rewound session.
var ErrInvalidStateChange = errors.New("invalid session state change")

// IDLE -> INITIALIZING, FAILED, CANCELLED
// INITIALIZING -> READY, FAILED, CANCELLED
// READY -> SUBMITTING, FAILED, CANCELLED
// SUBMITTING -> SUCCEEDED, FAILED, CANCELLED
var legalTransitions = map[SessionState][]SessionState{
	StateIdle:         {StateInitializing, StateFailed, StateCancelled},
	StateInitializing: {StateReady, StateFailed, StateCancelled},
	StateReady:        {StateSubmitting, StateFailed, StateCancelled},
	StateSubmitting:   {StateSucceeded, StateFailed, StateCancelled},
}

// Transition advances the session to the requested state, enforcing the
// legal-transition table. Terminal states accept no further transitions
// and tolerate re-entry; a live state may be entered once, so the first
// of two competing callers claims it and the other gets an error.
func (s *PaymentSession) Transition(to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == to {
		if s.State.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: %s re-entered (session %s)", ErrInvalidStateChange, s.State, s.ID)
	}
	for _, allowed := range legalTransitions[s.State] {
		if allowed == to {
			s.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (session %s)", ErrInvalidStateChange, s.State, to, s.ID)
}
