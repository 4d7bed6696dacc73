package main

import (
	"context"
	"errors"
	"sync"
	"time"
)

// WidgetHandle is an opaque reference to a live hosted widget instance,
// owned by whichever driver created it.
type WidgetHandle interface{}

// MountPoint is the slot a widget renders into. Clear removes any stale
// widget markup left behind by a previous instance.
type MountPoint interface {
	ID() string
	Clear()
}

// WidgetDriver abstracts the hosted widget SDK so the lifecycle manager
// never talks to a vendor SDK directly.
type WidgetDriver interface {
	// Create mounts a new widget authorized by cred. It must either
	// return a live handle or an error, never both.
	Create(ctx context.Context, cred TokenCredential, mount MountPoint) (WidgetHandle, error)

	// RequestArtifact asks the live widget to produce a payment artifact
	// from whatever the payer entered.
	RequestArtifact(ctx context.Context, handle WidgetHandle) (PaymentArtifact, error)

	// Teardown destroys a widget instance. Safe to call on an already
	// destroyed handle.
	Teardown(ctx context.Context, handle WidgetHandle) error
}

var ErrInitInFlight = errors.New("widget initialization already in flight")

// WidgetLifecycleManager owns at most one live widget at a time and
// serializes create, artifact and teardown against each other.
type WidgetLifecycleManager struct {
	driver        WidgetDriver
	mount         MountPoint
	policy        RetryPolicy
	createTimeout time.Duration
	logger        *StructuredLogger

	mu       sync.Mutex
	handle   WidgetHandle
	inFlight bool
	gen      uint64
}

func NewWidgetLifecycleManager(driver WidgetDriver, mount MountPoint, policy RetryPolicy, logger *StructuredLogger) *WidgetLifecycleManager {
	return &WidgetLifecycleManager{
		driver:        driver,
		mount:         mount,
		policy:        policy,
		createTimeout: 30 * time.Second,
		logger:        logger,
	}
}

// Live reports whether a widget instance currently exists.
func (m *WidgetLifecycleManager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil
}

// Initialize tears down any previous widget, clears the mount point and
// creates a fresh instance under the retry policy. Each create attempt
// runs under its own timeout; a timed out or failed attempt is retried
// with backoff until the policy is exhausted. Results from a generation
// that was torn down mid-flight are discarded.
func (m *WidgetLifecycleManager) Initialize(ctx context.Context, cred TokenCredential, session *PaymentSession) error {
	if cred.Empty() {
		return NewGatewayError(ErrCodeWidgetInit, "cannot initialize widget without a credential", nil)
	}

	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return NewGatewayError(ErrCodeWidgetInit, "an initialization is already in progress", ErrInitInFlight)
	}
	m.inFlight = true
	prior := m.handle
	m.handle = nil
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight = false
		m.mu.Unlock()
	}()

	if prior != nil {
		if err := m.driver.Teardown(ctx, prior); err != nil {
			m.logger.Warn("Teardown of previous widget failed", map[string]interface{}{
				"session_id": session.ID,
				"error":      err.Error(),
			})
		}
	}
	m.mount.Clear()

	err := m.policy.Run(ctx, func(attemptCtx context.Context, attempt int) error {
		if session != nil {
			session.Retry.Attempt = attempt
			session.Retry.MaxAttempts = m.policy.MaxAttempts
			session.Retry.NextDelay = m.policy.Delay(attempt)
		}

		createCtx, cancel := context.WithTimeout(attemptCtx, m.createTimeout)
		defer cancel()

		handle, createErr := m.driver.Create(createCtx, cred, m.mount)
		if createErr != nil {
			if errors.Is(createErr, context.DeadlineExceeded) {
				return NewGatewayError(ErrCodeWidgetInit, "widget did not become ready in time", createErr)
			}
			if ge := AsGatewayError(createErr); ge != nil {
				return ge
			}
			return NewGatewayError(ErrCodeWidgetInit, "widget creation failed", createErr)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			// A teardown superseded this attempt; the late widget must
			// not become the live instance.
			go m.driver.Teardown(context.Background(), handle)
			return NewGatewayError(ErrCodeCancelled, "widget superseded during initialization", nil)
		}
		m.handle = handle
		return nil
	})
	if err != nil {
		m.logger.Error("Widget initialization exhausted retries", map[string]interface{}{
			"session_id": sessionID(session),
			"mount":      m.mount.ID(),
			"error":      err.Error(),
		})
		return err
	}

	if session != nil {
		session.Retry = RetryState{MaxAttempts: session.Retry.MaxAttempts}
	}
	m.logger.Info("Widget ready", map[string]interface{}{
		"session_id": sessionID(session),
		"mount":      m.mount.ID(),
	})
	return nil
}

// RequestArtifact asks the live widget for a payment artifact. It is an
// error to call this without a live widget.
func (m *WidgetLifecycleManager) RequestArtifact(ctx context.Context) (PaymentArtifact, error) {
	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()

	if handle == nil {
		return PaymentArtifact{}, NewGatewayError(ErrCodeWidgetInit, "no live widget to request an artifact from", nil)
	}

	artifact, err := m.driver.RequestArtifact(ctx, handle)
	if err != nil {
		if ge := AsGatewayError(err); ge != nil {
			return PaymentArtifact{}, ge
		}
		return PaymentArtifact{}, WrapRawError(err, ErrCodeValidation, "widget rejected the payment details")
	}
	if artifact.Empty() {
		return PaymentArtifact{}, NewGatewayError(ErrCodeMalformedResponse, "widget produced an empty artifact", nil)
	}
	return artifact, nil
}

// Teardown destroys the live widget, if any, and clears the mount point.
// Calling it repeatedly is harmless.
func (m *WidgetLifecycleManager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	handle := m.handle
	m.handle = nil
	m.gen++
	m.mu.Unlock()

	m.mount.Clear()
	if handle == nil {
		return nil
	}
	if err := m.driver.Teardown(ctx, handle); err != nil {
		m.logger.Warn("Widget teardown reported an error", map[string]interface{}{
			"mount": m.mount.ID(),
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func sessionID(s *PaymentSession) string {
	if s == nil {
		return ""
	}
	return s.ID
}
