package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const confirmationCacheTTL = 24 * time.Hour

// ConfirmationCache remembers the outcome of a confirmed artifact so a
// re-submitted reference replays the original result instead of charging
// the payer twice.
type ConfirmationCache interface {
	Get(ctx context.Context, reference string) (ConfirmationResult, bool, error)
	Put(ctx context.Context, reference string, result ConfirmationResult) error
}

type redisConfirmationCache struct {
	rdb *redis.Client
}

func NewRedisConfirmationCache(rdb *redis.Client) ConfirmationCache {
	return &redisConfirmationCache{rdb: rdb}
}

func confirmationCacheKey(reference string) string {
	return "confirm_result:" + SHA256Hash(reference)
}

func (c *redisConfirmationCache) Get(ctx context.Context, reference string) (ConfirmationResult, bool, error) {
	val, err := c.rdb.Get(ctx, confirmationCacheKey(reference)).Result()
	if err == redis.Nil {
		return ConfirmationResult{}, false, nil
	}
	if err != nil {
		return ConfirmationResult{}, false, err
	}
	var result ConfirmationResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return ConfirmationResult{}, false, err
	}
	return result, true, nil
}

func (c *redisConfirmationCache) Put(ctx context.Context, reference string, result ConfirmationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, confirmationCacheKey(reference), payload, confirmationCacheTTL).Err()
}

// memoryConfirmationCache backs tests and single-node deployments with
// no redis available.
type memoryConfirmationCache struct {
	mu      sync.Mutex
	results map[string]ConfirmationResult
}

func NewMemoryConfirmationCache() ConfirmationCache {
	return &memoryConfirmationCache{results: make(map[string]ConfirmationResult)}
}

func (c *memoryConfirmationCache) Get(_ context.Context, reference string) (ConfirmationResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.results[reference]
	return result, ok, nil
}

func (c *memoryConfirmationCache) Put(_ context.Context, reference string, result ConfirmationResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[reference] = result
	return nil
}

// ConfirmationRecorder persists confirmed transactions. Recording the
// same reference with a different transaction id must fail with
// ErrDuplicateReference.
type ConfirmationRecorder interface {
	RecordConfirmation(ctx context.Context, session SessionMeta, reference, transactionID string) error
}

// SessionMeta is the slice of session context the confirmation endpoint
// needs; the full session stays with the gateway selector.
type SessionMeta struct {
	SessionID       string
	PayerID         string
	PlanType        string
	CanonicalAmount float64
}

// ReconciliationClient submits payment artifacts to the backend
// confirmation endpoint exactly once per reference.
type ReconciliationClient struct {
	httpClient *http.Client
	endpoint   string
	authToken  string
	cache      ConfirmationCache
	store      ConfirmationRecorder
	logger     *StructuredLogger
}

func NewReconciliationClient(cfg *Config, cache ConfirmationCache, store ConfirmationRecorder, logger *StructuredLogger) *ReconciliationClient {
	return &ReconciliationClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		endpoint:   cfg.ConfirmURL,
		authToken:  cfg.ConfirmAuthToken,
		cache:      cache,
		store:      store,
		logger:     logger,
	}
}

// Confirm reconciles one artifact. A reference that was already confirmed
// replays the cached result with Replayed set. A failed confirmation is
// terminal for the artifact and is never retried automatically; the
// payment may have been taken, so only reconciliation tooling or a human
// may resolve it.
func (r *ReconciliationClient) Confirm(ctx context.Context, artifact PaymentArtifact, meta SessionMeta) (ConfirmationResult, error) {
	if artifact.Empty() {
		return ConfirmationResult{}, NewGatewayError(ErrCodeInternal, "cannot confirm an empty artifact", nil)
	}

	if cached, ok, err := r.cache.Get(ctx, artifact.Reference); err != nil {
		r.logger.Warn("Confirmation cache lookup failed", map[string]interface{}{
			"session_id": meta.SessionID,
			"error":      err.Error(),
		})
	} else if ok {
		cached.Replayed = true
		r.logger.Info("Confirmation replayed from cache", map[string]interface{}{
			"session_id":     meta.SessionID,
			"transaction_id": cached.TransactionID,
		})
		return cached, nil
	}

	result, err := r.submit(ctx, artifact, meta)
	if err != nil {
		return ConfirmationResult{}, err
	}
	if !result.Success {
		return result, NewGatewayError(ErrCodeConfirmationFailed,
			fmt.Sprintf("backend rejected confirmation: %s", result.Error), nil)
	}

	if r.store != nil {
		if err := r.store.RecordConfirmation(ctx, meta, artifact.Reference, result.TransactionID); err != nil {
			if errors.Is(err, ErrDuplicateReference) {
				return ConfirmationResult{}, NewGatewayError(ErrCodeConfirmationMismatch,
					"reference already settled under a different transaction", err)
			}
			r.logger.Error("Failed to persist confirmation", map[string]interface{}{
				"session_id": meta.SessionID,
				"error":      err.Error(),
			})
		}
	}

	if err := r.cache.Put(ctx, artifact.Reference, result); err != nil {
		r.logger.Warn("Failed to cache confirmation result", map[string]interface{}{
			"session_id": meta.SessionID,
			"error":      err.Error(),
		})
	}

	r.logger.Info("Payment confirmed", map[string]interface{}{
		"session_id":     meta.SessionID,
		"transaction_id": result.TransactionID,
		"gateway":        artifact.Kind.String(),
	})
	return result, nil
}

func (r *ReconciliationClient) submit(ctx context.Context, artifact PaymentArtifact, meta SessionMeta) (ConfirmationResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"reference":       artifact.Reference,
		"gateway":         artifact.Kind.String(),
		"canonicalAmount": meta.CanonicalAmount,
		"payerId":         meta.PayerID,
		"planType":        meta.PlanType,
	})
	if err != nil {
		return ConfirmationResult{}, NewGatewayError(ErrCodeInternal, "failed to encode confirmation", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return ConfirmationResult{}, NewGatewayError(ErrCodeInternal, "failed to build confirmation request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	// Past this point the charge may exist even when the call fails, so a
	// transport error is never downgraded to a retryable class.
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return ConfirmationResult{}, NewGatewayError(ErrCodeConfirmationFailed, "confirmation endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ConfirmationResult{}, NewGatewayError(ErrCodeConfirmationFailed,
			fmt.Sprintf("confirmation endpoint returned status %d", resp.StatusCode), nil)
	}

	var result ConfirmationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ConfirmationResult{}, NewGatewayError(ErrCodeMalformedResponse, "confirmation response is not valid JSON", err)
	}
	return result, nil
}
