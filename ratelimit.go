package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateQuota defines rate limit configuration
type RateQuota struct {
	RequestsPerMinute int
	BurstSize         int
}

// Checkout starts hit processors; keep the default window tight.
var defaultKeyQuota = RateQuota{RequestsPerMinute: 60, BurstSize: 10}
var ipQuota = RateQuota{RequestsPerMinute: 120, BurstSize: 20}

// RateLimiter implements fixed-window rate limiting over redis.
type RateLimiter struct {
	redis  *redis.Client
	quotas map[string]RateQuota
	mu     sync.RWMutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		quotas: make(map[string]RateQuota),
	}
}

// SetQuota sets rate limit quota for an API key
func (rl *RateLimiter) SetQuota(apiKey string, quota RateQuota) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.quotas[apiKey] = quota
}

// GetQuota retrieves rate limit quota for an API key
func (rl *RateLimiter) GetQuota(apiKey string) RateQuota {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if quota, exists := rl.quotas[apiKey]; exists {
		return quota
	}

	return defaultKeyQuota
}

// allow runs one fixed-window check for a redis key. Redis errors fail
// open so an unavailable limiter never blocks payments.
func (rl *RateLimiter) allow(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	count, err := rl.redis.Get(ctx, key).Int()
	if err == redis.Nil {
		err = rl.redis.Set(ctx, key, 1, 60*time.Second).Err()
		if err != nil {
			return true, 0, err
		}
		return true, 0, nil
	} else if err != nil {
		return true, 0, err
	}

	if count >= limit {
		ttl, err := rl.redis.TTL(ctx, key).Result()
		if err != nil {
			ttl = 60 * time.Second
		}
		return false, ttl, nil
	}

	err = rl.redis.Incr(ctx, key).Err()
	if err != nil {
		return true, 0, err
	}

	return true, 0, nil
}

// Allow checks the quota for an API key.
func (rl *RateLimiter) Allow(ctx context.Context, apiKey string) (bool, time.Duration, error) {
	quota := rl.GetQuota(apiKey)
	return rl.allow(ctx, fmt.Sprintf("ratelimit:%s", apiKey), quota.RequestsPerMinute)
}

// AllowIP checks the per-IP quota for unauthenticated traffic.
func (rl *RateLimiter) AllowIP(ctx context.Context, ip string) (bool, time.Duration, error) {
	return rl.allow(ctx, fmt.Sprintf("ratelimit:ip:%s", ip), ipQuota.RequestsPerMinute)
}

// RateLimitMiddleware enforces rate limiting
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// API key set by AuthMiddleware; without one, limit by IP
			apiKey, ok := ctx.Value("api_key").(string)
			if !ok || apiKey == "" {
				ip := getClientIP(r)
				allowed, retryAfter, err := limiter.AllowIP(ctx, ip)

				if err != nil {
					GetLogger().Warn("IP rate limit check failed", map[string]interface{}{
						"error": err.Error(),
					})
				}

				if !allowed {
					w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", ipQuota.RequestsPerMinute))
					w.Header().Set("X-RateLimit-Remaining", "0")
					w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
					http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
					return
				}

				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter, err := limiter.Allow(ctx, apiKey)

			if err != nil {
				GetLogger().Warn("API key rate limit check failed", map[string]interface{}{
					"error": err.Error(),
				})
			}

			quota := limiter.GetQuota(apiKey)

			if !allowed {
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", quota.RequestsPerMinute))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", quota.RequestsPerMinute))

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts client IP from request
func getClientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIdx := strings.LastIndex(ip, ":"); colonIdx != -1 {
		ip = ip[:colonIdx]
	}

	return ip
}
