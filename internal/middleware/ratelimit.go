// ratelimit.go provides Gin middleware that enforces per-client token-bucket rate limits,
// returning 429 responses once a client has spent its burst and refill allowance.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/todofetch/todofetch/internal/safego"
	"github.com/todofetch/todofetch/internal/telemetry"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained refill rate of each client's bucket
	RequestsPerMinute int
	// BurstSize is the bucket capacity
	BurstSize int
	// CleanupInterval is how often idle entries are swept
	CleanupInterval time.Duration
	// IdleTTL is how long an untouched entry survives a sweep
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns the limits used when configuration leaves them unset
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
		IdleTTL:           10 * time.Minute,
	}
}

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the client identified by key may make another request.
type Limiter interface {
	Decide(ctx context.Context, key string) (Decision, error)
	Stop()
}

// rateLimitEntry tracks the bucket for a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements a token bucket rate limiter keyed by client IP
type RateLimiter struct {
	config   RateLimitConfig
	entries  map[string]*rateLimitEntry
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewRateLimiter creates a rate limiter and starts its cleanup goroutine. Call Stop on shutdown.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	defaults := DefaultRateLimitConfig()
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = defaults.IdleTTL
	}

	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	safego.Go("ratelimit-cleanup", rl.cleanup)
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stopCh:
			return
		}
	}
}

// sweep drops entries idle for longer than IdleTTL.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, entry := range rl.entries {
		if now.Sub(entry.lastUpdate) > rl.config.IdleTTL {
			delete(rl.entries, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow spends one token for key and reports whether the request may proceed, along with
// the whole tokens left afterwards.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, exists := rl.entries[key]
	if !exists {
		// New client, full burst
		entry = &rateLimitEntry{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.entries[key] = entry
	} else {
		tokensPerSecond := float64(rl.config.RequestsPerMinute) / 60.0
		refill := now.Sub(entry.lastUpdate).Seconds() * tokensPerSecond
		entry.tokens = min(float64(rl.config.BurstSize), entry.tokens+refill)
		entry.lastUpdate = now
	}

	if entry.tokens >= 1 {
		entry.tokens--
		return true, int(entry.tokens)
	}
	return false, 0
}

// Decide implements Limiter for the in-memory bucket; it never fails.
func (rl *RateLimiter) Decide(_ context.Context, key string) (Decision, error) {
	allowed, remaining := rl.Allow(key)
	d := Decision{Allowed: allowed, Limit: rl.config.RequestsPerMinute, Remaining: remaining}
	if !allowed {
		d.RetryAfter = time.Duration(rl.retryAfterSeconds()) * time.Second
	}
	return d, nil
}

// retryAfterSeconds is the time for an empty bucket to earn one token, rounded up.
func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.config.RequestsPerMinute <= 0 {
		return 60
	}
	return int(math.Ceil(60.0 / float64(rl.config.RequestsPerMinute)))
}

// entryCount is used by tests to observe sweeping.
func (rl *RateLimiter) entryCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// RateLimitMiddleware creates a Gin middleware that rate limits requests by client IP. If the
// limiter itself fails the request is let through and the failure logged.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = c.Request.RemoteAddr
		}

		d, err := limiter.Decide(c.Request.Context(), key)
		if err != nil {
			slog.WarnContext(c.Request.Context(), "rate limit check failed, allowing request",
				"error", err,
				"request_id", GetRequestID(c),
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))

		if !d.Allowed {
			retryAfter := max(int(math.Ceil(d.RetryAfter.Seconds())), 1)
			telemetry.RateLimitedRequestsTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
