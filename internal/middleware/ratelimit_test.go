package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestLimiter(rpm, burst int) *RateLimiter {
	return NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
}

// ---------------------------------------------------------------------------
// RateLimiter.Allow
// ---------------------------------------------------------------------------

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerMinute != 120 || cfg.BurstSize != 20 {
		t.Errorf("DefaultRateLimitConfig() = %+v, want 120 rpm / burst 20", cfg)
	}
	if cfg.CleanupInterval <= 0 || cfg.IdleTTL <= 0 {
		t.Errorf("DefaultRateLimitConfig() intervals must be positive: %+v", cfg)
	}
}

func TestNewRateLimiter_FillsIntervals(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1})
	defer rl.Stop()

	if rl.config.CleanupInterval != DefaultRateLimitConfig().CleanupInterval {
		t.Errorf("CleanupInterval = %v, want default", rl.config.CleanupInterval)
	}
	if rl.config.IdleTTL != DefaultRateLimitConfig().IdleTTL {
		t.Errorf("IdleTTL = %v, want default", rl.config.IdleTTL)
	}
}

func TestRateLimiter_AllowsExactlyBurst(t *testing.T) {
	burst := 3
	rl := newTestLimiter(60, burst)
	defer rl.Stop()

	frozen := time.Now()
	rl.now = func() time.Time { return frozen }

	allowed := 0
	for i := 0; i < burst+2; i++ {
		if ok, _ := rl.Allow("burst-test"); ok {
			allowed++
		}
	}
	if allowed != burst {
		t.Errorf("allowed %d requests at burst=%d, want exactly %d", allowed, burst, burst)
	}
}

func TestRateLimiter_RemainingCountsDown(t *testing.T) {
	rl := newTestLimiter(60, 3)
	defer rl.Stop()

	frozen := time.Now()
	rl.now = func() time.Time { return frozen }

	for _, want := range []int{2, 1, 0} {
		ok, remaining := rl.Allow("countdown")
		if !ok || remaining != want {
			t.Errorf("Allow() = (%v, %d), want (true, %d)", ok, remaining, want)
		}
	}
	if ok, remaining := rl.Allow("countdown"); ok || remaining != 0 {
		t.Errorf("Allow() after burst = (%v, %d), want (false, 0)", ok, remaining)
	}
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl := newTestLimiter(60, 2) // one token per second
	defer rl.Stop()

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	for {
		if ok, _ := rl.Allow("refill"); !ok {
			break
		}
	}

	clock = clock.Add(500 * time.Millisecond)
	if ok, _ := rl.Allow("refill"); ok {
		t.Error("Allow() = true after half a token refilled, want false")
	}

	clock = clock.Add(time.Second)
	if ok, _ := rl.Allow("refill"); !ok {
		t.Error("Allow() = false after a full token refilled, want true")
	}
}

func TestRateLimiter_RefillCappedAtBurst(t *testing.T) {
	rl := newTestLimiter(60, 2)
	defer rl.Stop()

	clock := time.Now()
	rl.now = func() time.Time { return clock }

	rl.Allow("cap")
	clock = clock.Add(time.Hour)

	_, remaining := rl.Allow("cap")
	if remaining != 1 {
		t.Errorf("remaining after long idle = %d, want burst-1 = 1", remaining)
	}
}

func TestRateLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl := newTestLimiter(60, 2)
	defer rl.Stop()

	for {
		if ok, _ := rl.Allow("key-a"); !ok {
			break
		}
	}

	if ok, _ := rl.Allow("key-b"); !ok {
		t.Error("Allow() = false for independent key-b after exhausting key-a")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := newTestLimiter(60, 5)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_RetryAfterSeconds(t *testing.T) {
	tests := []struct {
		rpm  int
		want int
	}{
		{1, 60},
		{60, 1},
		{120, 1},
		{7, 9},
		{0, 60},
	}
	for _, tt := range tests {
		rl := &RateLimiter{config: RateLimitConfig{RequestsPerMinute: tt.rpm}}
		if got := rl.retryAfterSeconds(); got != tt.want {
			t.Errorf("retryAfterSeconds(rpm=%d) = %d, want %d", tt.rpm, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// RateLimiter.sweep
// ---------------------------------------------------------------------------

func TestRateLimiter_SweepRemovesIdleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Hour,
		IdleTTL:           time.Minute,
	})
	defer rl.Stop()

	rl.Allow("stale-client")
	rl.Allow("fresh-client")

	rl.mu.Lock()
	rl.entries["stale-client"].lastUpdate = time.Now().Add(-2 * time.Minute)
	rl.mu.Unlock()

	rl.sweep()

	if n := rl.entryCount(); n != 1 {
		t.Fatalf("entryCount() after sweep = %d, want 1", n)
	}
	rl.mu.Lock()
	_, stale := rl.entries["stale-client"]
	rl.mu.Unlock()
	if stale {
		t.Error("stale-client survived sweep")
	}
}

func TestRateLimiter_CleanupGoroutineSweeps(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   10 * time.Millisecond,
		IdleTTL:           time.Minute,
	})
	defer rl.Stop()

	rl.Allow("stale-client")
	rl.mu.Lock()
	rl.entries["stale-client"].lastUpdate = time.Now().Add(-2 * time.Minute)
	rl.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for rl.entryCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("cleanup goroutine did not evict stale entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(limiter Limiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter))
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func sendFrom(r *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	rl := newTestLimiter(600, 10)
	defer rl.Stop()

	w := sendFrom(newRateLimitRouter(rl), "10.0.0.1:1234")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "600" {
		t.Errorf("X-RateLimit-Limit = %q, want 600", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", got)
	}
}

func TestRateLimitMiddleware_Blocked(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()

	r := newRateLimitRouter(rl)

	if w := sendFrom(r, "10.0.0.2:1234"); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w := sendFrom(r, "10.0.0.2:1234")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != "Rate limit exceeded" {
		t.Errorf("error = %v, want Rate limit exceeded", body["error"])
	}
	if body["retry_after"] != float64(60) {
		t.Errorf("retry_after = %v, want 60", body["retry_after"])
	}
}

func TestRateLimitMiddleware_ClientsLimitedSeparately(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()

	r := newRateLimitRouter(rl)
	sendFrom(r, "10.0.0.3:1234")

	if w := sendFrom(r, "10.0.0.4:1234"); w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
}

func TestRateLimitMiddleware_RemainingNeverNegative(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()

	r := newRateLimitRouter(rl)
	for i := 0; i < 3; i++ {
		w := sendFrom(r, "10.0.0.5:1234")
		remaining, err := strconv.Atoi(w.Header().Get("X-RateLimit-Remaining"))
		if err != nil || remaining < 0 {
			t.Errorf("X-RateLimit-Remaining = %q, want a non-negative integer", w.Header().Get("X-RateLimit-Remaining"))
		}
	}
}

func TestRateLimiter_Decide(t *testing.T) {
	rl := newTestLimiter(30, 1)
	defer rl.Stop()

	d, err := rl.Decide(context.Background(), "decide")
	if err != nil {
		t.Fatalf("Decide() error: %v", err)
	}
	if !d.Allowed || d.Limit != 30 || d.Remaining != 0 || d.RetryAfter != 0 {
		t.Errorf("first Decide() = %+v, want allowed with limit 30 and nothing remaining", d)
	}

	d, _ = rl.Decide(context.Background(), "decide")
	if d.Allowed {
		t.Error("second Decide() allowed, want denied")
	}
	if d.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %v, want 2s at 30 rpm", d.RetryAfter)
	}
}
