package daemon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cubent/usagemeter/internal/clock"
	"github.com/go-chi/chi/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RateLimitConfig defines the limit for one method or route.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustainable rate (tokens added per second).
	RequestsPerSecond float64

	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int
}

// DefaultRateLimits are the per-method limits of the Meter service, keyed by
// gRPC method path or "METHOD /route" for HTTP. Hot-path calls made for
// every provider request get the highest ceilings.
var DefaultRateLimits = map[string]RateLimitConfig{
	methodPath("Admit"):                {RequestsPerSecond: 500, BurstSize: 1000},
	methodPath("ReportUsage"):          {RequestsPerSecond: 500, BurstSize: 1000},
	methodPath("RecordToolInvocation"): {RequestsPerSecond: 500, BurstSize: 1000},
	methodPath("StartTurn"):            {RequestsPerSecond: 200, BurstSize: 400},
	methodPath("CompleteTurn"):         {RequestsPerSecond: 200, BurstSize: 400},

	methodPath("GetUsage"):   {RequestsPerSecond: 100, BurstSize: 200},
	methodPath("ListAlerts"): {RequestsPerSecond: 50, BurstSize: 100},
	methodPath("AckAlert"):   {RequestsPerSecond: 20, BurstSize: 40},
	methodPath("ListTiers"):  {RequestsPerSecond: 20, BurstSize: 40},
	methodPath("History"):    {RequestsPerSecond: 10, BurstSize: 20},

	methodPath("Status"): {RequestsPerSecond: 1000, BurstSize: 1000},

	"POST /v1/users/{userID}/admit":                {RequestsPerSecond: 500, BurstSize: 1000},
	"GET /v1/users/{userID}/usage":                 {RequestsPerSecond: 100, BurstSize: 200},
	"GET /v1/users/{userID}/alerts":                {RequestsPerSecond: 50, BurstSize: 100},
	"POST /v1/users/{userID}/alerts/{alertID}/ack": {RequestsPerSecond: 20, BurstSize: 40},
	"GET /v1/users/{userID}/history":               {RequestsPerSecond: 10, BurstSize: 20},
}

type tokenBucket struct {
	mu           sync.Mutex
	tokens       float64
	lastUpdate   time.Time
	ratePerSec   float64
	maxTokens    float64
	requestCount int64
	deniedCount  int64
}

func newTokenBucket(cfg RateLimitConfig, now time.Time) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(cfg.BurstSize),
		lastUpdate: now,
		ratePerSec: cfg.RequestsPerSecond,
		maxTokens:  float64(cfg.BurstSize),
	}
}

func (tb *tokenBucket) refill(now time.Time) {
	if elapsed := now.Sub(tb.lastUpdate).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.ratePerSec
		if tb.tokens > tb.maxTokens {
			tb.tokens = tb.maxTokens
		}
	}
	tb.lastUpdate = now
}

func (tb *tokenBucket) allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.requestCount++
	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	tb.deniedCount++
	return false
}

func (tb *tokenBucket) stats(now time.Time) (available float64, requestCount, deniedCount int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	return tb.tokens, tb.requestCount, tb.deniedCount
}

// RateLimiter applies token bucket limits per method plus an optional
// global limit shared by every method.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	configs map[string]RateLimitConfig

	globalBucket *tokenBucket
	globalConfig *RateLimitConfig

	enabled bool
	clock   clock.Clock
}

// RateLimiterOption configures the RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMethodLimits sets custom limits for specific methods or routes.
func WithMethodLimits(limits map[string]RateLimitConfig) RateLimiterOption {
	return func(rl *RateLimiter) {
		for method, cfg := range limits {
			rl.configs[method] = cfg
		}
	}
}

// WithGlobalLimit sets a limit applied to all methods.
func WithGlobalLimit(cfg RateLimitConfig) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.globalConfig = &cfg
	}
}

// WithEnabled enables or disables rate limiting.
func WithEnabled(enabled bool) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.enabled = enabled
	}
}

// WithLimiterClock sets the time source used to refill buckets.
func WithLimiterClock(c clock.Clock) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.clock = c
	}
}

// NewRateLimiter creates a rate limiter seeded with DefaultRateLimits.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		configs: make(map[string]RateLimitConfig),
		enabled: true,
	}
	for method, cfg := range DefaultRateLimits {
		rl.configs[method] = cfg
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.clock = clock.OrReal(rl.clock)
	if rl.globalConfig != nil {
		rl.globalBucket = newTokenBucket(*rl.globalConfig, rl.clock.Now())
	}
	return rl
}

// Allow reports whether a request to method may proceed and consumes a token.
func (rl *RateLimiter) Allow(method string) bool {
	if !rl.IsEnabled() {
		return true
	}
	now := rl.clock.Now()

	if rl.globalBucket != nil && !rl.globalBucket.allow(now) {
		return false
	}
	bucket := rl.getBucket(method, now)
	if bucket == nil {
		return true
	}
	return bucket.allow(now)
}

func (rl *RateLimiter) getBucket(method string, now time.Time) *tokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[method]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[method]; exists {
		return bucket
	}
	cfg, ok := rl.configs[method]
	if !ok {
		return nil
	}
	bucket = newTokenBucket(cfg, now)
	rl.buckets[method] = bucket
	return bucket
}

// MethodStats is the rate limit state of one method.
type MethodStats struct {
	Method           string  `json:"method"`
	Available        float64 `json:"available"`
	RequestsPerSec   float64 `json:"requests_per_sec"`
	BurstSize        int     `json:"burst_size"`
	TotalRequests    int64   `json:"total_requests"`
	DeniedRequests   int64   `json:"denied_requests"`
	DeniedPercentage float64 `json:"denied_percentage"`
}

// Stats returns statistics for all configured methods.
func (rl *RateLimiter) Stats() []MethodStats {
	now := rl.clock.Now()
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make([]MethodStats, 0, len(rl.configs))
	for method, cfg := range rl.configs {
		ms := MethodStats{
			Method:         method,
			RequestsPerSec: cfg.RequestsPerSecond,
			BurstSize:      cfg.BurstSize,
			Available:      float64(cfg.BurstSize),
		}
		if bucket, ok := rl.buckets[method]; ok {
			ms.Available, ms.TotalRequests, ms.DeniedRequests = bucket.stats(now)
			ms.DeniedPercentage = deniedPercentage(ms.TotalRequests, ms.DeniedRequests)
		}
		stats = append(stats, ms)
	}
	return stats
}

// GlobalStats returns statistics for the global limit, or nil without one.
func (rl *RateLimiter) GlobalStats() *MethodStats {
	if rl.globalBucket == nil {
		return nil
	}
	available, total, denied := rl.globalBucket.stats(rl.clock.Now())
	return &MethodStats{
		Method:           "global",
		Available:        available,
		RequestsPerSec:   rl.globalConfig.RequestsPerSecond,
		BurstSize:        rl.globalConfig.BurstSize,
		TotalRequests:    total,
		DeniedRequests:   denied,
		DeniedPercentage: deniedPercentage(total, denied),
	}
}

func deniedPercentage(total, denied int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(denied) / float64(total) * 100
}

// SetEnabled enables or disables rate limiting at runtime.
func (rl *RateLimiter) SetEnabled(enabled bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.enabled = enabled
}

// IsEnabled returns whether rate limiting is currently enabled.
func (rl *RateLimiter) IsEnabled() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.enabled
}

// UnaryServerInterceptor rejects over-limit calls with ResourceExhausted.
func (rl *RateLimiter) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !rl.Allow(info.FullMethod) {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for method %s", info.FullMethod)
		}
		return handler(ctx, req)
	}
}

// Middleware limits HTTP requests by chi route pattern, keyed as
// "METHOD /pattern". Mount it inside a Group or With so it runs after
// routing; otherwise the raw path is used.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				key = r.Method + " " + pattern
			}
		}
		if !rl.Allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
