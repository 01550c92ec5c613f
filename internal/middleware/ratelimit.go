package middleware

import (
	"net/http"
	"sync"
	"time"
)

// tokenBucket is a per-IP request budget refilled continuously.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens added per second
	lastRefill time.Time
}

func (tb *tokenBucket) allow(now time.Time) bool {
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += elapsed.Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// RateLimit caps HTTP requests per client IP at perMinute, answering 429
// beyond the budget. Idle buckets are pruned so the map tracks only recently
// active IPs.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	var (
		mu      sync.Mutex
		buckets = make(map[string]*tokenBucket)
		pruned  = time.Now()
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if perMinute <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			ip := ClientIP(r)
			now := time.Now()

			mu.Lock()
			if now.Sub(pruned) > 5*time.Minute {
				for k, b := range buckets {
					if now.Sub(b.lastRefill) > 5*time.Minute {
						delete(buckets, k)
					}
				}
				pruned = now
			}
			b, ok := buckets[ip]
			if !ok {
				b = &tokenBucket{
					tokens:     float64(perMinute),
					maxTokens:  float64(perMinute),
					refillRate: float64(perMinute) / 60,
					lastRefill: now,
				}
				buckets[ip] = b
			}
			allowed := b.allow(now)
			mu.Unlock()

			if !allowed {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
