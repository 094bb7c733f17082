package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// requestWindow tracks requests from one IP within the current window.
type requestWindow struct {
	Count   int
	FirstAt time.Time
}

// RateLimiter applies a fixed-window per-IP request limit to the read
// API. Windows reset when they expire; stale entries are swept by a
// background cleanup loop.
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*requestWindow
	maxRequests  int
	windowPeriod time.Duration
}

// NewRateLimiter creates a new rate limiter.
// maxRequests: maximum requests allowed within the window
// windowPeriod: time window for counting requests
func NewRateLimiter(maxRequests int, windowPeriod time.Duration) *RateLimiter {
	rl := &RateLimiter{
		windows:      make(map[string]*requestWindow),
		maxRequests:  maxRequests,
		windowPeriod: windowPeriod,
	}
	go rl.startCleanup()
	return rl
}

// startCleanup periodically cleans up expired windows
func (rl *RateLimiter) startCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	for range ticker.C {
		rl.cleanup()
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, w := range rl.windows {
		if now.Sub(w.FirstAt) > rl.windowPeriod {
			delete(rl.windows, ip)
		}
	}
}

// Allow records a request from an IP and reports whether it is within
// the limit, along with the remaining budget and the time until the
// window resets when it is not.
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, exists := rl.windows[ip]

	if !exists || now.Sub(w.FirstAt) > rl.windowPeriod {
		rl.windows[ip] = &requestWindow{Count: 1, FirstAt: now}
		return true, rl.maxRequests - 1, 0
	}

	w.Count++
	remaining := rl.maxRequests - w.Count
	if remaining < 0 {
		return false, 0, rl.windowPeriod - now.Sub(w.FirstAt)
	}
	return true, remaining, 0
}

// APIRateLimitMiddleware limits requests per client IP and answers
// over-limit requests with a JSON 429.
func APIRateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		allowed, remaining, retryAfter := rl.Allow(ip)

		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if !allowed {
			c.Header("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": int(retryAfter.Seconds()) + 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
