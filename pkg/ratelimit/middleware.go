package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"waconnector/internal/config"
	"waconnector/pkg/metrics"
)

type limiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

type Config struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
	// KeyParam names the route parameter limits are keyed by. Requests without it are keyed by
	// client IP.
	KeyParam string
}

func DefaultConfig() Config {
	return Config{
		RPS:             200.0,
		Burst:           400,
		CleanupInterval: time.Minute,
		MaxAge:          5 * time.Minute,
		KeyParam:        "id",
	}
}

// FromSettings converts the seconds-based server settings.
func FromSettings(cfg config.RateLimitConfig) Config {
	out := DefaultConfig()
	if cfg.RPS > 0 {
		out.RPS = cfg.RPS
	}
	if cfg.Burst > 0 {
		out.Burst = cfg.Burst
	}
	if cfg.CleanupInterval > 0 {
		out.CleanupInterval = time.Duration(cfg.CleanupInterval) * time.Second
	}
	if cfg.MaxAge > 0 {
		out.MaxAge = time.Duration(cfg.MaxAge) * time.Second
	}
	return out
}

// Middleware limits requests per key with a token bucket. Idle buckets are evicted until ctx is
// done.
func Middleware(ctx context.Context, cfg Config) gin.HandlerFunc {
	limiters := make(map[string]*limiter)
	var mu sync.RWMutex

	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			mu.Lock()
			now := time.Now()
			for key, l := range limiters {
				l.mu.Lock()
				lastSeen := l.lastSeen
				l.mu.Unlock()
				if now.Sub(lastSeen) > cfg.MaxAge {
					delete(limiters, key)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		key := ""
		if cfg.KeyParam != "" {
			key = c.Param(cfg.KeyParam)
		}
		if key == "" {
			key = c.ClientIP()
		}

		mu.RLock()
		l, exists := limiters[key]
		mu.RUnlock()

		if !exists {
			mu.Lock()
			l, exists = limiters[key]
			if !exists {
				l = &limiter{
					limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
					lastSeen: time.Now(),
				}
				limiters[key] = l
			}
			mu.Unlock()
		}

		l.mu.Lock()
		l.lastSeen = time.Now()
		l.mu.Unlock()

		c.Header("X-RateLimit-Limit", formatRate(cfg.RPS))
		if !l.limiter.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		remaining := int(l.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}

func formatRate(rps float64) string {
	return strconv.FormatFloat(rps, 'f', -1, 64)
}
