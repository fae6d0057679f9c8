package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	apperrors "catiecli-go/internal/errors"
	"catiecli-go/internal/config"
)

const (
	limiterTTL   = 15 * time.Minute
	sweepEvery   = 2 * time.Minute
	defaultRPS   = 20
	defaultBurst = 40
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterCache keeps one limiter per client key with opportunistic sweeping
// of idle entries.
type limiterCache struct {
	mu        sync.Mutex
	items     map[string]*limiterEntry
	lastSweep time.Time
}

func (c *limiterCache) get(key string, makeFn func() *rate.Limiter) *rate.Limiter {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := makeFn()
	c.items[key] = &limiterEntry{lim: lim, lastSeen: now}

	if c.lastSweep.IsZero() || now.Sub(c.lastSweep) > sweepEvery {
		for k, e := range c.items {
			if now.Sub(e.lastSeen) > limiterTTL {
				delete(c.items, k)
			}
		}
		c.lastSweep = now
	}
	return lim
}

// RateLimit bounds inbound requests per client IP, in front of the per-user
// quota layer.
func RateLimit(cfg config.SecurityConfig) gin.HandlerFunc {
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = defaultBurst
	}
	cache := &limiterCache{items: make(map[string]*limiterEntry)}

	return func(c *gin.Context) {
		lim := cache.get(c.ClientIP(), func() *rate.Limiter {
			return rate.NewLimiter(rate.Limit(rps), burst)
		})
		if !lim.Allow() {
			AbortWithAPIError(c, apperrors.New(http.StatusTooManyRequests,
				"rate_limit_exceeded", "rate_limit_error", "Rate limit exceeded"))
			return
		}
		c.Next()
	}
}
