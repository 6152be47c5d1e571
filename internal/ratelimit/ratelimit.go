// Package ratelimit throttles the HTTP API per actor, or per client IP for
// anonymous requests, on a fixed window backed by memory or Redis.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/viewpay/viewpay/internal/httpx"
	"github.com/viewpay/viewpay/internal/logging"
	"github.com/viewpay/viewpay/internal/metrics"
)

const storePrefix = "viewpay:ratelimit"

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per key per minute
	RequestsPerMinute int64
	// Period overrides the one-minute window, mostly for tests.
	Period time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, Period: time.Minute}
}

func (c Config) rate() limiter.Rate {
	limit, period := c.RequestsPerMinute, c.Period
	if limit <= 0 {
		limit = 60
	}
	if period <= 0 {
		period = time.Minute
	}
	return limiter.Rate{Period: period, Limit: limit}
}

// Limiter tracks request counts by key.
type Limiter struct {
	inner   *limiter.Limiter
	backend string
}

// New creates an in-process limiter.
func New(cfg Config) *Limiter {
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          storePrefix,
		CleanUpInterval: time.Minute,
	})
	return &Limiter{inner: limiter.New(store, cfg.rate()), backend: "memory"}
}

// NewRedis creates a limiter whose counters are shared by every replica
// pointed at the same Redis.
func NewRedis(cfg Config, client *redis.Client) (*Limiter, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   storePrefix,
		MaxRetry: 3,
	})
	if err != nil {
		return nil, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return &Limiter{inner: limiter.New(store, cfg.rate()), backend: "redis"}, nil
}

// Backend names the counter store.
func (l *Limiter) Backend() string { return l.backend }

// Allow counts one request against key.
func (l *Limiter) Allow(ctx context.Context, key string) (limiter.Context, error) {
	return l.inner.Get(ctx, key)
}

// Key is the limiter key for a request: the actor when known, else the IP.
func Key(c *gin.Context) string {
	if actor := strings.TrimSpace(c.GetHeader(httpx.ActorHeader)); actor != "" {
		return "actor:" + actor
	}
	return "ip:" + c.ClientIP()
}

// Middleware returns a Gin middleware enforcing the limit.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		lc, err := l.Allow(c.Request.Context(), Key(c))
		if err != nil {
			// Fail open on store errors.
			logging.L(c.Request.Context()).Warn("rate limiter unavailable", "backend", l.backend, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			metrics.RateLimitedTotal.Inc()
			retry := time.Until(time.Unix(lc.Reset, 0))
			c.Header("Retry-After", strconv.Itoa(max(1, int(retry.Seconds()+0.5))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "Too many requests. Please slow down.",
			})
			return
		}

		c.Next()
	}
}
