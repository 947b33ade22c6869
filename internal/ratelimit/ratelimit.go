// Package ratelimit provides fixed-window rate limiting on the shared KV, so
// every replica counts against the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/kv"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/respond"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per client per window
	RequestsPerMinute int
	// Window is the counting window
	Window time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		Window:            time.Minute,
	}
}

// Limiter counts requests per key per window.
type Limiter struct {
	cfg   Config
	store kv.Store
	now   func() time.Time
}

// New creates a limiter on store.
func New(cfg Config, store kv.Store) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{cfg: cfg, store: store, now: time.Now}
}

// Allow records a request for key and reports whether it is within budget,
// and how long until the current window resets.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	window := now.Truncate(l.cfg.Window)
	reset := window.Add(l.cfg.Window).Sub(now)

	k := fmt.Sprintf("rl:%s:%d", key, window.Unix())
	n, err := l.store.Incr(ctx, k, l.cfg.Window)
	if err != nil {
		return true, reset, err
	}
	return n <= int64(l.cfg.RequestsPerMinute), reset, nil
}

// Middleware returns a Gin middleware that rate limits by authenticated
// wallet, falling back to client IP. KV failures fail open.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if w := auth.Wallet(c); w != "" {
			key = "wallet:" + w
		}

		ok, reset, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logging.L(c.Request.Context()).Warn("rate limit store unavailable", "error", err)
		}
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(reset.Seconds())+1))
			respond.Abort(c, errs.New(errs.KindRateLimited, "rate_limit_exceeded", "too many requests, slow down"))
			return
		}
		c.Next()
	}
}
