// Package ratelimit implements per-origin token buckets for the outbound
// search and lookup surfaces.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/mention-monitor/internal/metrics"
)

// Rate is one bucket's refill rate and size. A non-positive RPS is unlimited.
type Rate struct {
	RPS   float64
	Burst int
}

// Config holds rate limiter configuration.
type Config struct {
	Default Rate
	// Origins overrides the default per hostname.
	Origins map[string]Rate
}

// Limiter manages per-origin rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      Config
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	origins := make(map[string]Rate, len(cfg.Origins))
	for host, r := range cfg.Origins {
		origins[strings.ToLower(host)] = r
	}
	cfg.Origins = origins
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Wait blocks until a token is available for the URL's origin, respecting the context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	origin := originOf(rawURL)
	limiter := l.limiterFor(origin)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", origin, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(origin, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(origin string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[origin]; ok {
		return limiter
	}
	r, ok := l.cfg.Origins[origin]
	if !ok {
		r = l.cfg.Default
	}
	limit := rate.Limit(r.RPS)
	if r.RPS <= 0 {
		limit = rate.Inf
	}
	burst := r.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)
	l.limiters[origin] = limiter
	return limiter
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
