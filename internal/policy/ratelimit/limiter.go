// Package ratelimit implements a token bucket rate limiter keyed by target host.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/url2image/internal/metrics"
)

const (
	// DefaultMaxHosts caps the number of host buckets kept at once.
	DefaultMaxHosts = 10000
	// DefaultIdleTTL is how long an unused host bucket is kept.
	DefaultIdleTTL = time.Minute
)

// Limiter manages per-host rate limits for render targets. Hosts come from
// client input, so buckets live in a bounded cache: idle buckets expire once
// they would have refilled anyway, and the least recently used bucket is
// dropped when the cache is full.
type Limiter struct {
	mu           sync.Mutex
	limiters     *expirable.LRU[string, *rate.Limiter]
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS is the sustained rate per host. Zero or less disables limiting.
	DefaultRPS   float64
	DefaultBurst int
	// MaxHosts defaults to DefaultMaxHosts.
	MaxHosts int
	// IdleTTL defaults to DefaultIdleTTL. It is never shorter than the time a
	// drained bucket needs to refill.
	IdleTTL time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		defaultRate:  r,
		defaultBurst: burst,
	}
	if r == rate.Inf {
		return l
	}

	maxHosts := cfg.MaxHosts
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if refill := time.Duration(float64(burst) / cfg.DefaultRPS * float64(time.Second)); ttl < refill {
		ttl = refill
	}
	l.limiters = expirable.NewLRU[string, *rate.Limiter](maxHosts, nil, ttl)
	return l
}

// Enabled reports whether the limiter ever delays a caller.
func (l *Limiter) Enabled() bool {
	return l != nil && l.defaultRate != rate.Inf
}

// Wait blocks until a token is available for the host of rawURL, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if !l.Enabled() {
		return nil
	}
	host := metrics.SanitizeHost(rawURL)

	start := time.Now()
	if err := l.forHost(host).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens that were available immediately are not worth a sample.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(d)
	}
	return nil
}

// Hosts returns the number of live host buckets.
func (l *Limiter) Hosts() int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters.Keys())
}

func (l *Limiter) forHost(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters.Get(host)
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
	}
	// Re-adding refreshes the expiry, so a busy host keeps its bucket.
	l.limiters.Add(host, limiter)
	return limiter
}
