package clients

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/config"
)

// RateLimiterConfig describes the vendor's documented caps. Zero disables a
// limit.
type RateLimiterConfig struct {
	// PerSecond is the short-term rate; its burst equals the rate (min 1)
	PerSecond float64
	// PerWindow requests are allowed every Window (default 24h), burst 1
	PerWindow int
	Window    time.Duration
	// Concurrency bounds in-flight requests
	Concurrency int64
}

// RateLimiterConfigFrom maps the connector ratelimit_* settings.
func RateLimiterConfigFrom(c *config.ConnectorConfig) RateLimiterConfig {
	rc := RateLimiterConfig{
		PerSecond:   c.RatelimitPerSecond,
		PerWindow:   c.RatelimitPerDay,
		Window:      24 * time.Hour,
		Concurrency: c.MaxConcurrency,
	}
	if rc.PerSecond == 0 && c.RatelimitPerMinute > 0 {
		rc.PerSecond = float64(c.RatelimitPerMinute) / 60
	}
	return rc
}

// RateLimiter admits a request once the short-term bucket, the long-window
// bucket and the concurrency semaphore all agree. It is safe for concurrent
// use.
type RateLimiter struct {
	perSecond *rate.Limiter
	perWindow *rate.Limiter
	slots     *semaphore.Weighted
	clk       clock.Clock

	allowed  int64
	waitedNs int64
}

// RateLimiterStats provides counters for monitoring.
type RateLimiterStats struct {
	AllowedRequests int64         `json:"allowed_requests"`
	TotalWait       time.Duration `json:"total_wait"`
}

// NewRateLimiter builds a limiter. clk may be nil.
func NewRateLimiter(cfg RateLimiterConfig, clk clock.Clock) *RateLimiter {
	rl := &RateLimiter{clk: clock.OrReal(clk)}
	if cfg.PerSecond > 0 {
		burst := int(math.Ceil(cfg.PerSecond))
		if burst < 1 {
			burst = 1
		}
		rl.perSecond = rate.NewLimiter(rate.Limit(cfg.PerSecond), burst)
	}
	if cfg.PerWindow > 0 {
		window := cfg.Window
		if window <= 0 {
			window = 24 * time.Hour
		}
		rl.perWindow = rate.NewLimiter(rate.Every(window/time.Duration(cfg.PerWindow)), 1)
	}
	if cfg.Concurrency > 0 {
		rl.slots = semaphore.NewWeighted(cfg.Concurrency)
	}
	return rl
}

// Acquire blocks until a request may proceed. The returned release must be
// called when the request is done; it is never nil.
func (rl *RateLimiter) Acquire(ctx context.Context) (func(), error) {
	release := func() {}
	if rl == nil {
		return release, ctx.Err()
	}
	if rl.slots != nil {
		if err := rl.slots.Acquire(ctx, 1); err != nil {
			return release, err
		}
		release = func() { rl.slots.Release(1) }
	}

	start := rl.clk.Now()
	for _, lim := range []*rate.Limiter{rl.perSecond, rl.perWindow} {
		if err := rl.wait(ctx, lim); err != nil {
			release()
			return func() {}, err
		}
	}
	atomic.AddInt64(&rl.allowed, 1)
	atomic.AddInt64(&rl.waitedNs, int64(rl.clk.Since(start)))
	return release, nil
}

// wait reserves a token at the injected clock's time and sleeps on it, so
// tests can fast-forward.
func (rl *RateLimiter) wait(ctx context.Context, lim *rate.Limiter) error {
	if lim == nil {
		return nil
	}
	now := rl.clk.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return context.DeadlineExceeded
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	if err := clock.Sleep(ctx, rl.clk, delay); err != nil {
		r.CancelAt(rl.clk.Now())
		return err
	}
	return nil
}

// GetStats returns limiter statistics.
func (rl *RateLimiter) GetStats() RateLimiterStats {
	return RateLimiterStats{
		AllowedRequests: atomic.LoadInt64(&rl.allowed),
		TotalWait:       time.Duration(atomic.LoadInt64(&rl.waitedNs)),
	}
}
