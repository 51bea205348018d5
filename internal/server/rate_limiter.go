package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter throttles inbound chat frames for one connection. It wraps a
// token bucket that holds Burst tokens and refills all of them every
// RefillInterval.
type rateLimiter struct {
	bucket *rate.Limiter
	now    func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return newRateLimiterWithClock(cfg, time.Now)
}

func newRateLimiterWithClock(cfg RateLimitConfig, now func() time.Time) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	limit := rate.Limit(float64(burst) / interval.Seconds())
	return &rateLimiter{bucket: rate.NewLimiter(limit, burst), now: now}
}

// allow takes a token if one is available.
func (rl *rateLimiter) allow() bool {
	return rl.bucket.AllowN(rl.now(), 1)
}
