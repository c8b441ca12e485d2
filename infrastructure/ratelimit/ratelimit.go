// Package ratelimit bounds outbound webhook POST throughput with a token
// bucket, so a burst of matching events never overruns a slow or
// rate-limited receiver.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Config configures a Limiter. Zero RequestsPerSecond disables limiting.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// Limiter wraps a token-bucket rate.Limiter; a nil *Limiter (or one built
// from a zero Config) never blocks.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a Limiter from cfg. RequestsPerSecond <= 0 returns a Limiter
// whose Wait is a no-op.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return &Limiter{}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RequestsPerSecond * 2)
		if burst <= 0 {
			burst = 1
		}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done. A disabled or nil
// Limiter returns immediately.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}
