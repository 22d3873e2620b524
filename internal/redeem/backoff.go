package redeem

import (
	"math"
	"time"
)

// Backoff is an exponential delay with multiplicative jitter.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay over [1-Jitter, 1+Jitter].
	Jitter float64
}

// DefaultRateLimitBackoff is 2s, 4s, 8s... capped at 60s, +-20%.
func DefaultRateLimitBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// GetDelay returns InitialDelay * Multiplier^attempt scaled by jitter and
// capped at MaxDelay. rnd must return values in [0, 1).
func (b Backoff) GetDelay(attempt int, rnd func() float64) time.Duration {
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := float64(b.InitialDelay) * math.Pow(mult, float64(attempt))
	if rnd != nil && b.Jitter > 0 {
		delay *= 1 - b.Jitter + 2*b.Jitter*rnd()
	}
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}
