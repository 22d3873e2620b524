package feed

import (
	"sync"
	"time"
)

// BackoffConfig bounds the synchronizer's own backoff.
type BackoffConfig struct {
	Floor          time.Duration
	Ceiling        time.Duration
	RateLimitFloor time.Duration
	Multiplier     float64
	// Jitter spreads each delay over [1-Jitter, 1+Jitter].
	Jitter float64
}

// DefaultBackoffConfig returns production bounds.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Floor:          time.Minute,
		Ceiling:        time.Hour,
		RateLimitFloor: 5 * time.Minute,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// Backoff tracks the delay applied after failed syncs. The current value
// escalates on every failure and returns to the floor after a clean sync.
type Backoff struct {
	cfg  BackoffConfig
	rand func() float64

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff creates a backoff at its floor.
func NewBackoff(cfg BackoffConfig, rnd func() float64) *Backoff {
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.Ceiling < cfg.Floor {
		cfg.Ceiling = cfg.Floor
	}
	return &Backoff{cfg: cfg, rand: rnd, current: cfg.Floor}
}

// OnRateLimited returns max(RateLimitFloor, current) scaled by jitter and
// escalates the next delay.
func (b *Backoff) OnRateLimited() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	base := b.current
	if b.cfg.RateLimitFloor > base {
		base = b.cfg.RateLimitFloor
	}
	d := b.jitter(base)
	b.escalate()
	return d
}

// OnServerError returns current scaled by jitter and escalates the next
// delay.
func (b *Backoff) OnServerError() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.jitter(b.current)
	b.escalate()
	return d
}

// Reset returns to the floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.cfg.Floor
}

// Current returns the unjittered base of the next failure delay.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) escalate() {
	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next > b.cfg.Ceiling {
		next = b.cfg.Ceiling
	}
	b.current = next
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	if b.rand == nil || b.cfg.Jitter <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 - b.cfg.Jitter + 2*b.cfg.Jitter*b.rand()))
}
