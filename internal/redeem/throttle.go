package redeem

import (
	"context"
	"sync"
	"time"
)

// Throttle spaces captcha fetches across every batch and the feed sync.
type Throttle interface {
	Acquire(ctx context.Context) error
	LastAcquired() time.Time
}

// MemoryThrottle is a process-local Throttle.
type MemoryThrottle struct {
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	last time.Time
}

// NewMemoryThrottle creates a throttle with the given minimum spacing.
func NewMemoryThrottle(interval time.Duration) *MemoryThrottle {
	return &MemoryThrottle{
		interval: interval,
		now:      time.Now,
		sleep:    Sleep,
	}
}

// Acquire waits out the remaining interval and records the acquisition.
func (t *MemoryThrottle) Acquire(ctx context.Context) error {
	t.mu.Lock()
	last := t.last
	t.mu.Unlock()

	if !last.IsZero() {
		if wait := t.interval - t.now().Sub(last); wait > 0 {
			if err := t.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	t.mu.Lock()
	t.last = t.now()
	t.mu.Unlock()
	return nil
}

// LastAcquired returns the last acquisition time.
func (t *MemoryThrottle) LastAcquired() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
