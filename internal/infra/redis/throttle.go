package redis

import (
	"context"
	"time"
)

// Throttle enforces a minimum spacing between events across every process
// sharing the Redis instance. Reads and writes are not locked: two loops may
// both pass within one interval, and the next read self-corrects.
type Throttle struct {
	client   *Client
	name     string
	interval time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewThrottle creates a Redis-backed throttle.
func NewThrottle(client *Client, name string, interval time.Duration) *Throttle {
	return &Throttle{
		client:   client,
		name:     name,
		interval: interval,
		now:      time.Now,
		sleep:    sleep,
	}
}

// Acquire waits until the interval since the last acquisition has elapsed and
// records a new acquisition.
func (t *Throttle) Acquire(ctx context.Context) error {
	last, err := t.client.GetTimestamp(ctx, t.name)
	if err != nil {
		return err
	}
	if !last.IsZero() {
		if wait := t.interval - t.now().Sub(last); wait > 0 {
			if err := t.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	return t.client.SetTimestamp(ctx, t.name, t.now(), t.interval*10)
}

// LastAcquired returns the last acquisition time, zero if unknown.
func (t *Throttle) LastAcquired() time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	last, err := t.client.GetTimestamp(ctx, t.name)
	if err != nil {
		return time.Time{}
	}
	return last
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
