package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/redeemer/internal/core/domain"
)

// ============================================================================
// Fakes
// ============================================================================

// fakeRedis keeps strings and sorted sets in memory. ZAddLT follows the
// server: an existing member only moves when the new score is lower.
type fakeRedis struct {
	mu   sync.Mutex
	kv   map[string]string
	ttl  map[string]time.Duration
	sets map[string]map[string]float64
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:   make(map[string]string),
		ttl:  make(map[string]time.Duration),
		sets: make(map[string]map[string]float64),
	}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = fmt.Sprint(value)
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) ZAddLT(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.sets[key]
	if set == nil {
		set = make(map[string]float64)
		f.sets[key] = set
	}
	var added int64
	for _, m := range members {
		member := fmt.Sprint(m.Member)
		old, ok := set[member]
		if ok && m.Score >= old {
			continue
		}
		if !ok {
			added++
		}
		set[member] = m.Score
	}
	return redis.NewIntResult(added, nil)
}

func (f *fakeRedis) ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := f.sortedLocked(key)
	if len(sorted) == 0 {
		return redis.NewZSliceCmdResult(nil, nil)
	}
	head := sorted[0]
	delete(f.sets[key], head.Member.(string))
	return redis.NewZSliceCmdResult([]redis.Z{head}, nil)
}

func (f *fakeRedis) ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, m := range members {
		member := fmt.Sprint(m)
		if _, ok := f.sets[key][member]; ok {
			delete(f.sets[key], member)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (f *fakeRedis) ZCard(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.sets[key])), nil)
}

func (f *fakeRedis) ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, z := range f.sortedLocked(key) {
		out = append(out, z.Member.(string))
	}
	return redis.NewStringSliceResult(out, nil)
}

func (f *fakeRedis) Close() error { return nil }

func (f *fakeRedis) sortedLocked(key string) []redis.Z {
	var out []redis.Z
	for member, score := range f.sets[key] {
		out = append(out, redis.Z{Score: score, Member: member})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member.(string) < out[j].Member.(string)
	})
	return out
}

// ============================================================================
// Queue
// ============================================================================

func TestQueueScore_PriorityBeatsAge(t *testing.T) {
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	if QueueScore(0, recent) >= QueueScore(10, old) {
		t.Error("expected lower priority value to sort first regardless of age")
	}
	if QueueScore(10, old) >= QueueScore(10, recent) {
		t.Error("expected older submission to sort first within a priority")
	}
}

func TestDecodeQueueScore(t *testing.T) {
	at := time.UnixMilli(1760000000123)
	tests := []struct {
		name     string
		priority int
	}{
		{"validation", domain.PriorityValidation},
		{"manual", domain.PriorityManual},
		{"auto with alliance bump", domain.PriorityAuto + 35},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			priority, submitted := DecodeQueueScore(QueueScore(tt.priority, at))
			if priority != tt.priority {
				t.Errorf("expected priority %d, got %d", tt.priority, priority)
			}
			if !submitted.Equal(at) {
				t.Errorf("expected submitted %v, got %v", at, submitted)
			}
		})
	}
}

func TestProcessQueue_RepushKeepsEarlierPosition(t *testing.T) {
	ctx := context.Background()
	q := NewProcessQueue(newClient(newFakeRedis(), "test"))
	t0 := time.UnixMilli(1760000000000)

	_ = q.Push(ctx, "auto-old", domain.PriorityAuto, t0)
	_ = q.Push(ctx, "manual", domain.PriorityManual, t0.Add(time.Minute))
	_ = q.Push(ctx, "validation", domain.PriorityValidation, t0.Add(time.Hour))
	// A worse score leaves manual where it was.
	_ = q.Push(ctx, "manual", domain.PriorityAuto, t0)
	// A better score moves auto-old ahead of manual.
	_ = q.Push(ctx, "auto-old", domain.PriorityManual, t0)

	ids, err := q.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff([]string{"validation", "auto-old", "manual"}, ids); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Errorf("expected 3 queued, got %d", n)
	}

	_ = q.Remove(ctx, "validation")
	next, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}
	want := domain.QueueEntry{ProcessID: "auto-old", Priority: domain.PriorityManual, Submitted: t0}
	if diff := cmp.Diff(want, next); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessQueue_PopEmpty(t *testing.T) {
	q := NewProcessQueue(newClient(newFakeRedis(), "test"))
	if _, ok, err := q.Pop(context.Background()); ok || err != nil {
		t.Errorf("expected empty pop, got ok=%v err=%v", ok, err)
	}
}

// ============================================================================
// Throttle
// ============================================================================

func newTestThrottle(rdb *fakeRedis, interval time.Duration) (*Throttle, *time.Time, *[]time.Duration) {
	clock := time.UnixMilli(1760000000000)
	var slept []time.Duration
	th := NewThrottle(newClient(rdb, "test"), "captcha", interval)
	th.now = func() time.Time { return clock }
	th.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		slept = append(slept, d)
		clock = clock.Add(d)
		return nil
	}
	return th, &clock, &slept
}

func TestThrottle_AcquireSpacing(t *testing.T) {
	rdb := newFakeRedis()
	th, clock, slept := newTestThrottle(rdb, time.Second)
	ctx := context.Background()

	if err := th.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("expected no wait on first acquire, got %v", *slept)
	}
	first := *clock

	*clock = clock.Add(300 * time.Millisecond)
	if err := th.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if diff := cmp.Diff([]time.Duration{700 * time.Millisecond}, *slept); diff != "" {
		t.Errorf("wait mismatch (-want +got):\n%s", diff)
	}
	if got := th.LastAcquired(); !got.Equal(first.Add(time.Second)) {
		t.Errorf("expected last acquired %v, got %v", first.Add(time.Second), got)
	}
	if ttl := rdb.ttl["test:throttle:captcha"]; ttl != 10*time.Second {
		t.Errorf("expected ttl 10s, got %v", ttl)
	}

	*clock = clock.Add(5 * time.Second)
	if err := th.Acquire(ctx); err != nil {
		t.Fatalf("third acquire: %v", err)
	}
	if len(*slept) != 1 {
		t.Errorf("expected no wait after the interval elapsed, got %v", *slept)
	}
}

func TestThrottle_AcquireCancelled(t *testing.T) {
	rdb := newFakeRedis()
	th, _, _ := newTestThrottle(rdb, time.Second)
	if err := th.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	before := rdb.kv["test:throttle:captcha"]

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := th.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rdb.kv["test:throttle:captcha"] != before {
		t.Error("expected timestamp untouched after a cancelled wait")
	}
}
