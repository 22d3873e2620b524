package redis

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/redeemer/internal/core/domain"
)

// commands is the subset of *redis.Client the wrapper uses.
type commands interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	ZAddLT(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Close() error
}

// Client wraps Redis operations shared between the batch executor and the
// feed synchronizer.
type Client struct {
	rdb    commands
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg.Prefix), nil
}

func newClient(rdb commands, prefix string) *Client {
	if prefix == "" {
		prefix = "redeemer"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) queueKey() string {
	return fmt.Sprintf("%s:process_queue", c.prefix)
}

func (c *Client) throttleKey(name string) string {
	return fmt.Sprintf("%s:throttle:%s", c.prefix, name)
}

const priorityScale = 1e13

// QueueScore orders queue members: priority first, then submission time.
func QueueScore(priority int, submitted time.Time) float64 {
	return float64(priority)*priorityScale + float64(submitted.UnixMilli())
}

// DecodeQueueScore splits a score built by QueueScore.
func DecodeQueueScore(score float64) (int, time.Time) {
	priority := math.Floor(score / priorityScale)
	ms := score - priority*priorityScale
	return int(priority), time.UnixMilli(int64(ms))
}

// PushProcess adds a process id to the queue. Re-pushing an id keeps the
// lower of the two scores.
func (c *Client) PushProcess(ctx context.Context, id string, priority int, submitted time.Time) error {
	z := redis.Z{Score: QueueScore(priority, submitted), Member: id}
	if err := c.rdb.ZAddLT(ctx, c.queueKey(), z).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// PopProcess pops the next process (lowest score).
func (c *Client) PopProcess(ctx context.Context) (domain.QueueEntry, bool, error) {
	results, err := c.rdb.ZPopMin(ctx, c.queueKey(), 1).Result()
	if err != nil {
		return domain.QueueEntry{}, false, fmt.Errorf("zpopmin failed: %w", err)
	}
	if len(results) == 0 {
		return domain.QueueEntry{}, false, nil
	}
	member, ok := results[0].Member.(string)
	if !ok {
		return domain.QueueEntry{}, false, fmt.Errorf("unexpected queue member type %T", results[0].Member)
	}
	priority, submitted := DecodeQueueScore(results[0].Score)
	return domain.QueueEntry{ProcessID: member, Priority: priority, Submitted: submitted}, true, nil
}

// RemoveProcess removes a process id from the queue.
func (c *Client) RemoveProcess(ctx context.Context, id string) error {
	return c.rdb.ZRem(ctx, c.queueKey(), id).Err()
}

// QueueLen returns the number of queued process ids.
func (c *Client) QueueLen(ctx context.Context) (int, error) {
	n, err := c.rdb.ZCard(ctx, c.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}

// QueuedProcesses returns all queued ids in pop order.
func (c *Client) QueuedProcesses(ctx context.Context) ([]string, error) {
	return c.rdb.ZRange(ctx, c.queueKey(), 0, -1).Result()
}

// GetTimestamp reads a throttle timestamp. Zero time means never set.
func (c *Client) GetTimestamp(ctx context.Context, name string) (time.Time, error) {
	val, err := c.rdb.Get(ctx, c.throttleKey(name)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get failed: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", val, err)
	}
	return time.UnixMilli(ms), nil
}

// SetTimestamp writes a throttle timestamp with a TTL.
func (c *Client) SetTimestamp(ctx context.Context, name string, at time.Time, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.throttleKey(name), strconv.FormatInt(at.UnixMilli(), 10), ttl).Err()
}
