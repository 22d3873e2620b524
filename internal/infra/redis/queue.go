package redis

import (
	"context"
	"time"

	"github.com/vietddude/redeemer/internal/core/domain"
)

// ProcessQueue persists the controller's waiting list in a sorted set so it
// survives restarts.
type ProcessQueue struct {
	client *Client
}

// NewProcessQueue creates a Redis-backed process queue.
func NewProcessQueue(client *Client) *ProcessQueue {
	return &ProcessQueue{client: client}
}

func (q *ProcessQueue) Push(ctx context.Context, id string, priority int, submitted time.Time) error {
	return q.client.PushProcess(ctx, id, priority, submitted)
}

func (q *ProcessQueue) Pop(ctx context.Context) (domain.QueueEntry, bool, error) {
	return q.client.PopProcess(ctx)
}

func (q *ProcessQueue) Remove(ctx context.Context, id string) error {
	return q.client.RemoveProcess(ctx, id)
}

func (q *ProcessQueue) Len(ctx context.Context) (int, error) {
	return q.client.QueueLen(ctx)
}

// List returns queued ids in pop order.
func (q *ProcessQueue) List(ctx context.Context) ([]string, error) {
	return q.client.QueuedProcesses(ctx)
}
