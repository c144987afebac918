package queue

import (
	"context"
	"time"

	"github.com/clearcard/sqljobs/internal/model"
)

// memoryQueue is a channel-backed Queue for tests and single-process runs.
type memoryQueue struct{ ch chan *model.JobPayload }

// NewMemory returns an in-memory Queue with the given capacity.
func NewMemory(capacity int) Queue {
	if capacity <= 0 {
		capacity = 128
	}
	return &memoryQueue{ch: make(chan *model.JobPayload, capacity)}
}

func (q *memoryQueue) Enqueue(ctx context.Context, p *model.JobPayload) error {
	select {
	case q.ch <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) DequeueBlocking(ctx context.Context, timeout time.Duration) (*model.JobPayload, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p := <-q.ch:
		return p, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
