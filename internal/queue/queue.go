// Package queue hands ready-to-run job payloads from the broker to workers.
// Delivery is at-least-once: nothing remains on the queue after a dequeue,
// and an abandoned PENDING row is reconciled out of band.
package queue

import (
	"context"
	"time"

	"github.com/clearcard/sqljobs/internal/model"
)

// Key of the Redis list backing the queue.
const Key = "jobs:queue"

type Queue interface {
	Enqueue(ctx context.Context, p *model.JobPayload) error
	// DequeueBlocking blocks up to timeout and returns (nil, nil) when no
	// payload arrived.
	DequeueBlocking(ctx context.Context, timeout time.Duration) (*model.JobPayload, error)
}
