package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearcard/sqljobs/internal/model"
)

type redisQueue struct{ rdb *redis.Client }

// NewRedis wraps an existing Redis client as a Queue over the jobs:queue
// list. Producers LPUSH, workers BRPOP, so the list is FIFO.
func NewRedis(rdb *redis.Client) Queue { return &redisQueue{rdb: rdb} }

func (q *redisQueue) Enqueue(ctx context.Context, p *model.JobPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, Key, b).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *redisQueue) DequeueBlocking(ctx context.Context, timeout time.Duration) (*model.JobPayload, error) {
	res, err := q.rdb.BRPop(ctx, timeout, Key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// BRPop returns [key, value].
	var p model.JobPayload
	if err := json.Unmarshal([]byte(res[1]), &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}
