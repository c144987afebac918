package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/clearcard/sqljobs/internal/model"
)

type redisCache struct{ rdb *redis.Client }

// NewRedis wraps an existing Redis client as a StatusCache.
func NewRedis(rdb *redis.Client) StatusCache { return &redisCache{rdb: rdb} }

func (c *redisCache) SetStatus(ctx context.Context, jobID string, s model.StatusSnapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, statusKeyPrefix+jobID, b, StatusTTL).Err(); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

func (c *redisCache) GetStatus(ctx context.Context, jobID string) (*model.StatusSnapshot, error) {
	raw, err := c.rdb.Get(ctx, statusKeyPrefix+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	var s model.StatusSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &s, nil
}

func (c *redisCache) MarkCancelled(ctx context.Context, jobID string) error {
	return c.rdb.Set(ctx, cancelKeyPrefix+jobID, "1", CancelTTL).Err()
}

func (c *redisCache) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	v, err := c.rdb.Get(ctx, cancelKeyPrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

func (c *redisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
