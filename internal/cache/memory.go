package cache

import (
	"context"
	"sync"

	"github.com/clearcard/sqljobs/internal/model"
)

// memoryCache is an in-process StatusCache for tests and single-node runs.
// TTLs are not enforced; entries live as long as the process.
type memoryCache struct {
	mu        sync.Mutex
	status    map[string]model.StatusSnapshot
	cancelled map[string]bool
}

// NewMemory returns an in-memory StatusCache.
func NewMemory() StatusCache {
	return &memoryCache{
		status:    make(map[string]model.StatusSnapshot),
		cancelled: make(map[string]bool),
	}
}

func (c *memoryCache) SetStatus(_ context.Context, jobID string, s model.StatusSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[jobID] = s
	return nil
}

func (c *memoryCache) GetStatus(_ context.Context, jobID string) (*model.StatusSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.status[jobID]
	if !ok {
		return nil, nil
	}
	out := s
	return &out, nil
}

func (c *memoryCache) MarkCancelled(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[jobID] = true
	return nil
}

func (c *memoryCache) IsCancelled(_ context.Context, jobID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[jobID], nil
}

func (c *memoryCache) Ping(context.Context) error { return nil }
