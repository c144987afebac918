// Package cache mirrors job status into a low-latency key-value store and
// carries the cooperative cancel signal between broker and workers.
package cache

import (
	"context"
	"time"

	"github.com/clearcard/sqljobs/internal/model"
)

const (
	statusKeyPrefix = "jobs:status:"
	cancelKeyPrefix = "jobs:cancelled:"

	// Snapshots outlive most jobs; cancel signals only need to cover the
	// dispatch window.
	StatusTTL = 24 * time.Hour
	CancelTTL = time.Hour
)

// StatusCache is advisory: writes are last-writer-wins full replacements and
// callers treat failures as non-fatal. The metadata store stays
// authoritative.
type StatusCache interface {
	SetStatus(ctx context.Context, jobID string, s model.StatusSnapshot) error
	// GetStatus returns nil without error on a cache miss.
	GetStatus(ctx context.Context, jobID string) (*model.StatusSnapshot, error)
	MarkCancelled(ctx context.Context, jobID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	Ping(ctx context.Context) error
}

// Snapshot stamps a StatusSnapshot with the current wall clock.
func Snapshot(state string, rows, bytes int64, errMsg string) model.StatusSnapshot {
	return model.StatusSnapshot{
		State:     state,
		Rows:      rows,
		Bytes:     bytes,
		Error:     errMsg,
		UpdatedAt: time.Now().Unix(),
	}
}
