package store

import (
	"context"
	"time"

	"github.com/clearcard/sqljobs/internal/model"
)

// Store exposes the durable job metadata operations required by the broker
// and the worker. Implementations live under internal/store/<driver>/.
type Store interface {
	Jobs() Jobs
	Events() Events
}

// Jobs manages rows of the jobs table. The broker owns the PENDING insert;
// the worker owns every later transition for a given job id.
type Jobs interface {
	Insert(ctx context.Context, j *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	Update(ctx context.Context, jobID string, u JobUpdate) error
	// CancelIfPending flips PENDING to CANCELLED and reports whether the
	// flip happened. Any other state is left untouched.
	CancelIfPending(ctx context.Context, jobID string) (bool, error)
	ListRecent(ctx context.Context, userID string, limit int) ([]*model.Job, error)
}

// Events appends to the job_events audit log, one row per state transition.
type Events interface {
	Append(ctx context.Context, jobID, event, detail string) error
}

// JobUpdate is a partial update; nil fields are left unchanged.
type JobUpdate struct {
	State        *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RowCount     *int64
	Bytes        *int64
	GCSURI       *string
	ErrorMessage *string
}
