package broker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clearcard/sqljobs/internal/cache"
	"github.com/clearcard/sqljobs/internal/model"
	"github.com/clearcard/sqljobs/internal/queue"
	"github.com/clearcard/sqljobs/internal/sqlnorm"
	"github.com/clearcard/sqljobs/internal/store"
	"github.com/clearcard/sqljobs/internal/store/sqlstore"
)

type fixture struct {
	svc   *Service
	store store.Store
	cache cache.StatusCache
	queue queue.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlstore.Open("sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlstore.EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	s := sqlstore.New(db)
	c := cache.NewMemory()
	q := queue.NewMemory(16)
	return &fixture{
		svc:   New(s, c, q, "test-bucket", zerolog.Nop()),
		store: s,
		cache: c,
		queue: q,
	}
}

func TestSubmit_DefaultsAndNormalization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ack, err := f.svc.Submit(ctx, SubmitRequest{SQL: "USE mydb\nGO\nSELECT 1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.JobID == "" || ack.Status != model.StatePending {
		t.Fatalf("ack: %+v", ack)
	}

	job, err := f.store.Jobs().Get(ctx, ack.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.SQLText != "SELECT 1" {
		t.Fatalf("stored sql: %q", job.SQLText)
	}
	if job.SQLHash != sqlnorm.Hash("SELECT 1") {
		t.Fatalf("sql hash mismatch")
	}
	if job.PageSize != DefaultPageSize || job.MaxRows != DefaultMaxRows || job.Format != DefaultFormat {
		t.Fatalf("defaults: %+v", job)
	}
	if job.UserID != model.DefaultUserID {
		t.Fatalf("user default: %q", job.UserID)
	}

	// PENDING snapshot is warmed.
	snap, _ := f.cache.GetStatus(ctx, ack.JobID)
	if snap == nil || snap.State != model.StatePending {
		t.Fatalf("snapshot: %+v", snap)
	}

	// Payload carries the normalized SQL and resolved options.
	p, err := f.queue.DequeueBlocking(ctx, time.Second)
	if err != nil || p == nil {
		t.Fatalf("dequeue: %v %v", p, err)
	}
	if p.JobID != ack.JobID || p.SQL != "SELECT 1" || p.PageSize != DefaultPageSize || p.GCSBucket != "test-bucket" {
		t.Fatalf("payload: %+v", p)
	}
}

func TestSubmit_EmptySQLRejected(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Submit(context.Background(), SubmitRequest{SQL: "  \n "}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, *model.JobPayload) error { return errors.New("redis down") }
func (failingQueue) DequeueBlocking(context.Context, time.Duration) (*model.JobPayload, error) {
	return nil, errors.New("redis down")
}

func TestSubmit_EnqueueFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	svc := New(f.store, f.cache, failingQueue{}, "test-bucket", zerolog.Nop())
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{SQL: "SELECT 1"})
	if err == nil {
		t.Fatalf("enqueue failure not surfaced")
	}

	// The row remains PENDING and the failure is observable.
	jobs, err := f.store.Jobs().ListRecent(ctx, model.DefaultUserID, 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ListRecent: n=%d err=%v", len(jobs), err)
	}
	if jobs[0].State != model.StatePending {
		t.Fatalf("state after enqueue failure: %s", jobs[0].State)
	}
}

func TestGetStatus_CacheFirstThenStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ack, _ := f.svc.Submit(ctx, SubmitRequest{SQL: "SELECT 1"})

	// Cache hit: no timestamps.
	st, err := f.svc.GetStatus(ctx, ack.JobID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.State != model.StatePending || st.SubmittedAt != nil {
		t.Fatalf("cached status: %+v", st)
	}

	// Simulate an expired snapshot: fall back to the store, timestamps
	// included.
	f2 := newFixture(t)
	ack2, _ := f2.svc.Submit(ctx, SubmitRequest{SQL: "SELECT 1"})
	svcNoCache := New(f2.store, cache.NewMemory(), f2.queue, "b", zerolog.Nop())
	st, err = svcNoCache.GetStatus(ctx, ack2.JobID)
	if err != nil {
		t.Fatalf("GetStatus store path: %v", err)
	}
	if st.State != model.StatePending || st.SubmittedAt == nil {
		t.Fatalf("store status: %+v", st)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.GetStatus(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGetResultManifest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.GetResultManifest(ctx, "nope"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	ack, _ := f.svc.Submit(ctx, SubmitRequest{SQL: "SELECT 1"})

	// Not finished yet.
	ref, err := f.svc.GetResultManifest(ctx, ack.JobID)
	if err != nil {
		t.Fatalf("GetResultManifest: %v", err)
	}
	if ref.Status != "ERROR" || ref.ErrorMessage != "job state: PENDING" {
		t.Fatalf("pending ref: %+v", ref)
	}

	// Finished: the stored URI comes back.
	st := model.StateSucceeded
	uri := "gs://test-bucket/jobs/" + ack.JobID + "/manifest.json"
	now := time.Now().UTC()
	if err := f.store.Jobs().Update(ctx, ack.JobID, store.JobUpdate{
		State: &st, CompletedAt: &now, GCSURI: &uri,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ref, _ = f.svc.GetResultManifest(ctx, ack.JobID)
	if ref.Status != "OK" || ref.GCSManifestURI != uri {
		t.Fatalf("succeeded ref: %+v", ref)
	}
}

func TestCancel_BeforeDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ack, _ := f.svc.Submit(ctx, SubmitRequest{SQL: "SELECT 1"})

	st, err := f.svc.Cancel(ctx, ack.JobID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if st.State != model.StateCancelled {
		t.Fatalf("status after cancel: %+v", st)
	}

	job, _ := f.store.Jobs().Get(ctx, ack.JobID)
	if job.State != model.StateCancelled || job.CompletedAt == nil {
		t.Fatalf("row after cancel: %+v", job)
	}

	// The signal is set regardless so a racing worker still observes it.
	if cancelled, _ := f.cache.IsCancelled(ctx, ack.JobID); !cancelled {
		t.Fatalf("cancel signal missing")
	}

	// Idempotent on terminal jobs.
	st, err = f.svc.Cancel(ctx, ack.JobID)
	if err != nil || st.State != model.StateCancelled {
		t.Fatalf("second cancel: %+v %v", st, err)
	}
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.svc.Submit(ctx, SubmitRequest{SQL: "SELECT 1", UserID: "u-9"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	jobs, err := f.svc.ListJobs(ctx, "u-9", 2)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("ListJobs: n=%d err=%v", len(jobs), err)
	}
}
