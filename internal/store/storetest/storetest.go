// Package storetest exercises a compliance suite against a store.Store
// implementation. Drivers provide a clean, isolated store from makeStore.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clearcard/sqljobs/internal/model"
	"github.com/clearcard/sqljobs/internal/store"
)

func Run(t *testing.T, makeStore func(t *testing.T) store.Store) {
	t.Helper()

	s := makeStore(t)
	ctx := context.Background()

	jobID := uuid.New().String()
	submitted := time.Now().UTC().Truncate(time.Millisecond)

	j := &model.Job{
		JobID:       jobID,
		UserID:      "u-1",
		SubmittedAt: submitted,
		State:       model.StatePending,
		SQLHash:     "deadbeef",
		SQLText:     "SELECT 1",
		Format:      "csv",
		PageSize:    5000,
		MaxRows:     5_000_000,
		Title:       "smoke",
	}
	if err := s.Jobs().Insert(ctx, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Jobs().Get(ctx, jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != model.StatePending || got.SQLText != "SELECT 1" || got.PageSize != 5000 {
		t.Fatalf("Get mismatch: %+v", got)
	}
	if !got.SubmittedAt.Equal(submitted) {
		t.Fatalf("SubmittedAt round-trip: want %v got %v", submitted, got.SubmittedAt)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Fatalf("unexpected timestamps on fresh row: %+v", got)
	}

	if _, err := s.Jobs().Get(ctx, "missing"); err != model.ErrNotFound {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}

	// Partial update: RUNNING with started_at only.
	running := model.StateRunning
	started := submitted.Add(time.Second)
	if err := s.Jobs().Update(ctx, jobID, store.JobUpdate{State: &running, StartedAt: &started}); err != nil {
		t.Fatalf("Update running: %v", err)
	}
	got, _ = s.Jobs().Get(ctx, jobID)
	if got.State != model.StateRunning || got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Fatalf("after running update: %+v", got)
	}
	if got.SQLText != "SELECT 1" {
		t.Fatalf("partial update clobbered sql_text: %+v", got)
	}

	// Cancel is conditional: RUNNING rows are left for the worker.
	if flipped, err := s.Jobs().CancelIfPending(ctx, jobID); err != nil || flipped {
		t.Fatalf("CancelIfPending on RUNNING: flipped=%v err=%v", flipped, err)
	}

	// Terminal update with counters and manifest URI.
	succeeded := model.StateSucceeded
	completed := started.Add(time.Second)
	rows, bytes := int64(42), int64(1024)
	uri := "gs://bucket/jobs/" + jobID + "/manifest.json"
	if err := s.Jobs().Update(ctx, jobID, store.JobUpdate{
		State: &succeeded, CompletedAt: &completed,
		RowCount: &rows, Bytes: &bytes, GCSURI: &uri,
	}); err != nil {
		t.Fatalf("Update succeeded: %v", err)
	}
	got, _ = s.Jobs().Get(ctx, jobID)
	if got.State != model.StateSucceeded || got.RowCount != 42 || got.Bytes != 1024 || got.GCSURI != uri {
		t.Fatalf("after terminal update: %+v", got)
	}
	if got.CompletedAt == nil || got.StartedAt.After(*got.CompletedAt) {
		t.Fatalf("timestamp ordering: %+v", got)
	}

	// A second job that stays PENDING can be cancelled by the broker.
	j2 := &model.Job{JobID: uuid.New().String(), UserID: "u-1",
		SubmittedAt: submitted.Add(time.Minute), State: model.StatePending,
		Format: "csv", PageSize: 5000, MaxRows: 100}
	if err := s.Jobs().Insert(ctx, j2); err != nil {
		t.Fatalf("Insert j2: %v", err)
	}
	if flipped, err := s.Jobs().CancelIfPending(ctx, j2.JobID); err != nil || !flipped {
		t.Fatalf("CancelIfPending on PENDING: flipped=%v err=%v", flipped, err)
	}
	got2, _ := s.Jobs().Get(ctx, j2.JobID)
	if got2.State != model.StateCancelled || got2.CompletedAt == nil {
		t.Fatalf("after broker cancel: %+v", got2)
	}
	// Absorbing: a second cancel changes nothing.
	if flipped, _ := s.Jobs().CancelIfPending(ctx, j2.JobID); flipped {
		t.Fatalf("cancel flipped a terminal row")
	}

	lst, err := s.Jobs().ListRecent(ctx, "u-1", 10)
	if err != nil || len(lst) != 2 {
		t.Fatalf("ListRecent: n=%d err=%v", len(lst), err)
	}
	if lst[0].JobID != j2.JobID {
		t.Fatalf("ListRecent order: newest first expected, got %s", lst[0].JobID)
	}

	for _, ev := range []string{"RUNNING", "SUCCEEDED"} {
		if err := s.Events().Append(ctx, jobID, ev, ""); err != nil {
			t.Fatalf("Append %s: %v", ev, err)
		}
	}
}
