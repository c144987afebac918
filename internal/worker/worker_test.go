package worker

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/clearcard/sqljobs/internal/blob"
	"github.com/clearcard/sqljobs/internal/cache"
	"github.com/clearcard/sqljobs/internal/model"
	"github.com/clearcard/sqljobs/internal/queue"
	"github.com/clearcard/sqljobs/internal/store"
	"github.com/clearcard/sqljobs/internal/store/sqlstore"
)

type harness struct {
	worker *Worker
	db     *sql.DB
	store  store.Store
	cache  cache.StatusCache
	queue  queue.Queue
	blobs  *blob.Memory
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := sqlstore.Open("sqlite", filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := sqlstore.EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "test-bucket"
	}
	h := &harness{
		db:    db,
		store: sqlstore.New(db),
		cache: cache.NewMemory(),
		queue: queue.NewMemory(16),
		blobs: blob.NewMemory(),
	}
	h.worker = New(h.queue, h.cache, h.store, db, h.blobs, cfg, zerolog.Nop())
	return h
}

// seedJob inserts a PENDING row the way the broker would and returns its
// payload.
func (h *harness) seedJob(t *testing.T, jobID, sqlText string, pageSize int, maxRows int64) *model.JobPayload {
	t.Helper()
	j := &model.Job{
		JobID: jobID, UserID: "u-1", SubmittedAt: time.Now().UTC(),
		State: model.StatePending, SQLText: sqlText, Format: "csv",
		PageSize: pageSize, MaxRows: maxRows,
	}
	if err := h.store.Jobs().Insert(context.Background(), j); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	return &model.JobPayload{
		JobID: jobID, UserID: "u-1", SQL: sqlText, PageSize: pageSize,
		MaxRows: maxRows, Format: "csv", GCSBucket: "test-bucket",
	}
}

func (h *harness) seedRows(t *testing.T, n int) {
	t.Helper()
	if _, err := h.db.Exec(`CREATE TABLE src (id INTEGER, name TEXT)`); err != nil {
		t.Fatalf("create src: %v", err)
	}
	for i := 0; i < n; i++ {
		if _, err := h.db.Exec(`INSERT INTO src (id, name) VALUES ($1, $2)`, i, fmt.Sprintf("name-%d", i)); err != nil {
			t.Fatalf("seed row: %v", err)
		}
	}
}

func (h *harness) manifest(t *testing.T, jobID string) *model.Manifest {
	t.Helper()
	obj, ok := h.blobs.Get("gs://test-bucket/jobs/" + jobID + "/manifest.json")
	if !ok {
		t.Fatalf("manifest missing")
	}
	var m model.Manifest
	if err := json.Unmarshal(obj.Data, &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	return &m
}

func gunzipCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	if len(raw) == 0 {
		return nil
	}
	recs, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	return recs
}

func TestRunJob_HappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	p := h.seedJob(t, "job-ok", "SELECT 1 AS a, 'x' AS b", 10, 100)

	h.worker.runJob(context.Background(), p)

	job, err := h.store.Jobs().Get(context.Background(), "job-ok")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != model.StateSucceeded {
		t.Fatalf("state: %s (%s)", job.State, job.ErrorMessage)
	}
	if job.RowCount != 1 || job.Bytes <= 0 || job.GCSURI == "" {
		t.Fatalf("terminal row: %+v", job)
	}
	if job.StartedAt == nil || job.CompletedAt == nil || job.StartedAt.After(*job.CompletedAt) {
		t.Fatalf("timestamps: %+v", job)
	}

	m := h.manifest(t, "job-ok")
	if len(m.Columns) != 2 || m.Columns[0] != "a" || m.Columns[1] != "b" {
		t.Fatalf("columns: %v", m.Columns)
	}
	if m.RowCount != 1 || m.Format != "csv" || m.Compression != "gzip" || len(m.Chunks) != 1 {
		t.Fatalf("manifest: %+v", m)
	}

	obj, ok := h.blobs.Get(m.Chunks[0].URI)
	if !ok || obj.ContentType != "application/gzip" {
		t.Fatalf("chunk blob: ok=%v ct=%s", ok, obj.ContentType)
	}
	zr, _ := gzip.NewReader(bytes.NewReader(obj.Data))
	raw, _ := io.ReadAll(zr)
	if string(raw) != "1,x\r\n" {
		t.Fatalf("chunk payload: %q", raw)
	}

	snap, _ := h.cache.GetStatus(context.Background(), "job-ok")
	if snap == nil || snap.State != model.StateSucceeded || snap.Rows != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestRunJob_RotationAndChunkContiguity(t *testing.T) {
	// A 1-byte threshold forces a rotation after every batch.
	h := newHarness(t, Config{ChunkMaxBytes: 1})
	h.seedRows(t, 100)
	p := h.seedJob(t, "job-rot", "SELECT id, name FROM src ORDER BY id", 10, 5000)

	h.worker.runJob(context.Background(), p)

	job, _ := h.store.Jobs().Get(context.Background(), "job-rot")
	if job.State != model.StateSucceeded || job.RowCount != 100 {
		t.Fatalf("job: %+v", job)
	}

	m := h.manifest(t, "job-rot")
	if len(m.Chunks) != 10 {
		t.Fatalf("chunks: %d", len(m.Chunks))
	}
	var sumRows, sumBytes int64
	for i, c := range m.Chunks {
		want := fmt.Sprintf("part-%05d.csv.gz", i)
		if !strings.HasSuffix(c.URI, want) {
			t.Fatalf("chunk %d uri: %s", i, c.URI)
		}
		if _, ok := h.blobs.Get(c.URI); !ok {
			t.Fatalf("chunk %d blob missing", i)
		}
		sumRows += c.Rows
		sumBytes += c.Bytes
	}
	if sumRows != m.RowCount {
		t.Fatalf("chunk rows sum %d != row_count %d", sumRows, m.RowCount)
	}
	if sumBytes != job.Bytes {
		t.Fatalf("chunk bytes sum %d != job bytes %d", sumBytes, job.Bytes)
	}

	// Rows stream in order across chunks.
	first := gunzipCSV(t, mustGet(t, h.blobs, m.Chunks[0].URI))
	if len(first) != 10 || first[0][0] != "0" || first[9][0] != "9" {
		t.Fatalf("first chunk rows: %v", first)
	}
}

func mustGet(t *testing.T, m *blob.Memory, uri string) []byte {
	t.Helper()
	obj, ok := m.Get(uri)
	if !ok {
		t.Fatalf("missing %s", uri)
	}
	return obj.Data
}

func TestRunJob_MaxRowsCap(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRows(t, 100)
	p := h.seedJob(t, "job-cap", "SELECT id FROM src ORDER BY id", 2, 3)

	h.worker.runJob(context.Background(), p)

	job, _ := h.store.Jobs().Get(context.Background(), "job-cap")
	if job.State != model.StateSucceeded {
		t.Fatalf("state: %s (%s)", job.State, job.ErrorMessage)
	}
	// The cap is exact: the batch straddling it is clamped.
	if job.RowCount != 3 {
		t.Fatalf("row count: %d", job.RowCount)
	}
	m := h.manifest(t, "job-cap")
	if m.RowCount != 3 {
		t.Fatalf("manifest row count: %d", m.RowCount)
	}
	var sum int64
	for _, c := range m.Chunks {
		sum += c.Rows
	}
	if sum != m.RowCount {
		t.Fatalf("sum %d != row_count %d", sum, m.RowCount)
	}
}

func TestRunJob_MaxRowsCapWithLargePage(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRows(t, 100)
	p := h.seedJob(t, "job-cap-wide", "SELECT id FROM src ORDER BY id", 5000, 3)

	h.worker.runJob(context.Background(), p)

	job, _ := h.store.Jobs().Get(context.Background(), "job-cap-wide")
	if job.State != model.StateSucceeded || job.RowCount != 3 {
		t.Fatalf("job: %+v", job)
	}
	m := h.manifest(t, "job-cap-wide")
	if m.RowCount != 3 || len(m.Chunks) != 1 || m.Chunks[0].Rows != 3 {
		t.Fatalf("manifest: %+v", m)
	}
	recs := gunzipCSV(t, mustGet(t, h.blobs, m.Chunks[0].URI))
	if len(recs) != 3 || recs[0][0] != "0" || recs[2][0] != "2" {
		t.Fatalf("capped chunk rows: %v", recs)
	}
}

func TestRunJob_ZeroRows(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRows(t, 0)
	p := h.seedJob(t, "job-empty", "SELECT id, name FROM src", 10, 100)

	h.worker.runJob(context.Background(), p)

	job, _ := h.store.Jobs().Get(context.Background(), "job-empty")
	if job.State != model.StateSucceeded || job.RowCount != 0 {
		t.Fatalf("job: %+v", job)
	}
	m := h.manifest(t, "job-empty")
	if m.RowCount != 0 || len(m.Chunks) != 0 {
		t.Fatalf("manifest: %+v", m)
	}
	if m.Columns[0] != "id" || m.Columns[1] != "name" {
		t.Fatalf("columns: %v", m.Columns)
	}
	// Only the manifest was written.
	if h.blobs.Len() != 1 {
		t.Fatalf("objects: %v", h.blobs.List())
	}
}

func TestRunJob_NullAndBytesCells(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.db.Exec(`CREATE TABLE mixed (s TEXT, b BLOB)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.db.Exec(`INSERT INTO mixed (s, b) VALUES (NULL, $1)`, []byte{0xff, 'h', 'i'}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	p := h.seedJob(t, "job-null", "SELECT s, b FROM mixed", 10, 100)

	h.worker.runJob(context.Background(), p)

	job, _ := h.store.Jobs().Get(context.Background(), "job-null")
	if job.State != model.StateSucceeded {
		t.Fatalf("state: %s (%s)", job.State, job.ErrorMessage)
	}
	m := h.manifest(t, "job-null")
	recs := gunzipCSV(t, mustGet(t, h.blobs, m.Chunks[0].URI))
	if recs[0][0] != "" {
		t.Fatalf("NULL cell: %q", recs[0][0])
	}
	if recs[0][1] != "�hi" {
		t.Fatalf("bytes cell: %q", recs[0][1])
	}
}

func TestRunJob_CancelBeforeFirstBatch(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRows(t, 50)
	p := h.seedJob(t, "job-pre", "SELECT id FROM src", 10, 5000)

	// Broker-side cancel raced the dequeue: the worker must make no
	// progress past RUNNING→CANCELLED.
	if err := h.cache.MarkCancelled(context.Background(), "job-pre"); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	h.worker.runJob(context.Background(), p)

	job, _ := h.store.Jobs().Get(context.Background(), "job-pre")
	if job.State != model.StateCancelled || job.RowCount != 0 {
		t.Fatalf("job: %+v", job)
	}
	if h.blobs.Len() != 0 {
		t.Fatalf("objects written on cancel: %v", h.blobs.List())
	}
}

// flipCache reports cancellation from the Nth check on.
type flipCache struct {
	cache.StatusCache
	checks int
	after  int
}

func (f *flipCache) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	f.checks++
	return f.checks > f.after, nil
}

func TestRunJob_CancelMidStream(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRows(t, 100)
	fc := &flipCache{StatusCache: h.cache, after: 3}
	h.worker.cache = fc
	p := h.seedJob(t, "job-mid", "SELECT id FROM src ORDER BY id", 10, 5000)

	h.worker.runJob(context.Background(), p)

	job, _ := h.store.Jobs().Get(context.Background(), "job-mid")
	if job.State != model.StateCancelled {
		t.Fatalf("state: %s", job.State)
	}
	if job.RowCount != 30 {
		t.Fatalf("rows before cancel: %d", job.RowCount)
	}
	// Partial chunk may exist, but never a manifest.
	if _, ok := h.blobs.Get("gs://test-bucket/jobs/job-mid/manifest.json"); ok {
		t.Fatalf("manifest written for cancelled job")
	}
	if h.blobs.Len() != 1 {
		t.Fatalf("expected one partial chunk, got %v", h.blobs.List())
	}
}

func TestRunJob_DatabaseFailure(t *testing.T) {
	h := newHarness(t, Config{})
	p := h.seedJob(t, "job-bad", "SELECT broken FROM nowhere", 10, 100)

	h.worker.runJob(context.Background(), p)

	job, _ := h.store.Jobs().Get(context.Background(), "job-bad")
	if job.State != model.StateFailed {
		t.Fatalf("state: %s", job.State)
	}
	if job.ErrorMessage == "" || len(job.ErrorMessage) > 1900 {
		t.Fatalf("error message: %q", job.ErrorMessage)
	}
	if job.CompletedAt == nil {
		t.Fatalf("completed_at missing")
	}
	if h.blobs.Len() != 0 {
		t.Fatalf("objects written on failure: %v", h.blobs.List())
	}
	snap, _ := h.cache.GetStatus(context.Background(), "job-bad")
	if snap == nil || snap.State != model.StateFailed || snap.Error == "" {
		t.Fatalf("snapshot: %+v", snap)
	}

	var events int
	if err := h.db.QueryRow(`SELECT COUNT(*) FROM job_events WHERE job_id=$1 AND event=$2`,
		"job-bad", model.StateFailed).Scan(&events); err != nil {
		t.Fatalf("events query: %v", err)
	}
	if events != 1 {
		t.Fatalf("FAILED events: %d", events)
	}
}

func TestRun_ProcessesQueueAndSurvivesFailures(t *testing.T) {
	h := newHarness(t, Config{})
	h.seedRows(t, 5)
	bad := h.seedJob(t, "job-1", "SELECT nope FROM missing", 10, 100)
	good := h.seedJob(t, "job-2", "SELECT id FROM src", 10, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.queue.Enqueue(ctx, bad); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := h.queue.Enqueue(ctx, good); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = h.worker.Run(ctx)
		close(done)
	}()

	deadline := time.After(10 * time.Second)
	for {
		job, err := h.store.Jobs().Get(ctx, "job-2")
		if err == nil && model.IsTerminal(job.State) {
			if job.State != model.StateSucceeded || job.RowCount != 5 {
				t.Fatalf("job-2: %+v", job)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job-2")
		case <-time.After(20 * time.Millisecond):
		}
	}
	badJob, _ := h.store.Jobs().Get(ctx, "job-1")
	if badJob.State != model.StateFailed {
		t.Fatalf("job-1: %+v", badJob)
	}

	cancel()
	<-done
}

func TestTruncateError_RuneBoundary(t *testing.T) {
	short := errors.New("boom")
	if got := truncateError(short); got != "boom" {
		t.Fatalf("short message altered: %q", got)
	}

	// The é spans bytes 1899-1900, so a blind cut at 1900 would split it.
	msg := strings.Repeat("x", 1898) + "héllo"
	got := truncateError(errors.New(msg))
	if len(got) > 1900 {
		t.Fatalf("length: %d", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("invalid UTF-8 after truncation: %q", got[1890:])
	}
	if got != strings.Repeat("x", 1898)+"h" {
		t.Fatalf("unexpected cut point: %q", got[1890:])
	}
}

func TestRunJob_EventAudit(t *testing.T) {
	h := newHarness(t, Config{})
	p := h.seedJob(t, "job-ev", "SELECT 1 AS a", 10, 100)

	h.worker.runJob(context.Background(), p)

	rows, err := h.db.Query(`SELECT event FROM job_events WHERE job_id=$1`, "job-ev")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			t.Fatalf("scan: %v", err)
		}
		counts[e]++
	}
	if len(counts) != 2 || counts[model.StateRunning] != 1 || counts[model.StateSucceeded] != 1 {
		t.Fatalf("event trail: %v", counts)
	}
}
