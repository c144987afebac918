// Package worker drives queued jobs through the database, the chunk builder
// and the object store, owning every state transition after dispatch.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/clearcard/sqljobs/internal/blob"
	"github.com/clearcard/sqljobs/internal/cache"
	"github.com/clearcard/sqljobs/internal/chunk"
	"github.com/clearcard/sqljobs/internal/model"
	"github.com/clearcard/sqljobs/internal/queue"
	"github.com/clearcard/sqljobs/internal/sqlnorm"
	"github.com/clearcard/sqljobs/internal/store"
)

const (
	dequeueTimeout = 5 * time.Second
	statusInterval = 2 * time.Second

	// Fits the error_message column.
	maxErrorLen = 1900
)

// Config controls per-job limits.
type Config struct {
	// Default bucket when the payload names none.
	Bucket string
	// Rotation threshold for compressed chunks.
	ChunkMaxBytes int64
	// Bounds the execute-and-stream of a job's SELECT.
	QueryTimeout time.Duration
}

// Worker runs the endless dequeue loop. Multiple workers may run against
// the same queue; each job is owned by exactly one of them after dequeue.
type Worker struct {
	queue queue.Queue
	cache cache.StatusCache
	store store.Store
	db    *sql.DB
	blobs blob.Store
	cfg   Config
	log   zerolog.Logger
}

// New constructs a Worker from its dependencies.
func New(q queue.Queue, c cache.StatusCache, s store.Store, db *sql.DB, b blob.Store, cfg Config, log zerolog.Logger) *Worker {
	if cfg.ChunkMaxBytes <= 0 {
		cfg.ChunkMaxBytes = 100 * 1024 * 1024
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 300 * time.Second
	}
	return &Worker{queue: q, cache: c, store: s, db: db, blobs: b, cfg: cfg, log: log}
}

// Run polls the queue until ctx is canceled. Job failures never stop the
// loop.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int64("chunk_max_bytes", w.cfg.ChunkMaxBytes).
		Dur("query_timeout", w.cfg.QueryTimeout).Msg("worker starting")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopping")
			return ctx.Err()
		default:
		}
		if err := w.processOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error().Err(err).Msg("dequeue")
			// Back off so a dead queue does not hot-loop.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (w *Worker) processOnce(ctx context.Context) error {
	p, err := w.queue.DequeueBlocking(ctx, dequeueTimeout)
	if err != nil || p == nil {
		return err
	}
	w.runJob(ctx, p)
	return nil
}

// runJob executes one payload end to end. Every exit path leaves the job in
// a terminal state except process death, which leaves a stale RUNNING row.
func (w *Worker) runJob(ctx context.Context, p *model.JobPayload) {
	log := w.log.With().Str("job_id", p.JobID).Logger()

	sqlText := sqlnorm.Normalize(p.SQL)
	pageSize := p.PageSize
	if pageSize <= 0 {
		pageSize = 5000
	}
	maxRows := p.MaxRows
	if maxRows <= 0 {
		maxRows = 5_000_000
	}
	bucket := p.GCSBucket
	if bucket == "" {
		bucket = w.cfg.Bucket
	}

	var rowCount, totalBytes int64
	var chunks []model.ChunkDescriptor

	fail := func(cause error) {
		msg := truncateError(cause)
		log.Error().Str("error", msg).Int64("rows", rowCount).Msg("job failed")
		// Terminal writes run on a fresh context: the pool hands out a
		// clean connection even when the job's own went bad.
		tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.store.Events().Append(tctx, p.JobID, model.StateFailed, msg); err != nil {
			log.Error().Err(err).Msg("failed event append")
		}
		now := time.Now().UTC()
		st := model.StateFailed
		if err := w.store.Jobs().Update(tctx, p.JobID, store.JobUpdate{
			State: &st, CompletedAt: &now, ErrorMessage: &msg,
		}); err != nil {
			log.Error().Err(err).Msg("failed state update")
		}
		w.setStatus(tctx, p.JobID, cache.Snapshot(model.StateFailed, rowCount, totalBytes, msg))
	}

	// Mark RUNNING in the store and the cache before touching the data.
	now := time.Now().UTC()
	st := model.StateRunning
	if err := w.store.Events().Append(ctx, p.JobID, model.StateRunning, ""); err != nil {
		fail(err)
		return
	}
	if err := w.store.Jobs().Update(ctx, p.JobID, store.JobUpdate{State: &st, StartedAt: &now}); err != nil {
		fail(err)
		return
	}
	w.setStatus(ctx, p.JobID, cache.Snapshot(model.StateRunning, 0, 0, ""))

	queryCtx, cancelQuery := context.WithTimeout(ctx, w.cfg.QueryTimeout)
	defer cancelQuery()

	rows, err := w.db.QueryContext(queryCtx, sqlText)
	if err != nil {
		fail(err)
		return
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		fail(err)
		return
	}

	builder := chunk.New()
	up := blob.NewUploader(w.blobs, bucket)
	idx := 0
	lastFlush := time.Now()

	uploadIfAny := func(data []byte, n int64) error {
		if n <= 0 || len(data) == 0 {
			return nil
		}
		desc, err := up.UploadChunk(ctx, p.JobID, idx, data, n)
		if err != nil {
			return err
		}
		chunks = append(chunks, desc)
		totalBytes += desc.Bytes
		idx++
		return nil
	}

	scratch := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range scratch {
		ptrs[i] = &scratch[i]
	}
	record := make([]string, len(columns))

	done := false
	for !done {
		// Cooperative cancel, checked once per batch.
		cancelled, cerr := w.cache.IsCancelled(ctx, p.JobID)
		if cerr != nil {
			log.Warn().Err(cerr).Msg("cancel check failed")
		}
		if cancelled {
			data, n, err := builder.Close()
			if err == nil {
				err = uploadIfAny(data, n)
			}
			if err != nil {
				log.Warn().Err(err).Msg("final chunk on cancel")
			}
			w.finishCancelled(ctx, p.JobID, rowCount, totalBytes, log)
			return
		}

		// One batch of up to pageSize rows, clamped to the remaining
		// max_rows budget so the cap also stops fetching.
		budget := pageSize
		if remaining := maxRows - rowCount; remaining < int64(budget) {
			budget = int(remaining)
		}
		n := 0
		for n < budget {
			if !rows.Next() {
				done = true
				break
			}
			if err := rows.Scan(ptrs...); err != nil {
				fail(err)
				return
			}
			for i, v := range scratch {
				record[i] = cellString(v)
			}
			if err := builder.WriteRow(record); err != nil {
				fail(err)
				return
			}
			n++
		}
		if err := rows.Err(); err != nil {
			fail(err)
			return
		}
		if n == 0 {
			break
		}
		rowCount += int64(n)

		if time.Since(lastFlush) > statusInterval {
			w.setStatus(ctx, p.JobID, cache.Snapshot(model.StateRunning, rowCount, totalBytes, ""))
			lastFlush = time.Now()
		}

		buffered, err := builder.BytesBuffered()
		if err != nil {
			fail(err)
			return
		}
		if buffered >= w.cfg.ChunkMaxBytes || rowCount >= maxRows {
			data, nRot, err := builder.Rotate()
			if err == nil {
				err = uploadIfAny(data, nRot)
			}
			if err != nil {
				fail(err)
				return
			}
			if rowCount >= maxRows {
				break
			}
		}
	}

	// Final partial chunk.
	data, n, err := builder.Close()
	if err == nil {
		err = uploadIfAny(data, n)
	}
	if err != nil {
		fail(err)
		return
	}

	manifest := &model.Manifest{
		Columns:     columns,
		RowCount:    rowCount,
		Format:      "csv",
		Compression: "gzip",
		Chunks:      append([]model.ChunkDescriptor{}, chunks...),
		Meta: model.ManifestMeta{
			Title:       p.Title,
			TableConfig: parseJSONOrString(p.TableConfig),
			ChartConfig: parseJSONOrString(p.ChartConfig),
		},
	}
	uri, err := up.UploadManifest(ctx, p.JobID, manifest)
	if err != nil {
		fail(err)
		return
	}

	if err := w.store.Events().Append(ctx, p.JobID, model.StateSucceeded, ""); err != nil {
		log.Warn().Err(err).Msg("succeeded event append")
	}
	completed := time.Now().UTC()
	stOK := model.StateSucceeded
	if err := w.store.Jobs().Update(ctx, p.JobID, store.JobUpdate{
		State: &stOK, CompletedAt: &completed,
		RowCount: &rowCount, Bytes: &totalBytes, GCSURI: &uri,
	}); err != nil {
		fail(err)
		return
	}
	w.setStatus(ctx, p.JobID, cache.Snapshot(model.StateSucceeded, rowCount, totalBytes, ""))
	log.Info().Int64("rows", rowCount).Int64("bytes", totalBytes).
		Int("chunks", len(chunks)).Msg("job succeeded")
}

func (w *Worker) finishCancelled(ctx context.Context, jobID string, rowCount, totalBytes int64, log zerolog.Logger) {
	if err := w.store.Events().Append(ctx, jobID, model.StateCancelled, "cancel flag set"); err != nil {
		log.Warn().Err(err).Msg("cancelled event append")
	}
	now := time.Now().UTC()
	st := model.StateCancelled
	if err := w.store.Jobs().Update(ctx, jobID, store.JobUpdate{
		State: &st, CompletedAt: &now, RowCount: &rowCount, Bytes: &totalBytes,
	}); err != nil {
		log.Error().Err(err).Msg("cancelled state update")
	}
	w.setStatus(ctx, jobID, cache.Snapshot(model.StateCancelled, rowCount, totalBytes, ""))
	log.Info().Int64("rows", rowCount).Msg("job cancelled")
}

// setStatus is best-effort: the cache is advisory.
func (w *Worker) setStatus(ctx context.Context, jobID string, s model.StatusSnapshot) {
	if err := w.cache.SetStatus(ctx, jobID, s); err != nil {
		w.log.Warn().Err(err).Str("job_id", jobID).Msg("status snapshot write failed")
	}
}

func truncateError(err error) string {
	s := err.Error()
	if len(s) <= maxErrorLen {
		return s
	}
	// Back up to a rune boundary so the stored message stays valid UTF-8.
	n := maxErrorLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// parseJSONOrString embeds valid JSON as-is and keeps anything else (or
// emptiness) as the original string.
func parseJSONOrString(s string) interface{} {
	if s == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
