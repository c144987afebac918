// Package broker accepts, registers and dispatches jobs. It owns the
// PENDING lifecycle write; every later transition belongs to the worker
// that dequeues the payload.
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clearcard/sqljobs/internal/cache"
	"github.com/clearcard/sqljobs/internal/model"
	"github.com/clearcard/sqljobs/internal/queue"
	"github.com/clearcard/sqljobs/internal/sqlnorm"
	"github.com/clearcard/sqljobs/internal/store"
)

const (
	DefaultPageSize = 5000
	DefaultMaxRows  = 5_000_000
	DefaultFormat   = "csv"
)

// SubmitRequest carries one job submission.
type SubmitRequest struct {
	SQL         string
	UserID      string
	RequestID   string
	Title       string
	TableConfig string
	ChartConfig string
	PageSize    int
	MaxRows     int64
	Format      string
}

// SubmitAck acknowledges a registered job.
type SubmitAck struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// ManifestRef points a client at a completed job's manifest.
type ManifestRef struct {
	GCSManifestURI string `json:"gcsManifestUri,omitempty"`
	Status         string `json:"status"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// Service implements the four broker operations plus the recent-jobs list.
type Service struct {
	store  store.Store
	cache  cache.StatusCache
	queue  queue.Queue
	bucket string
	log    zerolog.Logger
}

// New constructs a broker Service.
func New(s store.Store, c cache.StatusCache, q queue.Queue, bucket string, log zerolog.Logger) *Service {
	return &Service{store: s, cache: c, queue: q, bucket: bucket, log: log}
}

// Submit registers a job and hands it to the queue. The metadata insert is
// the commit point: a cache failure afterwards is advisory, a queue failure
// is surfaced and leaves the row PENDING so the loss is visible.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitAck, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return nil, fmt.Errorf("%w: sql is required", model.ErrValidation)
	}

	jobID := uuid.New().String()
	reqID := req.RequestID
	if reqID == "" {
		reqID = uuid.New().String()
	}
	userID := req.UserID
	if userID == "" {
		userID = model.DefaultUserID
	}

	sql := sqlnorm.Normalize(req.SQL)
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	maxRows := req.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	format := req.Format
	if format == "" {
		format = DefaultFormat
	}

	s.log.Info().Str("job_id", jobID).Str("user_id", userID).
		Str("request_id", reqID).Int("page_size", pageSize).
		Int64("max_rows", maxRows).Msg("submit")

	job := &model.Job{
		JobID:       jobID,
		UserID:      userID,
		SubmittedAt: time.Now().UTC(),
		State:       model.StatePending,
		SQLHash:     sqlnorm.Hash(sql),
		SQLText:     sql,
		Format:      format,
		PageSize:    pageSize,
		MaxRows:     maxRows,
		Title:       strings.TrimSpace(req.Title),
		TableConfig: req.TableConfig,
		ChartConfig: req.ChartConfig,
	}
	if err := s.store.Jobs().Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	if err := s.cache.SetStatus(ctx, jobID, cache.Snapshot(model.StatePending, 0, 0, "")); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("pending snapshot write failed")
	}

	payload := &model.JobPayload{
		JobID:       jobID,
		UserID:      userID,
		SQL:         sql,
		PageSize:    pageSize,
		MaxRows:     maxRows,
		Format:      format,
		GCSBucket:   s.bucket,
		Title:       job.Title,
		TableConfig: req.TableConfig,
		ChartConfig: req.ChartConfig,
	}
	if err := s.queue.Enqueue(ctx, payload); err != nil {
		// Row stays PENDING; the caller sees the enqueue failure.
		return nil, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}

	return &SubmitAck{JobID: jobID, Status: model.StatePending}, nil
}

// GetStatus prefers the cache snapshot; the metadata store answers on a
// miss. Cached answers carry no timestamps.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*model.JobStatus, error) {
	snap, err := s.cache.GetStatus(ctx, jobID)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("status cache read failed")
	}
	if snap != nil {
		return &model.JobStatus{
			State:        snap.State,
			RowCount:     snap.Rows,
			Bytes:        snap.Bytes,
			ErrorMessage: snap.Error,
		}, nil
	}

	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	sub := job.SubmittedAt
	return &model.JobStatus{
		State:        job.State,
		RowCount:     job.RowCount,
		Bytes:        job.Bytes,
		ErrorMessage: job.ErrorMessage,
		SubmittedAt:  &sub,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}, nil
}

// GetResultManifest returns the manifest URI of a SUCCEEDED job and an
// ERROR ref for any other state.
func (s *Service) GetResultManifest(ctx context.Context, jobID string) (*ManifestRef, error) {
	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != model.StateSucceeded || job.GCSURI == "" {
		msg := job.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("job state: %s", job.State)
		}
		return &ManifestRef{Status: "ERROR", ErrorMessage: msg}, nil
	}
	return &ManifestRef{GCSManifestURI: job.GCSURI, Status: "OK"}, nil
}

// Cancel sets the cancel signal and flips a still-PENDING row itself. A
// running job observes the signal at its next batch boundary. Idempotent on
// terminal jobs.
func (s *Service) Cancel(ctx context.Context, jobID string) (*model.JobStatus, error) {
	if err := s.cache.MarkCancelled(ctx, jobID); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("cancel signal write failed")
	}
	flipped, err := s.store.Jobs().CancelIfPending(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if flipped {
		if err := s.store.Events().Append(ctx, jobID, model.StateCancelled, "cancelled before dispatch"); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("cancel event append failed")
		}
		if err := s.cache.SetStatus(ctx, jobID, cache.Snapshot(model.StateCancelled, 0, 0, "")); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("cancelled snapshot write failed")
		}
	}
	return s.GetStatus(ctx, jobID)
}

// ListJobs returns a user's most recent jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, userID string, limit int) ([]*model.Job, error) {
	if userID == "" {
		userID = model.DefaultUserID
	}
	return s.store.Jobs().ListRecent(ctx, userID, limit)
}
