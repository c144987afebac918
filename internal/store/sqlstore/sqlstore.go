// Package sqlstore implements the job metadata store on database/sql.
// It sticks to the $N placeholder dialect shared by the two registered
// drivers, pgx (Postgres) and modernc sqlite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/clearcard/sqljobs/internal/model"
	"github.com/clearcard/sqljobs/internal/store"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id        TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    submitted_at  BIGINT,
    started_at    BIGINT,
    completed_at  BIGINT,
    state         TEXT NOT NULL,
    sql_hash      TEXT,
    sql_text      TEXT,
    format        TEXT,
    page_size     INTEGER,
    max_rows      BIGINT,
    row_count     BIGINT DEFAULT 0,
    bytes         BIGINT DEFAULT 0,
    gcs_uri       TEXT DEFAULT '',
    error_message TEXT DEFAULT '',
    title         TEXT DEFAULT '',
    table_config  TEXT DEFAULT '',
    chart_config  TEXT DEFAULT ''
);
CREATE TABLE IF NOT EXISTS job_events (
    job_id     TEXT NOT NULL,
    event      TEXT NOT NULL,
    detail     TEXT,
    created_at BIGINT NOT NULL
)`

// Open opens a database/sql handle for the given driver and verifies
// connectivity. The connect attempt is bounded to 10 seconds.
func Open(driver, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is empty")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// New constructs a Store backed directly by database/sql.
func New(db *sql.DB) store.Store { return &sqlStore{db: db} }

// EnsureSchema creates the jobs and job_events tables when absent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaDDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

type sqlStore struct{ db *sql.DB }

func (s *sqlStore) Jobs() store.Jobs     { return &jobs{db: s.db} }
func (s *sqlStore) Events() store.Events { return &events{db: s.db} }

// HealthPing implements the health handler's pinger.
func (s *sqlStore) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Jobs ---

type jobs struct{ db *sql.DB }

func (j *jobs) Insert(ctx context.Context, m *model.Job) error {
	_, err := j.db.ExecContext(ctx, `
        INSERT INTO jobs
          (job_id, user_id, submitted_at, state, sql_hash, sql_text, format,
           page_size, max_rows, row_count, bytes, title, table_config, chart_config)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,0,$10,$11,$12)
    `, m.JobID, m.UserID, toMillis(&m.SubmittedAt), m.State, m.SQLHash, m.SQLText,
		m.Format, m.PageSize, m.MaxRows, m.Title, m.TableConfig, m.ChartConfig)
	return err
}

const selectJobColumns = `
        job_id, user_id, submitted_at, started_at, completed_at, state,
        sql_hash, sql_text, format, page_size, max_rows, row_count, bytes,
        gcs_uri, error_message, title, table_config, chart_config`

func (j *jobs) Get(ctx context.Context, jobID string) (*model.Job, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs WHERE job_id=$1`, jobID)
	out, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	return out, err
}

func (j *jobs) Update(ctx context.Context, jobID string, u store.JobUpdate) error {
	var sets []string
	var vals []interface{}
	add := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(vals)+1))
		vals = append(vals, v)
	}
	if u.State != nil {
		add("state", *u.State)
	}
	if u.StartedAt != nil {
		add("started_at", toMillis(u.StartedAt))
	}
	if u.CompletedAt != nil {
		add("completed_at", toMillis(u.CompletedAt))
	}
	if u.RowCount != nil {
		add("row_count", *u.RowCount)
	}
	if u.Bytes != nil {
		add("bytes", *u.Bytes)
	}
	if u.GCSURI != nil {
		add("gcs_uri", *u.GCSURI)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if len(sets) == 0 {
		return nil
	}
	vals = append(vals, jobID)
	q := fmt.Sprintf("UPDATE jobs SET %s WHERE job_id=$%d", strings.Join(sets, ", "), len(vals))
	_, err := j.db.ExecContext(ctx, q, vals...)
	return err
}

func (j *jobs) CancelIfPending(ctx context.Context, jobID string) (bool, error) {
	now := time.Now().UTC()
	res, err := j.db.ExecContext(ctx, `
        UPDATE jobs SET state=$1, completed_at=$2
        WHERE job_id=$3 AND state=$4
    `, model.StateCancelled, toMillis(&now), jobID, model.StatePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (j *jobs) ListRecent(ctx context.Context, userID string, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+selectJobColumns+` FROM jobs WHERE user_id=$1
         ORDER BY submitted_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		m, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(r rowScanner) (*model.Job, error) {
	var m model.Job
	var submitted, started, completed sql.NullInt64
	var hash, text, format, uri, errMsg, title, tableCfg, chartCfg sql.NullString
	var pageSize sql.NullInt64
	var maxRows, rowCount, bytes sql.NullInt64
	if err := r.Scan(&m.JobID, &m.UserID, &submitted, &started, &completed,
		&m.State, &hash, &text, &format, &pageSize, &maxRows, &rowCount,
		&bytes, &uri, &errMsg, &title, &tableCfg, &chartCfg); err != nil {
		return nil, err
	}
	if submitted.Valid {
		m.SubmittedAt = fromMillis(submitted.Int64)
	}
	m.StartedAt = optTime(started)
	m.CompletedAt = optTime(completed)
	m.SQLHash = hash.String
	m.SQLText = text.String
	m.Format = format.String
	m.PageSize = int(pageSize.Int64)
	m.MaxRows = maxRows.Int64
	m.RowCount = rowCount.Int64
	m.Bytes = bytes.Int64
	m.GCSURI = uri.String
	m.ErrorMessage = errMsg.String
	m.Title = title.String
	m.TableConfig = tableCfg.String
	m.ChartConfig = chartCfg.String
	return &m, nil
}

// --- Events ---

type events struct{ db *sql.DB }

func (e *events) Append(ctx context.Context, jobID, event, detail string) error {
	now := time.Now().UTC()
	_, err := e.db.ExecContext(ctx, `
        INSERT INTO job_events (job_id, event, detail, created_at)
        VALUES ($1,$2,$3,$4)
    `, jobID, event, detail, toMillis(&now))
	return err
}

// Timestamps are stored as unix milliseconds so both drivers round-trip them
// without dialect-specific datetime handling.

func toMillis(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func optTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
