package model

import "time"

// Job states. PENDING and RUNNING are transient; the rest are terminal.
const (
	StatePending   = "PENDING"
	StateRunning   = "RUNNING"
	StateSucceeded = "SUCCEEDED"
	StateFailed    = "FAILED"
	StateCancelled = "CANCELLED"
)

// IsTerminal reports whether a state absorbs all further transitions.
func IsTerminal(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// DefaultUserID is recorded when a submission carries no user id.
const DefaultUserID = "anonymous"

// Job is the authoritative record of one deferred SQL execution.
type Job struct {
	JobID        string     `json:"jobId"`
	UserID       string     `json:"userId"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	State        string     `json:"state"`
	SQLHash      string     `json:"sqlHash"`
	SQLText      string     `json:"sqlText"`
	Format       string     `json:"format"`
	PageSize     int        `json:"pageSize"`
	MaxRows      int64      `json:"maxRows"`
	RowCount     int64      `json:"rowCount"`
	Bytes        int64      `json:"bytes"`
	GCSURI       string     `json:"gcsUri,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Title        string     `json:"title,omitempty"`
	TableConfig  string     `json:"tableConfig,omitempty"`
	ChartConfig  string     `json:"chartConfig,omitempty"`
}

// JobStatus is the read-model returned by GetStatus and Cancel. Timestamps
// are present only when the backing record carries them; a cache hit has
// none.
type JobStatus struct {
	State        string     `json:"state"`
	RowCount     int64      `json:"rowCount"`
	Bytes        int64      `json:"bytes"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	SubmittedAt  *time.Time `json:"submittedAt,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// JobPayload is the queue message handed from broker to worker.
// Field names are the wire contract on jobs:queue.
type JobPayload struct {
	JobID       string `json:"job_id"`
	UserID      string `json:"user_id"`
	SQL         string `json:"sql"`
	PageSize    int    `json:"page_size"`
	MaxRows     int64  `json:"max_rows"`
	Format      string `json:"format"`
	GCSBucket   string `json:"gcs_bucket"`
	Title       string `json:"title"`
	TableConfig string `json:"table_config"`
	ChartConfig string `json:"chart_config"`
}

// StatusSnapshot is the short-lived mirror kept under jobs:status:<id>.
type StatusSnapshot struct {
	State     string `json:"state"`
	Rows      int64  `json:"rows"`
	Bytes     int64  `json:"bytes"`
	Error     string `json:"error"`
	UpdatedAt int64  `json:"updated_at"`
}

// ChunkDescriptor locates one gzipped CSV blob of a completed job.
type ChunkDescriptor struct {
	URI   string `json:"uri"`
	Rows  int64  `json:"rows"`
	Bytes int64  `json:"bytes"`
}

// ManifestMeta carries submission metadata into the manifest. Table and
// chart configs are embedded as parsed JSON when parseable, raw strings
// otherwise.
type ManifestMeta struct {
	Title       string      `json:"title"`
	TableConfig interface{} `json:"table_config"`
	ChartConfig interface{} `json:"chart_config"`
}

// Manifest is the JSON document published to the object store once all
// chunks of a job are uploaded.
type Manifest struct {
	Columns     []string          `json:"columns"`
	RowCount    int64             `json:"row_count"`
	Format      string            `json:"format"`
	Compression string            `json:"compression"`
	Chunks      []ChunkDescriptor `json:"chunks"`
	Meta        ManifestMeta      `json:"meta"`
}
