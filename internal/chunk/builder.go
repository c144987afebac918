// Package chunk streams CSV rows through gzip into size-bounded buffers.
package chunk

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
)

// Builder composes a CSV writer over a gzip stream over a rolling byte
// buffer. One builder serves one job; it is not safe for concurrent use.
// No header row is written: chunks hold data rows only and the manifest
// carries the column names.
type Builder struct {
	buf    *bytes.Buffer
	gz     *gzip.Writer
	csvw   *csv.Writer
	rows   int64
	closed bool
}

// New returns a Builder with an open, empty chunk.
func New() *Builder {
	b := &Builder{}
	b.reset()
	return b
}

func (b *Builder) reset() {
	b.buf = &bytes.Buffer{}
	b.gz = gzip.NewWriter(b.buf)
	b.csvw = csv.NewWriter(b.gz)
	b.csvw.UseCRLF = true
	b.rows = 0
	b.closed = false
}

// WriteRow appends one CSV record to the current chunk.
func (b *Builder) WriteRow(cells []string) error {
	if b.closed {
		return errors.New("chunk builder is closed")
	}
	if err := b.csvw.Write(cells); err != nil {
		return err
	}
	b.rows++
	return nil
}

// Rows reports the rows written since the last rotation.
func (b *Builder) Rows() int64 { return b.rows }

// BytesBuffered flushes the CSV and gzip stages and reports the compressed
// size of the current chunk. The gzip stream stays open, so the value is a
// slight undercount of the finalized chunk.
func (b *Builder) BytesBuffered() (int64, error) {
	if b.closed {
		return 0, errors.New("chunk builder is closed")
	}
	b.csvw.Flush()
	if err := b.csvw.Error(); err != nil {
		return 0, fmt.Errorf("csv flush: %w", err)
	}
	if err := b.gz.Flush(); err != nil {
		return 0, fmt.Errorf("gzip flush: %w", err)
	}
	return int64(b.buf.Len()), nil
}

// Rotate finalizes the current gzip stream, returns its bytes and row count,
// and opens a fresh chunk.
func (b *Builder) Rotate() ([]byte, int64, error) {
	data, rows, err := b.finish()
	if err != nil {
		return nil, 0, err
	}
	b.reset()
	return data, rows, nil
}

// Close is Rotate without reopening. Further writes fail.
func (b *Builder) Close() ([]byte, int64, error) {
	data, rows, err := b.finish()
	if err != nil {
		return nil, 0, err
	}
	b.closed = true
	return data, rows, nil
}

func (b *Builder) finish() ([]byte, int64, error) {
	if b.closed {
		return nil, 0, errors.New("chunk builder is closed")
	}
	b.csvw.Flush()
	if err := b.csvw.Error(); err != nil {
		return nil, 0, fmt.Errorf("csv flush: %w", err)
	}
	if err := b.gz.Close(); err != nil {
		return nil, 0, fmt.Errorf("gzip close: %w", err)
	}
	data := make([]byte, b.buf.Len())
	copy(data, b.buf.Bytes())
	return data, b.rows, nil
}
