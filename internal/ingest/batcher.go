package ingest

import (
	"context"
	"fmt"
)

// DefaultBatchSize is used when a Pipeline is built with a non-positive size.
const DefaultBatchSize = 500

// RowSink writes batches of mapped rows into a destination table. Each call
// is its own transaction: a nil error means every row in rows is committed.
type RowSink interface {
	InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error
}

// BatchError reports a failed flush.
type BatchError struct {
	Batch int // 1-based
	Rows  int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d rows): %v", e.Batch, e.Rows, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Batcher buffers rows for one table and flushes them to a RowSink in
// fixed-size batches. It is not safe for concurrent use.
type Batcher struct {
	sink    RowSink
	table   string
	columns []string
	size    int

	buf       [][]any
	batches   int
	committed int64
}

// NewBatcher returns a Batcher that flushes every size rows.
func NewBatcher(sink RowSink, table string, columns []string, size int) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &Batcher{
		sink:    sink,
		table:   table,
		columns: columns,
		size:    size,
		buf:     make([][]any, 0, size),
	}
}

// Add buffers row and flushes when the batch is full.
func (b *Batcher) Add(ctx context.Context, row []any) error {
	b.buf = append(b.buf, row)
	if len(b.buf) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes any buffered rows. The buffer is cleared whether or not the
// write succeeds; a failed batch is never retried by the Batcher.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}

	b.batches++
	rows := b.buf
	b.buf = make([][]any, 0, b.size)

	if err := b.sink.InsertBatch(ctx, b.table, b.columns, rows); err != nil {
		return &BatchError{Batch: b.batches, Rows: len(rows), Err: err}
	}
	b.committed += int64(len(rows))
	return nil
}

// Committed returns the number of rows in successfully flushed batches.
func (b *Batcher) Committed() int64 {
	return b.committed
}

// Batches returns the number of flush attempts so far.
func (b *Batcher) Batches() int {
	return b.batches
}
