package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the source file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrSchema is returned when the destination table is missing or has no
	// reflectable columns.
	ErrSchema = errors.New("destination table not found")
)

// IngestError reports a failure after ingestion started. Committed is the
// number of rows that reached the table in earlier batches and stay there.
type IngestError struct {
	Path      string
	Table     string
	Batch     int // 1-based batch that failed, 0 if the failure was outside a flush
	Committed int64
	Err       error
}

func (e *IngestError) Error() string {
	if e.Batch > 0 {
		return fmt.Sprintf("ingest %s into %s: batch %d failed after %d committed rows: %v",
			e.Path, e.Table, e.Batch, e.Committed, e.Err)
	}
	return fmt.Sprintf("ingest %s into %s: %d committed rows: %v", e.Path, e.Table, e.Committed, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// DecodeWarning describes a non-fatal decoding problem. It is logged and
// never returned from Ingest.
type DecodeWarning struct {
	Encoding    Encoding
	Reason      string
	Substituted int64 // bytes replaced during decoding, when known
}

func (w DecodeWarning) Error() string {
	if w.Substituted > 0 {
		return fmt.Sprintf("decode %s: %s (%d bytes substituted)", w.Encoding, w.Reason, w.Substituted)
	}
	return fmt.Sprintf("decode %s: %s", w.Encoding, w.Reason)
}

// CommittedRows returns the committed row count carried by err, or 0.
func CommittedRows(err error) int64 {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Committed
	}
	return 0
}
