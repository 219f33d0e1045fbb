// Package ledger defines the persistent record of watched folders and of
// every file seen in them. Implementations live in subpackages.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MaxErrorLen is the longest error message stored on a record.
const MaxErrorLen = 1024

// ErrRecordNotFound is returned when a folder or file record does not exist.
var ErrRecordNotFound = errors.New("record not found")

// WatchedFolder is a directory configured for automatic ingestion.
type WatchedFolder struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Active    bool      `json:"active"`
	ScannerID string    `json:"scanner_id"`
	TableName string    `json:"table_name"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessedFileRecord tracks one file within one folder. (FolderID, FullPath)
// is unique.
type ProcessedFileRecord struct {
	ID        int64      `json:"id"`
	FolderID  int64      `json:"folder_id"`
	Filename  string     `json:"filename"`
	FullPath  string     `json:"full_path"`
	Processed bool       `json:"processed"`
	Error     *string    `json:"error,omitempty"`
	MTime     *time.Time `json:"mtime,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// UpsertParams describes the outcome of one ingestion attempt.
type UpsertParams struct {
	FolderID  int64
	FullPath  string
	Filename  string
	MTime     *time.Time
	Processed bool
	Err       error // nil clears any stored error
}

// ErrorText returns the message to store for p.Err, or nil.
func (p UpsertParams) ErrorText() *string {
	if p.Err == nil {
		return nil
	}
	msg := Truncate(p.Err.Error(), MaxErrorLen)
	return &msg
}

// Ledger is the durable per-file state store. Every call is its own
// transaction.
type Ledger interface {
	// Find returns the record for path in folderID, or ErrRecordNotFound.
	Find(ctx context.Context, folderID int64, fullPath string) (*ProcessedFileRecord, error)

	// UpsertProcessed inserts or overwrites the record for p.FullPath.
	UpsertProcessed(ctx context.Context, p UpsertParams) error

	// ListProcessed returns every processed=true record of folderID.
	ListProcessed(ctx context.Context, folderID int64) ([]ProcessedFileRecord, error)

	// Seed records a file as seen. A new record is processed=false; an
	// existing one only has its mtime refreshed.
	Seed(ctx context.Context, folderID int64, fullPath, filename string, mtime time.Time) error
}

// FolderStore persists watched folder configuration.
type FolderStore interface {
	ListActive(ctx context.Context) ([]WatchedFolder, error)
	List(ctx context.Context) ([]WatchedFolder, error)
	Get(ctx context.Context, id int64) (*WatchedFolder, error)
	GetByPath(ctx context.Context, path string) (*WatchedFolder, error)

	// Upsert creates the folder or, when the path exists, updates its
	// scanner id, table name and active flag. It returns the stored row.
	Upsert(ctx context.Context, f WatchedFolder) (*WatchedFolder, error)

	SetActive(ctx context.Context, id int64, active bool) error
}

// LedgerError wraps a store failure with the operation that failed.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, err unchanged for ErrRecordNotFound, and a
// *LedgerError otherwise.
func Wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrRecordNotFound) {
		return err
	}
	return &LedgerError{Op: op, Err: err}
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
