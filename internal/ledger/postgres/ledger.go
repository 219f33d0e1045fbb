// Package postgres implements the ledger interfaces on PostgreSQL through
// database/sql. Queries are parameterized and each call is a single
// statement, so every operation is its own transaction.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/JonMunkholm/scanfeed/internal/ledger"
)

// Ledger is the PostgreSQL ledger.Ledger.
type Ledger struct {
	db *sql.DB
}

// NewLedger returns a Ledger using db.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

var _ ledger.Ledger = (*Ledger)(nil)

const recordColumns = `id, folder_id, filename, full_path, processed, error, mtime, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*ledger.ProcessedFileRecord, error) {
	var (
		r       ledger.ProcessedFileRecord
		errText sql.NullString
		mtime   sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.FolderID, &r.Filename, &r.FullPath, &r.Processed, &errText, &mtime, &r.CreatedAt); err != nil {
		return nil, err
	}
	if errText.Valid {
		r.Error = &errText.String
	}
	if mtime.Valid {
		t := mtime.Time
		r.MTime = &t
	}
	return &r, nil
}

// Find implements ledger.Ledger.
func (l *Ledger) Find(ctx context.Context, folderID int64, fullPath string) (*ledger.ProcessedFileRecord, error) {
	const q = `
		SELECT ` + recordColumns + `
		FROM processed_files
		WHERE folder_id = $1 AND full_path = $2
	`
	rec, err := scanRecord(l.db.QueryRowContext(ctx, q, folderID, fullPath))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, ledger.Wrap("find", err)
	}
	return rec, nil
}

// UpsertProcessed implements ledger.Ledger. A nil MTime keeps the stored
// value.
func (l *Ledger) UpsertProcessed(ctx context.Context, p ledger.UpsertParams) error {
	const q = `
		INSERT INTO processed_files (folder_id, filename, full_path, processed, error, mtime)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (folder_id, full_path) DO UPDATE SET
			filename  = EXCLUDED.filename,
			processed = EXCLUDED.processed,
			error     = EXCLUDED.error,
			mtime     = COALESCE(EXCLUDED.mtime, processed_files.mtime)
	`
	_, err := l.db.ExecContext(ctx, q,
		p.FolderID,
		p.Filename,
		p.FullPath,
		p.Processed,
		nullString(p.ErrorText()),
		nullTime(p.MTime),
	)
	return ledger.Wrap("upsert processed", err)
}

// ListProcessed implements ledger.Ledger.
func (l *Ledger) ListProcessed(ctx context.Context, folderID int64) ([]ledger.ProcessedFileRecord, error) {
	const q = `
		SELECT ` + recordColumns + `
		FROM processed_files
		WHERE folder_id = $1 AND processed
		ORDER BY filename
	`
	rows, err := l.db.QueryContext(ctx, q, folderID)
	if err != nil {
		return nil, ledger.Wrap("list processed", err)
	}
	defer rows.Close()

	out := make([]ledger.ProcessedFileRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, ledger.Wrap("list processed", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Wrap("list processed", err)
	}
	return out, nil
}

// Seed implements ledger.Ledger.
func (l *Ledger) Seed(ctx context.Context, folderID int64, fullPath, filename string, mtime time.Time) error {
	const q = `
		INSERT INTO processed_files (folder_id, filename, full_path, processed, mtime)
		VALUES ($1, $2, $3, false, $4)
		ON CONFLICT (folder_id, full_path) DO UPDATE SET mtime = EXCLUDED.mtime
	`
	_, err := l.db.ExecContext(ctx, q, folderID, filename, fullPath, mtime)
	return ledger.Wrap("seed", err)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
