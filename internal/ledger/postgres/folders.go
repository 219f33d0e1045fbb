package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/JonMunkholm/scanfeed/internal/ledger"
)

// Folders is the PostgreSQL ledger.FolderStore.
type Folders struct {
	db *sql.DB
}

// NewFolders returns a Folders store using db.
func NewFolders(db *sql.DB) *Folders {
	return &Folders{db: db}
}

var _ ledger.FolderStore = (*Folders)(nil)

const folderColumns = `id, path, active, scanner_id, table_name, created_at`

func scanFolder(s rowScanner) (*ledger.WatchedFolder, error) {
	var f ledger.WatchedFolder
	if err := s.Scan(&f.ID, &f.Path, &f.Active, &f.ScannerID, &f.TableName, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Folders) list(ctx context.Context, op, q string, args ...any) ([]ledger.WatchedFolder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ledger.Wrap(op, err)
	}
	defer rows.Close()

	out := make([]ledger.WatchedFolder, 0)
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, ledger.Wrap(op, err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Wrap(op, err)
	}
	return out, nil
}

// ListActive implements ledger.FolderStore.
func (s *Folders) ListActive(ctx context.Context) ([]ledger.WatchedFolder, error) {
	return s.list(ctx, "list active folders",
		`SELECT `+folderColumns+` FROM folders WHERE active ORDER BY id`)
}

// List implements ledger.FolderStore.
func (s *Folders) List(ctx context.Context) ([]ledger.WatchedFolder, error) {
	return s.list(ctx, "list folders",
		`SELECT `+folderColumns+` FROM folders ORDER BY id`)
}

func (s *Folders) get(ctx context.Context, op, q string, arg any) (*ledger.WatchedFolder, error) {
	f, err := scanFolder(s.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, ledger.Wrap(op, err)
	}
	return f, nil
}

// Get implements ledger.FolderStore.
func (s *Folders) Get(ctx context.Context, id int64) (*ledger.WatchedFolder, error) {
	return s.get(ctx, "get folder", `SELECT `+folderColumns+` FROM folders WHERE id = $1`, id)
}

// GetByPath implements ledger.FolderStore.
func (s *Folders) GetByPath(ctx context.Context, path string) (*ledger.WatchedFolder, error) {
	return s.get(ctx, "get folder by path", `SELECT `+folderColumns+` FROM folders WHERE path = $1`, path)
}

// Upsert implements ledger.FolderStore.
func (s *Folders) Upsert(ctx context.Context, f ledger.WatchedFolder) (*ledger.WatchedFolder, error) {
	const q = `
		INSERT INTO folders (path, active, scanner_id, table_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET
			active     = EXCLUDED.active,
			scanner_id = EXCLUDED.scanner_id,
			table_name = EXCLUDED.table_name
		RETURNING ` + folderColumns
	out, err := scanFolder(s.db.QueryRowContext(ctx, q, f.Path, f.Active, f.ScannerID, f.TableName))
	if err != nil {
		return nil, ledger.Wrap("upsert folder", err)
	}
	return out, nil
}

// SetActive implements ledger.FolderStore.
func (s *Folders) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE folders SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return ledger.Wrap("set folder active", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Wrap("set folder active", err)
	}
	if n == 0 {
		return ledger.ErrRecordNotFound
	}
	return nil
}
