package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/JonMunkholm/scanfeed/internal/ledger"
	"github.com/JonMunkholm/scanfeed/internal/logging"
)

// MaxScannerIDLength bounds FolderInput.ScannerID.
const MaxScannerIDLength = 64

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// FolderInput is a request to watch a directory.
type FolderInput struct {
	Path      string `json:"path" yaml:"path"`
	ScannerID string `json:"scanner_id" yaml:"scanner_id"`
	TableName string `json:"table_name" yaml:"table_name"`
}

// Validate checks the input without touching the filesystem.
func (in FolderInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Path,
			validation.Required,
			validation.By(absolutePath),
		),
		validation.Field(&in.ScannerID,
			validation.Required,
			validation.Length(1, MaxScannerIDLength),
		),
		validation.Field(&in.TableName,
			validation.Required,
			validation.Match(tableNamePattern).Error("must be a plain SQL identifier"),
		),
	)
}

func absolutePath(value interface{}) error {
	p, _ := value.(string)
	if !filepath.IsAbs(p) {
		return errors.New("must be an absolute path")
	}
	return nil
}

// Register stores the folder as active and starts watching it. Registering
// a path that already exists re-activates it with the new scanner id and
// table, restarting its watcher if one is running. Files already present
// are recorded in the ledger as unprocessed before the first cycle.
func (m *Manager) Register(ctx context.Context, in FolderInput) (*ledger.WatchedFolder, error) {
	in.Path = strings.TrimSpace(in.Path)
	if in.Path != "" {
		abs, err := filepath.Abs(in.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFolder, err)
		}
		in.Path = abs
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFolder, err)
	}

	info, err := os.Stat(in.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFolder, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidFolder, in.Path)
	}

	folder, err := m.folders.Upsert(ctx, ledger.WatchedFolder{
		Path:      in.Path,
		Active:    true,
		ScannerID: in.ScannerID,
		TableName: in.TableName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save folder: %w", err)
	}

	seeded, err := m.seed(ctx, *folder)
	if err != nil {
		m.logFor(*folder).Warn("failed to seed ledger", "error", err)
	}

	if err := m.restart(ctx, folder.ID); err != nil {
		return folder, err
	}
	m.logFor(*folder).Info("folder registered", "scanner_id", folder.ScannerID, "seeded", seeded)
	return folder, nil
}

// Deactivate marks the folder inactive and stops its watcher. With drain
// set, remaining files (newest included) are ingested first.
func (m *Manager) Deactivate(ctx context.Context, folderID int64, drain bool) (CycleResult, error) {
	if err := m.folders.SetActive(ctx, folderID, false); err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			return CycleResult{}, fmt.Errorf("%w: %d", ErrFolderNotFound, folderID)
		}
		return CycleResult{}, fmt.Errorf("failed to deactivate folder %d: %w", folderID, err)
	}

	if drain {
		return m.DrainAndStop(ctx, folderID)
	}
	if err := m.Stop(folderID); err != nil && !errors.Is(err, ErrWatcherNotRunning) {
		return CycleResult{}, err
	}
	return CycleResult{}, nil
}

// seed records every matching file currently in the folder.
func (m *Manager) seed(ctx context.Context, folder ledger.WatchedFolder) (int, error) {
	files, err := m.opts.Lister.List(folder.Path, m.opts.Extension)
	if err != nil {
		return 0, err
	}
	for i, f := range files {
		if err := m.ledger.Seed(ctx, folder.ID, f.Path, f.Name, f.ModTime); err != nil {
			return i, err
		}
	}
	return len(files), nil
}

// restart replaces a running watcher so it picks up changed folder
// settings. Start waits for the old loop to exit first.
func (m *Manager) restart(ctx context.Context, folderID int64) error {
	m.mu.Lock()
	old, ok := m.watchers[folderID]
	if ok {
		m.retireLocked(old)
	}
	m.mu.Unlock()

	if ok {
		old.signalStop()
	}
	return m.Start(ctx, folderID)
}

func (m *Manager) logFor(folder ledger.WatchedFolder) *slog.Logger {
	return logging.WithFields(context.Background(), "folder_id", folder.ID, "path", folder.Path)
}
