package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileInfo describes one candidate file in a watched folder.
type FileInfo struct {
	Name    string
	Path    string
	ModTime time.Time
}

// FileLister enumerates candidate files in a directory. Implementations
// return regular files whose extension matches ext (case-insensitive),
// sorted ascending by name.
type FileLister interface {
	List(dir, ext string) ([]FileInfo, error)
}

// DirLister lists a directory with os.ReadDir. Subdirectories, including
// the archive directory, are skipped.
type DirLister struct{}

// List implements FileLister.
func (DirLister) List(dir, ext string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, FileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Eligible applies the settlement rule to a sorted listing: the last file
// may still be written by the scanner and is left out unless includeNewest
// is set.
func Eligible(files []FileInfo, includeNewest bool) []FileInfo {
	if includeNewest || len(files) == 0 {
		return files
	}
	return files[:len(files)-1]
}
