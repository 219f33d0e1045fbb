package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// FoldersFile is the YAML document read by LoadFoldersFile:
//
//	folders:
//	  - path: /srv/scans/line1
//	    scanner_id: line1
//	    table_name: line1_scans
type FoldersFile struct {
	Folders []FolderInput `yaml:"folders"`
}

// LoadFoldersFile parses a folders file.
func LoadFoldersFile(path string) ([]FolderInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read folders file: %w", err)
	}

	var doc FoldersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse folders file %s: %w", path, err)
	}
	return doc.Folders, nil
}

// Bootstrap registers every folder listed in the file at path. Folders
// already registered are updated and re-activated. Failures are collected
// and returned together; the remaining folders are still registered.
func (m *Manager) Bootstrap(ctx context.Context, path string) error {
	inputs, err := LoadFoldersFile(path)
	if err != nil {
		return err
	}

	var errs []error
	for i, in := range inputs {
		if _, err := m.Register(ctx, in); err != nil {
			errs = append(errs, fmt.Errorf("folders[%d] %s: %w", i, in.Path, err))
		}
	}

	slog.Info("folders file applied", "file", path, "folders", len(inputs), "failed", len(errs))
	return errors.Join(errs...)
}
