package ingest

import (
	"fmt"
	"sort"
	"strings"
)

// Reserved destination columns. The pipeline fills the system columns itself
// and never writes id or created_at.
const (
	ColumnID        = "id"
	ColumnScannerID = "scanner_id"
	ColumnProcessed = "processed"
	ColumnCSVPath   = "csv_path"
	ColumnCreatedAt = "created_at"
)

// systemColumns are appended to every row, in this order.
var systemColumns = []string{ColumnScannerID, ColumnProcessed, ColumnCSVPath}

// processedMarker is sent as text so it parses into boolean and integer
// processed columns alike.
const processedMarker = "0"

func isReserved(name string) bool {
	switch name {
	case ColumnID, ColumnScannerID, ColumnProcessed, ColumnCSVPath, ColumnCreatedAt:
		return true
	}
	return false
}

// ColumnSet is the set of column names of a destination table.
type ColumnSet map[string]struct{}

// NewColumnSet builds a ColumnSet from names.
func NewColumnSet(names ...string) ColumnSet {
	set := make(ColumnSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Has reports whether name is a column of the set.
func (s ColumnSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// NormalizeHeader turns a CSV header cell into a column name: BOM and
// surrounding quotes stripped, trimmed, lowercased, spaces as underscores.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\uFEFF")
	h = strings.TrimSpace(h)
	h = strings.Trim(h, `"'`)
	h = strings.TrimSpace(h)
	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}

// SystemValues are the per-file values written to the system columns.
type SystemValues struct {
	ScannerID string
	CSVPath   string
}

// ColumnMapper projects CSV records onto a destination table. Build one per
// file with NewColumnMapper.
type ColumnMapper struct {
	columns []string // mapped CSV columns followed by the system columns
	sources []int    // CSV field index for each mapped column
	dropped []string
}

// NewColumnMapper matches header against the destination columns. Headers
// with no matching column, and headers naming a reserved column, are
// dropped. When a header repeats, the first occurrence wins.
//
// The destination must carry every system column, otherwise ErrSchema is
// returned.
func NewColumnMapper(header []string, dest ColumnSet) (*ColumnMapper, error) {
	var missing []string
	for _, c := range systemColumns {
		if !dest.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing system columns %s", ErrSchema, strings.Join(missing, ", "))
	}

	m := &ColumnMapper{}
	seen := make(map[string]bool, len(header))
	for i, raw := range header {
		name := NormalizeHeader(raw)
		switch {
		case name == "":
			continue
		case seen[name], isReserved(name), !dest.Has(name):
			m.dropped = append(m.dropped, raw)
			continue
		}
		seen[name] = true
		m.columns = append(m.columns, name)
		m.sources = append(m.sources, i)
	}
	m.columns = append(m.columns, systemColumns...)
	return m, nil
}

// Columns returns the destination columns in insert order.
func (m *ColumnMapper) Columns() []string {
	return m.columns
}

// Dropped returns the raw header cells that were not mapped.
func (m *ColumnMapper) Dropped() []string {
	return m.dropped
}

// Map converts one CSV record into insert values aligned with Columns.
// Missing trailing fields and empty cells become NULL. Fields beyond the
// header are ignored.
func (m *ColumnMapper) Map(record []string, sys SystemValues) []any {
	row := make([]any, 0, len(m.columns))
	for _, idx := range m.sources {
		if idx >= len(record) {
			row = append(row, nil)
			continue
		}
		row = append(row, cellValue(record[idx]))
	}
	return append(row, sys.ScannerID, processedMarker, sys.CSVPath)
}

// cellValue trims a cell and unwraps the ="..." form spreadsheet exports use
// to keep leading zeros. Empty cells are NULL.
func cellValue(s string) any {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	if s == "" {
		return nil
	}
	return s
}

// isBlank reports whether every field of record is whitespace.
func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
