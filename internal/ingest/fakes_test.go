package ingest

import (
	"context"
	"errors"
	"sync"
)

var errSinkDown = errors.New("connection reset")

// memorySink records every committed batch. failOn makes the given 1-based
// InsertBatch call fail without committing.
type memorySink struct {
	mu      sync.Mutex
	failOn  int
	calls   int
	columns []string
	batches [][][]any
}

func (s *memorySink) InsertBatch(_ context.Context, _ string, columns []string, rows [][]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.failOn > 0 && s.calls == s.failOn {
		return errSinkDown
	}
	s.columns = columns
	s.batches = append(s.batches, rows)
	return nil
}

func (s *memorySink) rows() [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all [][]any
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

type staticSchema struct {
	tables map[string]ColumnSet
	calls  int
}

func (s *staticSchema) Columns(_ context.Context, table string) (ColumnSet, error) {
	s.calls++
	cols, ok := s.tables[table]
	if !ok {
		return nil, ErrSchema
	}
	return cols, nil
}
