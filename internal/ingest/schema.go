package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaProvider resolves the column set of a destination table. An
// unknown table yields an error wrapping ErrSchema.
type SchemaProvider interface {
	Columns(ctx context.Context, table string) (ColumnSet, error)
}

const columnsQuery = `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`

// PostgresSchema reads column sets from information_schema.
type PostgresSchema struct {
	pool *pgxpool.Pool
}

// NewPostgresSchema returns a SchemaProvider backed by pool.
func NewPostgresSchema(pool *pgxpool.Pool) *PostgresSchema {
	return &PostgresSchema{pool: pool}
}

// Columns implements SchemaProvider.
func (s *PostgresSchema) Columns(ctx context.Context, table string) (ColumnSet, error) {
	rows, err := s.pool.Query(ctx, columnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(ColumnSet)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSchema, table)
	}
	return cols, nil
}

// CachedSchema memoizes another SchemaProvider per table for a fixed TTL.
// Failures are not cached, so a table created later is picked up on the
// next lookup.
type CachedSchema struct {
	next SchemaProvider
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]schemaEntry
}

type schemaEntry struct {
	cols    ColumnSet
	expires time.Time
}

// NewCachedSchema wraps next. A non-positive ttl disables caching.
func NewCachedSchema(next SchemaProvider, ttl time.Duration) *CachedSchema {
	return &CachedSchema{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]schemaEntry),
	}
}

// Columns implements SchemaProvider.
func (c *CachedSchema) Columns(ctx context.Context, table string) (ColumnSet, error) {
	if c.ttl <= 0 {
		return c.next.Columns(ctx, table)
	}

	c.mu.Lock()
	e, ok := c.entries[table]
	c.mu.Unlock()
	if ok && c.now().Before(e.expires) {
		return e.cols, nil
	}

	cols, err := c.next.Columns(ctx, table)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[table] = schemaEntry{cols: cols, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return cols, nil
}

// Invalidate drops the cached entry for table.
func (c *CachedSchema) Invalidate(table string) {
	c.mu.Lock()
	delete(c.entries, table)
	c.mu.Unlock()
}
