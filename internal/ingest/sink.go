package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxBindParams is the PostgreSQL limit on parameters in one statement.
const maxBindParams = 65535

// PostgresSink inserts batches with multi-row INSERT statements, one
// transaction per batch.
//
// Values are bound as text so the server converts them to each column's
// type. COPY would need Go values matching every column type up front.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink returns a RowSink backed by pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// InsertBatch implements RowSink.
func (s *PostgresSink) InsertBatch(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, chunk := range chunkRows(rows, len(columns)) {
		query, args := buildInsert(table, columns, chunk)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return classifyPgError(table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// chunkRows splits rows so no statement exceeds maxBindParams.
func chunkRows(rows [][]any, width int) [][][]any {
	per := len(rows)
	if width > 0 && per*width > maxBindParams {
		per = maxBindParams / width
	}
	if per < 1 {
		per = 1
	}

	chunks := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// buildInsert renders INSERT INTO "t" ("a","b") VALUES ($1,$2),($3,$4)...
// and flattens the arguments in the same order.
func buildInsert(table string, columns []string, rows [][]any) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(pgx.Identifier{table}.Sanitize())
	sb.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(pgx.Identifier{c}.Sanitize())
	}
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	n := 1
	for r, row := range rows {
		if r > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for i := range columns {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++

			var v any
			if i < len(row) {
				v = row[i]
			}
			args = append(args, v)
		}
		sb.WriteByte(')')
	}
	return sb.String(), args
}

// classifyPgError maps undefined_table (42P01) to ErrSchema.
func classifyPgError(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("%w: %s: %s", ErrSchema, table, pgErr.Message)
	}
	return fmt.Errorf("insert into %s: %w", table, err)
}
