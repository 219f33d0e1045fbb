// Package ingest loads scanner CSV files into destination tables.
//
// A Pipeline runs one file at a time through encoding detection, header
// mapping and batched inserts:
//
//	file -> DetectEncoding -> decoder -> csv.Reader -> ColumnMapper -> Batcher -> RowSink
//
// Each batch is committed on its own. When a batch fails, earlier batches
// stay in the table and the returned *IngestError says how many rows they
// hold.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/JonMunkholm/scanfeed/internal/logging"
)

// DefaultSniffBytes is the prefix size read for encoding detection when
// Options.SniffBytes is not set.
const DefaultSniffBytes = 64 * 1024

var tracer = otel.Tracer("github.com/JonMunkholm/scanfeed/internal/ingest")

// Options tunes a Pipeline.
type Options struct {
	BatchSize  int
	SniffBytes int64
}

// Pipeline ingests CSV files. It holds no per-file state and is safe for
// concurrent use.
type Pipeline struct {
	schema     SchemaProvider
	sink       RowSink
	batchSize  int
	sniffBytes int64
}

// NewPipeline builds a Pipeline over the given schema provider and sink.
func NewPipeline(schema SchemaProvider, sink RowSink, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.SniffBytes <= 0 {
		opts.SniffBytes = DefaultSniffBytes
	}
	return &Pipeline{
		schema:     schema,
		sink:       sink,
		batchSize:  opts.BatchSize,
		sniffBytes: opts.SniffBytes,
	}
}

// Ingest loads filePath into table, tagging every row with sourceID and
// the file path. It returns the number of rows inserted.
//
// Errors: ErrNotFound when the file is missing, ErrSchema when the table
// is missing or lacks the system columns, *IngestError for anything that
// fails once reading has started. Decoding problems are logged, never
// returned.
func (p *Pipeline) Ingest(ctx context.Context, filePath, table, sourceID string) (int64, error) {
	if logging.IngestID(ctx) == "" {
		ctx = logging.WithIngestID(ctx, uuid.NewString())
	}
	ctx, span := tracer.Start(ctx, "ingest.file")
	defer span.End()
	span.SetAttributes(
		attribute.String("ingest.path", filePath),
		attribute.String("ingest.table", table),
		attribute.String("ingest.scanner_id", sourceID),
	)

	log := logging.WithFields(ctx, "path", filePath, "table", table)

	rows, err := p.ingest(ctx, log, filePath, table, sourceID)
	span.SetAttributes(attribute.Int64("ingest.rows", rows))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rows, err
}

func (p *Pipeline) ingest(ctx context.Context, log *slog.Logger, filePath, table, sourceID string) (int64, error) {
	start := time.Now()

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, filePath)
		}
		return 0, &IngestError{Path: filePath, Table: table, Err: fmt.Errorf("open: %w", err)}
	}
	defer f.Close()

	det, err := p.detect(f)
	if err != nil {
		return 0, &IngestError{Path: filePath, Table: table, Err: err}
	}
	if !det.Confident {
		log.Warn("encoding guessed",
			"warning", DecodeWarning{Encoding: det.Encoding, Reason: "no BOM and sample is not valid UTF-8"}.Error())
	}

	cols, err := p.schema.Columns(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", filePath, err)
	}

	counter := &countingReader{r: f}
	dec := newDecoder(counter, det)

	r := csv.NewReader(dec)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			err = errors.New("empty file: no header row")
		}
		return 0, &IngestError{Path: filePath, Table: table, Err: fmt.Errorf("read header: %w", err)}
	}

	mapper, err := NewColumnMapper(header, cols)
	if err != nil {
		return 0, fmt.Errorf("ingest %s: %w", filePath, err)
	}
	if dropped := mapper.Dropped(); len(dropped) > 0 {
		log.Debug("csv columns dropped", "columns", dropped)
	}

	sys := SystemValues{ScannerID: sourceID, CSVPath: filePath}
	batcher := NewBatcher(p.sink, table, mapper.Columns(), p.batchSize)

	fail := func(err error) (int64, error) {
		ie := &IngestError{Path: filePath, Table: table, Committed: batcher.Committed(), Err: err}
		var be *BatchError
		if errors.As(err, &be) {
			ie.Batch = be.Batch
		}
		return ie.Committed, ie
	}

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("parse csv: %w", err))
		}
		if isBlank(record) {
			continue
		}
		if err := batcher.Add(ctx, mapper.Map(record, sys)); err != nil {
			return fail(err)
		}
	}
	if err := batcher.Flush(ctx); err != nil {
		return fail(err)
	}

	if n := dec.Substituted(); n > 0 {
		log.Warn("invalid bytes replaced",
			"warning", DecodeWarning{Encoding: det.Encoding, Reason: "invalid byte sequences", Substituted: n}.Error())
	}

	log.Info("file ingested",
		"rows", batcher.Committed(),
		"batches", batcher.Batches(),
		"encoding", string(det.Encoding),
		"bytes", counter.n,
		"duration", time.Since(start),
	)
	return batcher.Committed(), nil
}

// detect reads the sniff prefix and rewinds f.
func (p *Pipeline) detect(f *os.File) (Detection, error) {
	sample := make([]byte, p.sniffBytes)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Detection{}, fmt.Errorf("read sample: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Detection{}, fmt.Errorf("rewind: %w", err)
	}
	return DetectEncoding(sample[:n]), nil
}
