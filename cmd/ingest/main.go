// Command ingest loads CSV files outside the watcher loop.
//
//	ingest -table line1_scans -source line1 a.csv b.csv
//	ingest -folder 3
//
// The first form loads the named files into a table without touching the
// ledger. The second drains a registered folder once, newest file included,
// recording every file in the ledger as the watcher would. The folder must
// be deactivated first so no server watcher is working it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/scanfeed/internal/config"
	"github.com/JonMunkholm/scanfeed/internal/database"
	"github.com/JonMunkholm/scanfeed/internal/ingest"
	"github.com/JonMunkholm/scanfeed/internal/ledger"
	"github.com/JonMunkholm/scanfeed/internal/ledger/postgres"
	"github.com/JonMunkholm/scanfeed/internal/logging"
	"github.com/JonMunkholm/scanfeed/internal/watch"
)

func main() {
	table := flag.String("table", "", "destination table")
	source := flag.String("source", "", "source identifier written to scanner_id")
	folderID := flag.Int64("folder", 0, "drain this registered folder instead of loading files")
	flag.Parse()

	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if *folderID == 0 && (*table == "" || *source == "" || flag.NArg() == 0) {
		fmt.Fprintln(os.Stderr, "usage: ingest -table T -source S FILE... | ingest -folder ID")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *folderID, *table, *source, flag.Args()); err != nil {
		slog.Error("ingest failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, folderID int64, table, source string, files []string) error {
	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	pipeline := ingest.NewPipeline(
		ingest.NewPostgresSchema(pool),
		ingest.NewPostgresSink(pool),
		ingest.Options{BatchSize: cfg.Ingest.BatchSize, SniffBytes: cfg.Ingest.SniffBytes},
	)

	if folderID != 0 {
		return drain(ctx, cfg, pipeline, folderID)
	}

	var failed int
	for _, path := range files {
		// Signals stop the run between files, never inside one.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := pipeline.Ingest(context.WithoutCancel(ctx), path, table, source)
		if err != nil {
			failed++
			slog.Error("file failed", "file", path, "committed_rows", ingest.CommittedRows(err), "error", err)
			continue
		}
		slog.Info("file loaded", "file", path, "rows", rows)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(files))
	}
	return nil
}

func drain(ctx context.Context, cfg *config.Config, pipeline *ingest.Pipeline, folderID int64) error {
	db, err := database.NewLedgerDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	folders := postgres.NewFolders(db)
	if err := ensureInactive(ctx, folders, folderID); err != nil {
		return err
	}

	archiver, err := watch.NewArchiver(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	mgr := watch.NewManager(folders, postgres.NewLedger(db), pipeline, watch.Options{
		Extension: cfg.Watch.FileExtension,
		Archiver:  archiver,
	})

	res, err := mgr.DrainAndStop(ctx, folderID)
	slog.Info("folder drained",
		"folder_id", folderID,
		"ingested", res.Ingested,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"rows", res.Rows,
	)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d files failed", res.Failed)
	}
	return nil
}

// ensureInactive refuses to drain a folder that a server may still be
// watching: its newest file could be half written, and the live watcher
// could pick up the same files.
func ensureInactive(ctx context.Context, folders ledger.FolderStore, folderID int64) error {
	folder, err := folders.Get(ctx, folderID)
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", watch.ErrFolderNotFound, folderID)
	}
	if err != nil {
		return fmt.Errorf("failed to load folder %d: %w", folderID, err)
	}
	if folder.Active {
		return fmt.Errorf("folder %d (%s) is active; deactivate it first with POST /folders/%d/deactivate",
			folderID, folder.Path, folderID)
	}
	return nil
}
