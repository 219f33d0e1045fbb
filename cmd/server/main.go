package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/JonMunkholm/scanfeed/internal/config"
	"github.com/JonMunkholm/scanfeed/internal/database"
	"github.com/JonMunkholm/scanfeed/internal/ingest"
	"github.com/JonMunkholm/scanfeed/internal/ledger/postgres"
	"github.com/JonMunkholm/scanfeed/internal/logging"
	"github.com/JonMunkholm/scanfeed/internal/telemetry"
	"github.com/JonMunkholm/scanfeed/internal/watch"
	"github.com/JonMunkholm/scanfeed/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	if err := run(cfg); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown error", "error", err)
		}
	}()

	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	ledgerDB, err := database.NewLedgerDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer ledgerDB.Close()

	if err := database.Migrate(ctx, ledgerDB); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := watch.NewMetrics(registry)
	if err != nil {
		return err
	}

	archiver, err := watch.NewArchiver(ctx, cfg.Archive)
	if err != nil {
		return err
	}

	pipeline := ingest.NewPipeline(
		ingest.NewCachedSchema(ingest.NewPostgresSchema(pool), cfg.Ingest.SchemaCacheTTL),
		ingest.NewPostgresSink(pool),
		ingest.Options{BatchSize: cfg.Ingest.BatchSize, SniffBytes: cfg.Ingest.SniffBytes},
	)

	wakers := watch.IntervalWakers(cfg.Watch.PollInterval)
	if cfg.Watch.FSNotify {
		wakers = watch.NotifyWakers(cfg.Watch.PollInterval, watch.DefaultDebounce)
	}

	manager := watch.NewManager(
		postgres.NewFolders(ledgerDB),
		postgres.NewLedger(ledgerDB),
		pipeline,
		watch.Options{
			Extension:        cfg.Watch.FileExtension,
			ErrorLogInterval: cfg.Watch.ErrorLogInterval,
			Lister:           watch.DirLister{},
			Archiver:         archiver,
			Limiter:          watch.NewSlotLimiter(cfg.Ingest.MaxConcurrent, cfg.Ingest.MaxWait),
			Metrics:          metrics,
			Wakers:           wakers,
		},
	)

	if cfg.Watch.FoldersFile != "" {
		if err := manager.Bootstrap(ctx, cfg.Watch.FoldersFile); err != nil {
			slog.Error("some folders from the folders file were not registered", "error", err)
		}
	}

	// Recover watchers for every active folder; one bad folder does not
	// keep the rest from running.
	if err := manager.StartAll(ctx); err != nil {
		slog.Error("some watchers failed to start", "error", err)
	}

	server, err := web.NewServer(cfg.Server, web.Deps{
		Watchers: manager,
		Ingester: pipeline,
		Health: map[string]web.HealthCheck{
			"database": pool.Ping,
			"ledger":   ledgerDB.PingContext,
		},
		Registry: registry,
	})
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down...", "signal", sig.String())
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			manager.Shutdown()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	// In-flight files finish; watchers exit at their next stop check.
	manager.Shutdown()
	if err := manager.Wait(shutdownCtx); err != nil {
		slog.Warn("watchers did not stop in time", "error", err)
	} else {
		slog.Info("all watchers stopped")
	}
	return nil
}
