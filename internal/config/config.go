// Package config provides centralized configuration management for the service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Watch     WatchConfig
	Ingest    IngestConfig
	Archive   ArchiveConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds settings for the operational HTTP surface.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response (default: 0, drains can be slow)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including waiting for watchers (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 2)
	MinConns int `env:"DB_MIN_CONNS" default:"2"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// LedgerMaxOpenConns caps the database/sql handle used by the ledger (default: 10)
	LedgerMaxOpenConns int `env:"DB_LEDGER_MAX_OPEN_CONNS" default:"10"`
}

// WatchConfig holds folder watcher settings.
type WatchConfig struct {
	// PollInterval is the sleep between poll cycles (default: 5s)
	PollInterval time.Duration `env:"WATCH_POLL_INTERVAL" default:"5s"`

	// FileExtension selects the files a watcher considers (default: .csv)
	FileExtension string `env:"WATCH_FILE_EXTENSION" default:".csv"`

	// FSNotify wakes watchers early on filesystem events (default: false)
	FSNotify bool `env:"WATCH_FSNOTIFY" default:"false"`

	// ErrorLogInterval limits how often a repeatedly failing file is logged at error level (default: 5m)
	ErrorLogInterval time.Duration `env:"WATCH_ERROR_LOG_INTERVAL" default:"5m"`

	// FoldersFile is an optional YAML file of folders to register at startup
	FoldersFile string `env:"FOLDERS_FILE"`
}

// IngestConfig holds CSV ingestion settings.
type IngestConfig struct {
	// BatchSize is the number of rows per committed batch (default: 500)
	BatchSize int `env:"INGEST_BATCH_SIZE" default:"500"`

	// SniffBytes is the prefix size used for encoding detection (default: 64KiB)
	SniffBytes int64 `env:"INGEST_SNIFF_BYTES" default:"65536"`

	// SchemaCacheTTL is how long destination column sets are cached (default: 1m)
	SchemaCacheTTL time.Duration `env:"INGEST_SCHEMA_CACHE_TTL" default:"1m"`

	// MaxConcurrent bounds simultaneous file ingestions across all watchers (default: 0, unlimited)
	MaxConcurrent int `env:"INGEST_MAX_CONCURRENT" default:"0"`

	// MaxWait is how long a watcher waits for an ingest slot before retrying next cycle (default: 10s)
	MaxWait time.Duration `env:"INGEST_MAX_WAIT" default:"10s"`
}

// ArchiveConfig holds settings for archiving processed files.
type ArchiveConfig struct {
	// Mode is one of: none, dir, minio (default: dir)
	Mode string `env:"ARCHIVE_MODE" default:"dir"`

	// DirName is the per-folder archive subdirectory for mode=dir (default: done)
	DirName string `env:"ARCHIVE_DIR_NAME" default:"done"`

	// Endpoint is the S3-compatible endpoint for mode=minio
	Endpoint string `env:"ARCHIVE_ENDPOINT"`

	// AccessKey is the object storage access key for mode=minio
	AccessKey string `env:"ARCHIVE_ACCESS_KEY"`

	// SecretKey is the object storage secret key for mode=minio
	SecretKey string `env:"ARCHIVE_SECRET_KEY"`

	// Bucket is the destination bucket for mode=minio
	Bucket string `env:"ARCHIVE_BUCKET"`

	// UseSSL enables TLS to the object storage endpoint (default: false)
	UseSSL bool `env:"ARCHIVE_USE_SSL" default:"false"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// TelemetryConfig holds OpenTelemetry tracing settings.
type TelemetryConfig struct {
	// Enabled turns on the OTLP trace exporter (default: false)
	Enabled bool `env:"OTEL_ENABLED" default:"false"`

	// ServiceName is reported as service.name (default: scanfeed)
	ServiceName string `env:"OTEL_SERVICE_NAME" default:"scanfeed"`

	// Protocol is the OTLP protocol: grpc or http/protobuf (default: grpc)
	Protocol string `env:"OTEL_EXPORTER_OTLP_PROTOCOL" default:"grpc"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
