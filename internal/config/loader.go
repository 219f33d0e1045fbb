package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load builds a Config from the environment, applying `default` tags and
// failing on any unset `required` variable or invalid value.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := populate(reflect.ValueOf(cfg).Elem(), os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// populate fills the tagged fields of v, descending into section structs.
// lookup is os.LookupEnv outside tests.
func populate(v reflect.Value, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf, fv := t.Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sf.Type.Kind() == reflect.Struct {
			if err := populate(fv, lookup); err != nil {
				return err
			}
			continue
		}

		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}

		raw, ok := firstSet(lookup, name, sf.Tag.Get("envAlt"))
		if !ok {
			if sf.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", name)
			}
			raw = sf.Tag.Get("default")
		}
		if raw == "" {
			continue
		}

		if err := assign(fv, raw); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, raw, err)
		}
	}
	return nil
}

// firstSet returns the first non-empty value among the named variables.
func firstSet(lookup func(string) (string, bool), names ...string) (string, bool) {
	for _, n := range names {
		if n == "" {
			continue
		}
		if v, ok := lookup(n); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// assign parses raw into a string, bool, integer or duration field.
func assign(fv reflect.Value, raw string) error {
	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	default:
		return fmt.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}
	if c.Database.LedgerMaxOpenConns <= 0 {
		errs = append(errs, "DB_LEDGER_MAX_OPEN_CONNS must be positive")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Watch validation
	if c.Watch.PollInterval <= 0 {
		errs = append(errs, "WATCH_POLL_INTERVAL must be positive")
	}
	if !strings.HasPrefix(c.Watch.FileExtension, ".") || len(c.Watch.FileExtension) < 2 {
		errs = append(errs, fmt.Sprintf("WATCH_FILE_EXTENSION (%q) must look like .csv", c.Watch.FileExtension))
	}
	if c.Watch.ErrorLogInterval < 0 {
		errs = append(errs, "WATCH_ERROR_LOG_INTERVAL must be non-negative")
	}

	// Ingest validation
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, "INGEST_BATCH_SIZE must be positive")
	}
	if c.Ingest.SniffBytes < 512 {
		errs = append(errs, "INGEST_SNIFF_BYTES must be at least 512")
	}
	if c.Ingest.SchemaCacheTTL < 0 {
		errs = append(errs, "INGEST_SCHEMA_CACHE_TTL must be non-negative")
	}
	if c.Ingest.MaxConcurrent < 0 {
		errs = append(errs, "INGEST_MAX_CONCURRENT must be non-negative")
	}
	if c.Ingest.MaxConcurrent > 0 && c.Ingest.MaxWait <= 0 {
		errs = append(errs, "INGEST_MAX_WAIT must be positive when INGEST_MAX_CONCURRENT is set")
	}

	// Archive validation
	switch strings.ToLower(c.Archive.Mode) {
	case "none":
	case "dir":
		if c.Archive.DirName == "" || strings.ContainsAny(c.Archive.DirName, `/\`) {
			errs = append(errs, fmt.Sprintf("ARCHIVE_DIR_NAME (%q) must be a plain directory name", c.Archive.DirName))
		}
	case "minio":
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			errs = append(errs, "ARCHIVE_ENDPOINT and ARCHIVE_BUCKET are required when ARCHIVE_MODE=minio")
		}
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			errs = append(errs, "ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY are required when ARCHIVE_MODE=minio")
		}
	default:
		errs = append(errs, fmt.Sprintf("ARCHIVE_MODE (%q) must be one of: none, dir, minio", c.Archive.Mode))
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	// Telemetry validation
	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http/protobuf":
		default:
			errs = append(errs, fmt.Sprintf("OTEL_EXPORTER_OTLP_PROTOCOL (%q) must be grpc or http/protobuf", c.Telemetry.Protocol))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs and storage secrets are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Watch: {PollInterval: %s, FileExtension: %q, FSNotify: %v}, ",
		c.Watch.PollInterval, c.Watch.FileExtension, c.Watch.FSNotify))
	b.WriteString(fmt.Sprintf("Ingest: {BatchSize: %d, SniffBytes: %d, MaxConcurrent: %d}, ",
		c.Ingest.BatchSize, c.Ingest.SniffBytes, c.Ingest.MaxConcurrent))
	b.WriteString(fmt.Sprintf("Archive: {Mode: %q, DirName: %q, Bucket: %q, SecretKey: [MASKED]}, ",
		c.Archive.Mode, c.Archive.DirName, c.Archive.Bucket))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
