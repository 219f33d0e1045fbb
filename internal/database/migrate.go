package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

type migrationStep struct {
	Name string
	SQL  string
}

// steps create the ledger tables. Destination tables are managed elsewhere.
var steps = []migrationStep{
	{
		Name: "create_table_folders",
		SQL: `CREATE TABLE IF NOT EXISTS folders (
  id          BIGSERIAL   PRIMARY KEY,
  path        TEXT        NOT NULL UNIQUE,
  active      BOOLEAN     NOT NULL DEFAULT true,
  scanner_id  TEXT        NOT NULL,
  table_name  TEXT        NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`,
	},
	{
		Name: "create_table_processed_files",
		SQL: `CREATE TABLE IF NOT EXISTS processed_files (
  id          BIGSERIAL     PRIMARY KEY,
  folder_id   BIGINT        NOT NULL REFERENCES folders (id) ON DELETE CASCADE,
  filename    TEXT          NOT NULL,
  full_path   TEXT          NOT NULL,
  processed   BOOLEAN       NOT NULL DEFAULT false,
  error       VARCHAR(1024),
  mtime       TIMESTAMPTZ,
  created_at  TIMESTAMPTZ   NOT NULL DEFAULT now(),
  UNIQUE (folder_id, full_path)
);`,
	},
	{
		Name: "create_index_processed_files_pending",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_processed_files_folder_processed ON processed_files (folder_id, processed);`,
	},
}

// Migrate applies the ledger schema. Every step is idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	start := time.Now()

	for _, step := range steps {
		stepStart := time.Now()
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			slog.Error("migration step failed", "step", step.Name, "error", err)
			return fmt.Errorf("migration step %s: %w", step.Name, err)
		}
		slog.Debug("migration step applied", "step", step.Name, "duration", time.Since(stepStart))
	}

	slog.Info("ledger schema ready", "steps", len(steps), "duration", time.Since(start))
	return nil
}
