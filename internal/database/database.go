// Package database opens the two PostgreSQL handles the service uses: a
// pgx pool for bulk row inserts and an instrumented database/sql handle for
// the ledger.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/JonMunkholm/scanfeed/internal/config"
)

var sqlOpen = sql.Open

// PoolConfig parses the database URL and applies the pool limits from c.
func PoolConfig(c config.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(c.MaxConns)
	poolConfig.MinConns = int32(c.MinConns)
	poolConfig.MaxConnLifetime = c.MaxConnLifetime
	poolConfig.MaxConnIdleTime = c.MaxConnIdleTime
	return poolConfig, nil
}

// NewPool connects a pgx pool and verifies it with a ping.
func NewPool(ctx context.Context, c config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := PoolConfig(c)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	slog.Info("connected to database", "name", Name(c.URL), "max_conns", c.MaxConns)
	return pool, nil
}

// NewLedgerDB opens a database/sql handle over the pgx stdlib driver,
// wrapped by otelsql so ledger queries show up in traces.
func NewLedgerDB(ctx context.Context, c config.DatabaseConfig) (*sql.DB, error) {
	driverName, err := otelsql.Register("pgx",
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
		otelsql.WithSQLCommenter(true),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sqlOpen(driverName, c.URL)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}

	if c.LedgerMaxOpenConns > 0 {
		db.SetMaxOpenConns(c.LedgerMaxOpenConns)
		db.SetMaxIdleConns(c.LedgerMaxOpenConns)
	}
	if c.MaxConnLifetime > 0 {
		db.SetConnMaxLifetime(c.MaxConnLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	return db, nil
}

// Name returns the database name from a connection URL, or "".
func Name(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}
