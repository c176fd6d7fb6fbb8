// Package database opens the two data stores the daemon relies on: the
// Postgres pool for recipe records and the local SQLite file that backs the
// durable upload queue.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"
)

// ConnectPostgres opens a pgx connection pool using the provided DSN.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureRecipeSchema creates the recipe media table if needed. Having the
// migration in code keeps the stack self-contained for docker-compose.
func EnsureRecipeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS recipe_media (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	object_key TEXT NOT NULL,
	content_type TEXT,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recipe_media_owner ON recipe_media(owner_id);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure recipe schema: %w", err)
	}
	return nil
}

// OpenQueueDB opens (creating if necessary) the SQLite file holding queue
// state. WAL mode keeps the single-writer flusher from blocking readers.
func OpenQueueDB(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbFile := filepath.Join(dataDir, "uploadqueue.db")
	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}
	// Best effort; the store still works in rollback-journal mode.
	_, _ = db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`)
	return db, nil
}
