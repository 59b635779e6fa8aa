// Package database provides the embedded SQLite client and migration
// utilities.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 driver for database/sql
)

// FileName is the database file name inside the data directory.
const FileName = "ralpher.db"

// Client wraps the SQLite connection.
type Client struct {
	db   *sql.DB
	path string
}

// DB returns the underlying connection for the stores and health checks.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Path returns the database file path.
func (c *Client) Path() string {
	return c.path
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.db.Close()
}

// Open opens (creating if needed) the database at <dataDir>/ralpher.db and
// applies pending migrations. WAL mode, a 5s busy timeout, and foreign key
// enforcement are set via the DSN so they apply to every connection in the
// pool.
func Open(ctx context.Context, dataDir string) (*Client, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	path := filepath.Join(dataDir, FileName)

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn between the persistence ticker and request handlers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db, path: path}, nil
}

// Reset drops all application tables in dependency order and re-applies the
// migrations, leaving an empty but fully-migrated database.
func (c *Client) Reset(ctx context.Context) error {
	for _, table := range []string{
		"review_comments",
		"backend_sessions",
		"loops",
		"workspaces",
		"preferences",
		"schema_migrations",
	} {
		if _, err := c.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("dropping %s: %w", table, err)
		}
	}
	if err := runMigrations(c.db); err != nil {
		return fmt.Errorf("failed to re-run migrations: %w", err)
	}
	return nil
}

// Destroy closes the connection and removes the database file along with its
// WAL and shared-memory companions. The caller reopens with Open afterwards.
func (c *Client) Destroy() error {
	if err := c.db.Close(); err != nil {
		return err
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(c.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", c.path+suffix, err)
		}
	}
	return nil
}
