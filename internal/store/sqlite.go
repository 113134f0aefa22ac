// This file implements an SQLite-backed store for sessions and users.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDSNParams enables foreign keys and waits on locks instead of failing.
	sqliteDSNParams = "_foreign_keys=on&_busy_timeout=5000"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var sqliteQueries = sqlQueries{
	insertSession:  `INSERT INTO sessions (thread_id, owner_id, patient, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(thread_id) DO NOTHING`,
	selectSession:  `SELECT thread_id, owner_id, patient, created_at FROM sessions WHERE thread_id = ?`,
	sessionExists:  `SELECT 1 FROM sessions WHERE thread_id = ?`,
	selectTurns:    `SELECT role, content FROM turns WHERE thread_id = ? ORDER BY id`,
	insertTurn:     `INSERT INTO turns (thread_id, role, content) VALUES (?, ?, ?)`,
	listSessions:   `SELECT thread_id, patient FROM sessions WHERE owner_id = ? ORDER BY created_at DESC, id DESC`,
	insertUser:     `INSERT INTO users (user_id, username, password_hash, created_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
	selectUserName: `SELECT user_id, username, password_hash, created_at FROM users WHERE username = ?`,
}

// SQLiteStore is a Store backed by a single SQLite file.
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(ctx context.Context, opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDSNParams
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		return nil, err
	}

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		db.Close()
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied", "path", path)

	return &SQLiteStore{
		sqlStore: sqlStore{db: db, q: sqliteQueries, backend: BackendSQLite},
		path:     path,
	}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }
