// This file implements a PostgreSQL-backed store for sessions and users.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var postgresQueries = sqlQueries{
	insertSession:  `INSERT INTO sessions (thread_id, owner_id, patient, created_at) VALUES ($1, $2, $3::jsonb, $4) ON CONFLICT (thread_id) DO NOTHING`,
	selectSession:  `SELECT thread_id, owner_id, patient, created_at FROM sessions WHERE thread_id = $1`,
	sessionExists:  `SELECT 1 FROM sessions WHERE thread_id = $1 FOR SHARE`,
	selectTurns:    `SELECT role, content FROM turns WHERE thread_id = $1 ORDER BY id`,
	insertTurn:     `INSERT INTO turns (thread_id, role, content) VALUES ($1, $2, $3)`,
	listSessions:   `SELECT thread_id, patient FROM sessions WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`,
	insertUser:     `INSERT INTO users (user_id, username, password_hash, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
	selectUserName: `SELECT user_id, username, password_hash, created_at FROM users WHERE username = $1`,
}

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(ctx context.Context, opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		return nil, err
	}

	if _, err := db.ExecContext(ctx, postgresMigrations); err != nil {
		db.Close()
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")

	return &PostgresStore{sqlStore: sqlStore{db: db, q: postgresQueries, backend: BackendPostgres}}, nil
}

// clear removes all rows; used by tests against a shared database.
func (s *PostgresStore) clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE turns, sessions, users`)
	return err
}
