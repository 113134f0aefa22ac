// Package store provides storage backends for PatientSim.
//
// It persists conversation sessions with their transcripts and registered
// trainee accounts. Backends are in-memory, SQLite and PostgreSQL; callers only
// see the Store interface.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/PatientSim/internal/models"
)

// Backend names reported by Store.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var (
	// ErrSessionExists is returned by CreateSession when the thread already has a session.
	ErrSessionExists = errors.New("session already exists")
	// ErrNotFound is returned when appending to a thread that has no session.
	ErrNotFound = errors.New("session not found")
)

// SessionStore persists conversation sessions.
type SessionStore interface {
	// CreateSession stores a new session. It is atomic on the thread ID:
	// when a session already exists it returns ErrSessionExists and changes nothing.
	CreateSession(ctx context.Context, s models.Session) error
	// GetSession returns the session with its full transcript, or nil if absent.
	GetSession(ctx context.Context, threadID string) (*models.Session, error)
	// AppendTurns appends records to the transcript in order.
	AppendTurns(ctx context.Context, threadID string, turns ...models.TurnRecord) error
	// ListSessions returns the owner's sessions, newest first.
	ListSessions(ctx context.Context, ownerID string) ([]models.SessionSummary, error)
}

// UserStore persists trainee accounts.
type UserStore interface {
	// CreateUser stores a new account, or returns models.ErrUsernameTaken.
	CreateUser(ctx context.Context, u models.User) error
	// GetUserByUsername returns the account, or nil if absent.
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// Store is the full persistence capability used by the server.
type Store interface {
	SessionStore
	UserStore
	Backend() string
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports the driver for a DSN: "postgres" for PostgreSQL URLs
// and key/value strings, "sqlite3" for file paths, "" for an empty DSN.
func DetectDSNType(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return ""
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname="):
		return "postgres"
	default:
		return "sqlite3"
	}
}

// Open returns the store selected by dsn. An empty DSN, or a backend that
// cannot be opened, yields the in-memory store; the failure is logged and not
// returned, so the server can still start.
func Open(ctx context.Context, dsn string) Store {
	var (
		s   Store
		err error
	)
	switch DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("store.Open: detected PostgreSQL DSN")
		s, err = NewPostgresStore(ctx, WithPostgresDSN(dsn))
	case "sqlite3":
		slog.Debug("store.Open: detected SQLite DSN", "path", dsn)
		s, err = NewSQLiteStore(ctx, WithSQLiteDSN(dsn))
	default:
		slog.Info("store.Open: no database configured, using in-memory store")
		return NewInMemoryStore()
	}
	if err != nil {
		slog.Warn("store.Open: backend unavailable, falling back to in-memory store", "error", err)
		return NewInMemoryStore()
	}
	slog.Info("store.Open: store ready", "backend", s.Backend())
	return s
}
