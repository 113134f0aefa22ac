// Package api exposes the PatientSim HTTP API: chat turns, session listing,
// registration and login, plus static serving of the single-page client.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/BTreeMap/PatientSim/internal/auth"
	"github.com/BTreeMap/PatientSim/internal/flow"
	"github.com/BTreeMap/PatientSim/internal/models"
)

const (
	// DefaultAddr matches the port the web client expects.
	DefaultAddr = ":5000"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// ChatService runs chat turns and lists sessions.
type ChatService interface {
	HandleTurn(ctx context.Context, req flow.TurnRequest) (flow.TurnResult, error)
	ListSessions(ctx context.Context, ownerID string) ([]models.SessionSummary, error)
}

// AuthService registers users, logs them in and verifies tokens.
type AuthService interface {
	Register(ctx context.Context, username, password string) (models.User, error)
	Login(ctx context.Context, username, password string) (auth.LoginResult, error)
	Verify(token string) (*auth.Claims, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr         string
	StaticDir    string
	RequireAuth  bool
	StoreBackend string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStaticDir serves the web client from dir.
func WithStaticDir(dir string) Option {
	return func(o *Opts) { o.StaticDir = dir }
}

// WithRequireAuth makes a bearer token mandatory on /chat and /sessions.
func WithRequireAuth(require bool) Option {
	return func(o *Opts) { o.RequireAuth = require }
}

// WithStoreBackend sets the backend name reported by /healthz.
func WithStoreBackend(name string) Option {
	return func(o *Opts) { o.StoreBackend = name }
}

// Server is the HTTP front end.
type Server struct {
	chat   ChatService
	auth   AuthService
	opts   Opts
	engine *gin.Engine
}

// NewServer builds the server and its routes.
func NewServer(chat ChatService, authSvc AuthService, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, StoreBackend: "unknown"}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{chat: chat, auth: authSvc, opts: cfg}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(), gin.CustomRecovery(func(c *gin.Context, recovered any) {
		slog.Error("Server: panic while handling request", "path", c.Request.URL.Path, "panic", recovered)
		writeJSONResponse(c, http.StatusInternalServerError, models.Error(internalErrorMessage))
		c.Abort()
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:   []string{"Content-Length", requestIDHeader},
		MaxAge:          12 * time.Hour,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.GET("/healthz", s.healthHandler)
	r.POST("/register", s.registerHandler)
	r.POST("/login", s.loginHandler)

	authed := r.Group("/", s.authenticate())
	authed.POST("/chat", s.chatHandler)
	authed.GET("/sessions/:user_id", s.sessionsHandler)

	if s.opts.StaticDir != "" {
		r.NoRoute(staticHandler(s.opts.StaticDir))
	} else {
		r.NoRoute(func(c *gin.Context) {
			writeJSONResponse(c, http.StatusNotFound, models.Error("not found"))
		})
	}
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr, "static", s.opts.StaticDir != "", "requireAuth", s.opts.RequireAuth)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}
