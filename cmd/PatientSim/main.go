package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/PatientSim/internal/api"
	"github.com/BTreeMap/PatientSim/internal/auth"
	"github.com/BTreeMap/PatientSim/internal/casegen"
	"github.com/BTreeMap/PatientSim/internal/flow"
	"github.com/BTreeMap/PatientSim/internal/genai"
	"github.com/BTreeMap/PatientSim/internal/lockfile"
	"github.com/BTreeMap/PatientSim/internal/store"
	"github.com/BTreeMap/PatientSim/internal/util"
)

// Default configuration constants
const (
	// DefaultAPIKeys is used when GROQ_API_KEYS is unset; requests then fail
	// upstream and every turn degrades to the fallback reply.
	DefaultAPIKeys = "dummy"
	// DefaultRotation is the key rotation strategy.
	DefaultRotation = "random"
)

func main() {
	loadDotEnv()
	initializeLogger(os.Getenv("LOG_LEVEL"))

	if err := newRootCmd(loadEnvironmentConfig()).Execute(); err != nil {
		slog.Error("PatientSim failed to run", "error", err)
		os.Exit(1)
	}
}

// Config holds environment configuration
type Config struct {
	APIKeys        string
	Rotation       string
	GenAIBaseURL   string
	GenAIModel     string
	GenAITimeout   time.Duration
	DatabaseURL    string
	RedisAddr      string
	ContinuityMode string
	JWTSecret      string
	APIAddr        string
	StaticDir      string
	CaseConfig     string
	RequireAuth    bool
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// initializeLogger installs a text handler at the given level (default info).
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig reads configuration from environment variables.
func loadEnvironmentConfig() Config {
	config := Config{
		APIKeys:        util.GetEnvOrDefault("GROQ_API_KEYS", DefaultAPIKeys),
		Rotation:       util.GetEnvOrDefault("ROTATION", DefaultRotation),
		GenAIBaseURL:   util.GetEnvOrDefault("GENAI_BASE_URL", genai.DefaultBaseURL),
		GenAIModel:     util.GetEnvOrDefault("GENAI_MODEL", genai.DefaultModel),
		GenAITimeout:   util.ParseDurationEnv("GENAI_TIMEOUT", genai.DefaultTimeout),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisAddr:      strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		ContinuityMode: strings.ToLower(strings.TrimSpace(os.Getenv("CONTINUITY_MODE"))),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		APIAddr:        util.GetEnvOrDefault("API_ADDR", api.DefaultAddr),
		StaticDir:      strings.TrimSpace(os.Getenv("STATIC_DIR")),
		CaseConfig:     strings.TrimSpace(os.Getenv("CASE_CONFIG")),
		RequireAuth:    util.ParseBoolEnv("REQUIRE_AUTH", false),
	}

	// A Redis address alone selects Redis continuity.
	if config.ContinuityMode == "" && config.RedisAddr != "" {
		config.ContinuityMode = flow.ModeRedis
	}
	if config.ContinuityMode == "" {
		config.ContinuityMode = flow.ModeMemory
	}

	slog.Debug("environment variables loaded",
		"GROQ_API_KEYS_COUNT", len(util.SplitList(config.APIKeys)),
		"ROTATION", config.Rotation,
		"GENAI_BASE_URL", config.GenAIBaseURL,
		"GENAI_MODEL", config.GenAIModel,
		"GENAI_TIMEOUT", config.GenAITimeout,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR", config.RedisAddr,
		"CONTINUITY_MODE", config.ContinuityMode,
		"JWT_SECRET_SET", config.JWTSecret != "",
		"API_ADDR", config.APIAddr,
		"STATIC_DIR", config.StaticDir,
		"CASE_CONFIG", config.CaseConfig,
		"REQUIRE_AUTH", config.RequireAuth)

	return config
}

// newRootCmd builds the CLI. Flags default to the environment values in config.
func newRootCmd(config Config) *cobra.Command {
	cfg := config
	root := &cobra.Command{
		Use:           "PatientSim",
		Short:         "Virtual patient training server",
		Long:          "PatientSim serves simulated patients that medical trainees interview over a chat API.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.APIKeys, "api-keys", cfg.APIKeys, "comma separated LLM API keys (overrides $GROQ_API_KEYS)")
	flags.StringVar(&cfg.Rotation, "rotation", cfg.Rotation, "API key rotation: random or round-robin (overrides $ROTATION)")
	flags.StringVar(&cfg.GenAIBaseURL, "genai-base-url", cfg.GenAIBaseURL, "OpenAI-compatible endpoint (overrides $GENAI_BASE_URL)")
	flags.StringVar(&cfg.GenAIModel, "genai-model", cfg.GenAIModel, "chat model name (overrides $GENAI_MODEL)")
	flags.DurationVar(&cfg.GenAITimeout, "genai-timeout", cfg.GenAITimeout, "per-request LLM timeout (overrides $GENAI_TIMEOUT)")
	flags.StringVar(&cfg.CaseConfig, "case-config", cfg.CaseConfig, "YAML case generation settings (overrides $CASE_CONFIG)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	sf := serve.Flags()
	sf.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	sf.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "PostgreSQL URL or SQLite path; empty keeps data in memory (overrides $DATABASE_URL)")
	sf.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for conversation continuity (overrides $REDIS_ADDR)")
	sf.StringVar(&cfg.ContinuityMode, "continuity", cfg.ContinuityMode, "continuity mode: memory, redis or replay (overrides $CONTINUITY_MODE)")
	sf.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "token signing secret (overrides $JWT_SECRET)")
	sf.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "directory with index.html and assets (overrides $STATIC_DIR)")
	sf.BoolVar(&cfg.RequireAuth, "require-auth", cfg.RequireAuth, "require a bearer token on /chat and /sessions (overrides $REQUIRE_AUTH)")

	generate := &cobra.Command{
		Use:   "case",
		Short: "Generate one patient case and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildGenAIClient(cfg)
			if err != nil {
				return fmt.Errorf("failed to create LLM client: %w", err)
			}
			gen, err := buildGenerator(cfg, client)
			if err != nil {
				return err
			}
			return printCase(cmd.Context(), gen, cmd.OutOrStdout())
		},
	}

	root.AddCommand(serve, generate)
	return root
}

// buildGenAIClient constructs the shared LLM client.
func buildGenAIClient(cfg Config) (*genai.Client, error) {
	keys := util.SplitList(cfg.APIKeys)
	return genai.NewClient(
		genai.WithRotator(genai.NewRotator(cfg.Rotation, keys)),
		genai.WithBaseURL(cfg.GenAIBaseURL),
		genai.WithModel(cfg.GenAIModel),
		genai.WithTimeout(cfg.GenAITimeout),
	)
}

// buildGenerator constructs the case generator, reading settings from
// cfg.CaseConfig when set.
func buildGenerator(cfg Config, client genai.ClientInterface) (*casegen.Generator, error) {
	settings := casegen.DefaultSettings()
	if cfg.CaseConfig != "" {
		var err error
		if settings, err = casegen.LoadSettings(cfg.CaseConfig); err != nil {
			return nil, fmt.Errorf("failed to load case settings: %w", err)
		}
	}
	return casegen.NewGenerator(client, settings), nil
}

type caseGenerator interface {
	Generate(ctx context.Context) casegen.Result
}

// printCase generates a case and writes it, indented, to w.
func printCase(ctx context.Context, gen caseGenerator, w io.Writer) error {
	res := gen.Generate(ctx)
	if res.Degraded {
		slog.Warn("printCase: generation failed, printing the default case", "error", res.Err)
	}
	out, err := json.MarshalIndent(res.Case, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// buildCheckpointer selects the continuity backend. Redis that cannot be
// reached falls back to memory.
func buildCheckpointer(ctx context.Context, cfg Config, sessions store.SessionStore) (flow.Checkpointer, func()) {
	switch cfg.ContinuityMode {
	case flow.ModeReplay:
		return flow.NewReplayCheckpointer(sessions), func() {}
	case flow.ModeRedis:
		cp, err := flow.NewRedisCheckpointer(ctx, cfg.RedisAddr)
		if err == nil {
			return cp, func() { cp.Close() }
		}
		slog.Warn("buildCheckpointer: Redis unavailable, conversation memory will not survive restarts", "error", err, "addr", cfg.RedisAddr)
	case flow.ModeMemory:
	default:
		slog.Warn("buildCheckpointer: unknown continuity mode, using memory", "mode", cfg.ContinuityMode)
	}
	return flow.NewMemoryCheckpointer(), func() {}
}

// acquireStoreLock locks the directory of a SQLite database. Other backends
// need no lock and get a nil release.
func acquireStoreLock(cfg Config) (*lockfile.Lock, error) {
	if store.DetectDSNType(cfg.DatabaseURL) != "sqlite3" {
		return nil, nil
	}
	return lockfile.Acquire(filepath.Dir(cfg.DatabaseURL), cfg.APIAddr)
}

// buildServer wires every component and returns the server with a cleanup func.
func buildServer(ctx context.Context, cfg Config) (*api.Server, func(), error) {
	lock, err := acquireStoreLock(cfg)
	if err != nil {
		return nil, nil, err
	}

	st := store.Open(ctx, cfg.DatabaseURL)

	client, err := buildGenAIClient(cfg)
	if err != nil {
		st.Close()
		lock.Release()
		return nil, nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	gen, err := buildGenerator(cfg, client)
	if err != nil {
		st.Close()
		lock.Release()
		return nil, nil, err
	}

	cp, closeCP := buildCheckpointer(ctx, cfg, st)
	executor := flow.NewTurnExecutor(st, gen, client,
		flow.WithCheckpointer(cp),
		flow.WithRequireOwner(cfg.RequireAuth),
	)
	authSvc := auth.NewService(st, cfg.JWTSecret)

	srv := api.NewServer(executor, authSvc,
		api.WithAddr(cfg.APIAddr),
		api.WithStaticDir(cfg.StaticDir),
		api.WithRequireAuth(cfg.RequireAuth),
		api.WithStoreBackend(st.Backend()),
	)

	cleanup := func() {
		closeCP()
		if err := st.Close(); err != nil {
			slog.Warn("buildServer: failed to close store", "error", err)
		}
		if err := lock.Release(); err != nil {
			slog.Warn("buildServer: failed to release lock", "error", err)
		}
	}

	slog.Debug("Final configuration", "store", st.Backend(), "continuity", executor.Mode(), "model", client.Model(), "api_addr", cfg.APIAddr)
	return srv, cleanup, nil
}

func runServer(ctx context.Context, cfg Config) error {
	gin.SetMode(gin.ReleaseMode)

	slog.Info("Bootstrapping PatientSim with configured modules")
	srv, cleanup, err := buildServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	slog.Info("PatientSim exited successfully")
	return nil
}
