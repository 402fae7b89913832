package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/repo-ranger/internal/agent"
	"github.com/ashureev/repo-ranger/internal/api"
	"github.com/ashureev/repo-ranger/internal/audit"
	"github.com/ashureev/repo-ranger/internal/config"
	"github.com/ashureev/repo-ranger/internal/events"
	"github.com/ashureev/repo-ranger/internal/gateway"
	"github.com/ashureev/repo-ranger/internal/ingest"
	"github.com/ashureev/repo-ranger/internal/middleware"
	"github.com/ashureev/repo-ranger/internal/pipeline"
	"github.com/ashureev/repo-ranger/internal/prompt"
	"github.com/ashureev/repo-ranger/internal/sandbox"
	"github.com/ashureev/repo-ranger/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Starting server", "port", cfg.Port, "backend", cfg.AgentBackend)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The gateway cannot run without a writable sandbox.
	sandboxRoot, err := sandbox.CheckRoot(cfg.SandboxRoot)
	if err != nil {
		return fmt.Errorf("sandbox root unusable: %w", err)
	}
	slog.Info("Sandbox ready", "root", sandboxRoot)

	instructions, err := prompt.LoadInstructions(cfg.InstructionsPath)
	if err != nil {
		return err
	}

	var ledger store.AuditLog = store.NopAudit{}
	if cfg.AuditDBPath != "" {
		sqlite, err := store.NewSQLiteAudit(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize audit database: %w", err)
		}
		ledger = sqlite
		if err := ledger.Ping(ctx); err != nil {
			return fmt.Errorf("audit database health check failed: %w", err)
		}
		slog.Info("Audit database connected", "path", cfg.AuditDBPath)
	}
	defer func() {
		if closeErr := ledger.Close(); closeErr != nil {
			slog.Error("Failed to close audit database", "error", closeErr)
		}
	}()

	convlog, err := audit.NewConversationLogger(cfg.ConversationLog, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := convlog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	analyst, developer, err := buildCapabilities(ctx, cfg, logger)
	if err != nil {
		return err
	}
	agents := agent.NewService(analyst, developer, cfg.AgentTimeout, logger)
	defer agents.Close()
	slog.Info("Agents ready", "analyst", analyst.Name(), "developer", developer.Name(), "timeout", cfg.AgentTimeout)

	sessions := store.NewMemory()
	hub := events.NewHub(events.DefaultBuffer, logger)
	p, err := pipeline.New(pipeline.Deps{
		Sessions:    sessions,
		Injector:    prompt.NewInjector(instructions, cfg.HistoryWindow, cfg.HistoryBudget),
		Agents:      agents,
		Gateway:     gateway.New(cfg.MaxWriteBytes, logger),
		SandboxRoot: sandboxRoot,
		Ingester: ingest.New(ingest.Config{
			WorkspaceDir: cfg.WorkspaceDir,
			LocalRoot:    cfg.IngestLocalRoot,
			MaxBytes:     cfg.IngestMaxBytes,
		}, logger),
		Audit:        ledger,
		Conversation: convlog,
		Hub:          hub,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	var limiter *middleware.RateLimiter
	var limit func(http.Handler) http.Handler
	if cfg.RateLimitRequests > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
		limit = limiter.Middleware
	}

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	api.NewHealthHandler(ledger, sessions).RegisterHealth(r)
	api.NewSessionHandler(p, events.NewWebSocketHandler(hub, originPatterns(cfg.AllowedOrigins))).RegisterRoutes(r, limit)

	// No WriteTimeout: agent calls and event streams are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	if cfg.SessionIdleTTL <= 0 {
		slog.Warn("Session store is unbounded; sessions are kept until the process exits. Set SESSION_IDLE_TTL to evict idle sessions.")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return store.RunReaper(gctx, sessions, cfg.SessionIdleTTL, 0, p.SessionEvicted)
	})
	if limiter != nil {
		g.Go(func() error { return limiter.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}

// buildCapabilities creates the Analyst and Developer capabilities for the
// configured backend.
func buildCapabilities(ctx context.Context, cfg *config.Config, logger *slog.Logger) (agent.Capability, agent.Capability, error) {
	switch cfg.AgentBackend {
	case config.BackendGemini:
		analyst, err := agent.NewGemini(ctx, cfg.GeminiAPIKey, cfg.AnalystModel)
		if err != nil {
			return nil, nil, err
		}
		return analyst, analyst.WithModel(cfg.DeveloperModel), nil
	case config.BackendGRPC:
		remote, err := agent.NewRemote(cfg.AgentAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return remote, remote, nil
	case config.BackendScripted:
		slog.Warn("Using offline scripted agents; replies are rule-based")
		offline := agent.NewOffline()
		return offline, offline, nil
	}
	return nil, nil, fmt.Errorf("unknown agent backend %q", cfg.AgentBackend)
}

// originPatterns converts allowed origins into websocket host patterns.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}
