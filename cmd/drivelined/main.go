package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/driveline-ai/driveline/internal/agent"
	"github.com/driveline-ai/driveline/internal/config"
	"github.com/driveline-ai/driveline/internal/mcp"
	"github.com/driveline-ai/driveline/internal/ratelimit"
	"github.com/driveline-ai/driveline/internal/server"
	"github.com/driveline-ai/driveline/internal/service/research"
	"github.com/driveline-ai/driveline/internal/storage"
	"github.com/driveline-ai/driveline/internal/telemetry"
	"github.com/driveline-ai/driveline/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("DRIVELINE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("driveline starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Agent service client.
	agentClient := agent.New(cfg.AgentServiceURL, cfg.AgentTimeout)

	// Research orchestrator.
	orchestrator := research.New(db, db, agentClient, logger, research.Options{
		RunTimeout:        cfg.RunTimeout,
		MaxConcurrentRuns: int64(cfg.MaxConcurrentRuns),
	})

	// SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
		go broker.Start(ctx)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitPerSecond, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server, mounted at /mcp by the HTTP server.
	mcpSrv := mcp.New(orchestrator, db, db, logger)

	srv := server.New(server.ServerConfig{
		Progress:            db,
		Results:             db,
		Researcher:          orchestrator,
		Logger:              logger,
		Limiter:             limiter,
		Broker:              broker,
		Pinger:              db,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting new HTTP requests and drain
	// in-flight ones. In-flight research runs keep writing progress until
	// the pool closes; unfinished runs resume as stale aggregates that
	// pollers can still read.
	slog.Info("driveline shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	return nil
}
