package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/driveline-ai/driveline/internal/ratelimit"
)

// Server is the Driveline HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, Pinger, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Progress   ProgressStore
	Results    ResultStore
	Researcher Researcher
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Broker    *Broker
	Pinger    Pinger
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Progress:            cfg.Progress,
		Results:             cfg.Results,
		Researcher:          cfg.Researcher,
		Broker:              cfg.Broker,
		Pinger:              cfg.Pinger,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules, keyed by client IP.
	researchRL := ratelimit.Middleware(cfg.Limiter, "research", ratelimit.IPKeyFunc, reqIDFunc)
	searchRL := ratelimit.Middleware(cfg.Limiter, "search", ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Research runs. Starting a run fans out to the agent service, so it
	// carries the tightest limit.
	mux.Handle("POST /research", researchRL(http.HandlerFunc(h.HandleStartResearch)))
	mux.Handle("GET /research/stream", researchRL(http.HandlerFunc(h.HandleResearchStream)))

	// Progress tracking. The PATCH surface is what external workers use
	// to drive runs they manage themselves.
	mux.HandleFunc("POST /research-progress", h.HandleCreateProgress)
	mux.HandleFunc("GET /research-progress", h.HandleListProgress)
	mux.HandleFunc("GET /research-progress/{researchId}", h.HandleGetProgress)
	mux.HandleFunc("PATCH /research-progress/{researchId}", h.HandlePatchProgress)

	// Live progress subscription (no rate limit — long-lived connection).
	mux.HandleFunc("GET /research-progress/{researchId}/events", h.HandleProgressEvents)

	// Saved results.
	mux.Handle("POST /research-results/search", searchRL(http.HandlerFunc(h.HandleSearchResults)))
	mux.HandleFunc("GET /research-results/stats", h.HandleResultStats)
	mux.HandleFunc("GET /research-results/by-status/{status}", h.HandleResultsByStatus)
	mux.HandleFunc("GET /research-results/by-date-range", h.HandleResultsByDateRange)
	mux.HandleFunc("GET /research-results/{id}", h.HandleGetResult)
	mux.HandleFunc("PATCH /research-results/{id}/tags", h.HandleUpdateResultTags)
	mux.HandleFunc("DELETE /research-results/{id}", h.HandleDeleteResult)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
