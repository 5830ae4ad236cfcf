package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaji/internal/gate"
	"github.com/ashita-ai/kaji/internal/playbook"
	"github.com/ashita-ai/kaji/internal/ratelimit"
	"github.com/ashita-ai/kaji/internal/registry"
	"github.com/ashita-ai/kaji/internal/router"
	"github.com/ashita-ai/kaji/internal/session"
	"github.com/ashita-ai/kaji/internal/storage"
)

// Server is the Kaji HTTP server.
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
// Optional fields (nil-safe): DB, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Router    *router.Router
	Registry  *registry.Registry
	Gate      *gate.Gate
	Playbooks *playbook.Library
	Sessions  session.Store
	Status    StatusFunc
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	DB        *storage.DB
	Limiter   ratelimit.Limiter
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
		DB:        cfg.DB,
		Router:    cfg.Router,
		Registry:  cfg.Registry,
		Gate:      cfg.Gate,
		Playbooks: cfg.Playbooks,
		Sessions:  cfg.Sessions,
		Status:    cfg.Status,
		Logger:    cfg.Logger,
		Version:   cfg.Version,
		MaxBody:   cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Conversation messages are limited per conversation so one noisy
	// channel cannot starve the rest; everything else is limited by IP.
	messageRL := ratelimit.Middleware(cfg.Limiter, conversationKeyFunc, reqIDFunc)
	eventRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Conversation routing.
	mux.Handle("POST /v1/conversations/{conversation_id}/messages", messageRL(http.HandlerFunc(h.HandleMessage)))
	mux.HandleFunc("DELETE /v1/conversations/{conversation_id}/session", h.HandleCancelSession)

	// Instance polling.
	mux.HandleFunc("GET /v1/instances/{instance_id}", h.HandleGetInstance)

	// Template registry.
	mux.HandleFunc("POST /v1/templates", h.HandleRegisterTemplate)
	mux.HandleFunc("GET /v1/templates", h.HandleListTemplates)
	mux.HandleFunc("GET /v1/templates/{template_id}", h.HandleGetTemplate)

	// Event ingestion (rate limited by IP).
	mux.Handle("POST /v1/events", eventRL(http.HandlerFunc(h.HandleEvent)))

	// Playbooks.
	mux.HandleFunc("GET /v1/playbooks", h.HandleListPlaybooks)
	mux.HandleFunc("POST /v1/playbooks/reload", h.HandleReloadPlaybooks)

	// Approvals.
	mux.HandleFunc("GET /v1/approvals", h.HandleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{request_id}/grant", h.HandleGrantApproval)
	mux.HandleFunc("POST /v1/approvals/{request_id}/reject", h.HandleRejectApproval)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
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

// conversationKeyFunc buckets message traffic per conversation, falling back
// to the client IP when the path carries no conversation ID.
func conversationKeyFunc(r *http.Request) string {
	if id := r.PathValue("conversation_id"); id != "" {
		return "conv:" + id
	}
	return ratelimit.IPKeyFunc(r)
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
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
