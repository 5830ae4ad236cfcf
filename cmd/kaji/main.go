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

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kaji/internal/collab"
	"github.com/ashita-ai/kaji/internal/config"
	"github.com/ashita-ai/kaji/internal/executor"
	"github.com/ashita-ai/kaji/internal/extract"
	"github.com/ashita-ai/kaji/internal/gate"
	"github.com/ashita-ai/kaji/internal/llm"
	"github.com/ashita-ai/kaji/internal/mcp"
	"github.com/ashita-ai/kaji/internal/model"
	"github.com/ashita-ai/kaji/internal/playbook"
	"github.com/ashita-ai/kaji/internal/policy"
	"github.com/ashita-ai/kaji/internal/ratelimit"
	"github.com/ashita-ai/kaji/internal/registry"
	"github.com/ashita-ai/kaji/internal/router"
	"github.com/ashita-ai/kaji/internal/search"
	"github.com/ashita-ai/kaji/internal/server"
	"github.com/ashita-ai/kaji/internal/service/embedding"
	"github.com/ashita-ai/kaji/internal/session"
	"github.com/ashita-ai/kaji/internal/storage"
	"github.com/ashita-ai/kaji/internal/telemetry"
	"github.com/ashita-ai/kaji/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KAJI_LOG_LEVEL") == "debug" {
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

	slog.Info("kaji starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)

	// Run migrations. RunMigrations tracks applied files in schema_migrations
	// and skips duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create embedding provider.
	embedder := newEmbeddingProvider(cfg, logger)

	// Initialize Qdrant template index (optional — disabled if QDRANT_URL is empty).
	var searcher search.Searcher
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		searcher = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL), template matching unavailable")
	}

	// Template registry (shared by HTTP and MCP handlers).
	reg := registry.New(db, searcher, embedder, logger)

	// LLM client for parameter extraction.
	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, llm.WithLogger(logger))
	extractor := extract.NewExtractor(llmClient, logger)

	// Collaborating agents for declarative prompts and agentic tasks.
	if cfg.KnowledgeURL == "" {
		logger.Warn("KAJI_KNOWLEDGE_URL not set, declarative prompts will fail")
	}
	if cfg.AlgorithmURL == "" {
		logger.Warn("KAJI_ALGORITHM_URL not set, agentic tasks will fail")
	}
	knowledge := collab.NewHTTPKnowledge(cfg.KnowledgeURL, cfg.KnowledgeTimeout)
	algorithm := collab.NewHTTPAlgorithm(cfg.AlgorithmURL, cfg.AlgorithmTimeout)

	// Playbook library and policy engine.
	playbooks := playbook.NewLibrary(cfg.PlaybookDir, logger)
	if specs, err := playbooks.LoadAll(); err != nil {
		logger.Warn("playbook load failed", "dir", cfg.PlaybookDir, "error", err)
	} else {
		logger.Info("playbooks loaded", "count", len(specs), "dir", cfg.PlaybookDir)
	}
	engine := policy.NewEngine(playbooks, logger)

	// Approval gate and the sink feeding it from completed executions.
	g := gate.New(db, engine, logger)
	sink := gate.NewSink(g)

	// Executor running template pipelines detached from request contexts.
	exec := executor.New(db, knowledge, algorithm, sink, cfg.ExecutionTimeout, logger)

	// In-memory conversation sessions.
	sessions := session.NewMemoryStore()
	defer func() { _ = sessions.Close() }()

	// Conversation router.
	rt := router.New(reg, extractor, sessions, exec, logger)

	// MCP server (mounted at /mcp).
	mcpStatus := func(ctx context.Context, id uuid.UUID) (model.InstanceStatusView, error) {
		return exec.Status(ctx, id)
	}
	mcpSrv := mcp.New(rt, reg, g, playbooks, mcpStatus, logger)

	// Rate limiter for inbound messages and events.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_second", cfg.RateLimitPerSecond, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Router:    rt,
		Registry:  reg,
		Gate:      g,
		Playbooks: playbooks,
		Sessions:  sessions,
		Status: func(r *http.Request, id uuid.UUID) (model.InstanceStatusView, error) {
			return exec.Status(r.Context(), id)
		},
		Logger:              logger,
		DB:                  db,
		Limiter:             limiter,
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

	// Graceful shutdown. Draining HTTP first lets in-flight messages hand
	// their executions off; detached executions keep running until the
	// process exits or their timeout fires.
	slog.Info("kaji shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	slog.Info("kaji stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when KAJI_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (template matching disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		// Auto-detect: prefer Ollama (on-premises, no cost), then OpenAI, else noop.
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (template matching disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
