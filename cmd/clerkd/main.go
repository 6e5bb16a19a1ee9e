package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clerkhq/clerk/internal/config"
	"github.com/clerkhq/clerk/internal/engine"
	"github.com/clerkhq/clerk/internal/llm"
	"github.com/clerkhq/clerk/internal/ratelimit"
	"github.com/clerkhq/clerk/internal/server"
	"github.com/clerkhq/clerk/internal/service/embedding"
	"github.com/clerkhq/clerk/internal/storage"
	"github.com/clerkhq/clerk/internal/telemetry"
	"github.com/clerkhq/clerk/internal/tool"
	"github.com/clerkhq/clerk/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CLERK_LOG_LEVEL") == "debug" {
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
	if cfg.OpenAIAPIKey == "" {
		return fmt.Errorf("config: OPENAI_API_KEY is required")
	}

	slog.Info("clerk starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and run migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Runs left in the running state belong to a previous process; no
	// goroutine will ever finish them.
	if n, err := db.SweepStaleRunning(ctx); err != nil {
		slog.Warn("stale run sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("stale runs marked failed", "count", n)
	}

	// Model backend and embedding provider share the OpenAI key; the
	// embedding cache is content-addressed and shared across runs.
	backend := llm.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.Model, logger)
	embedder := embedding.NewCachedProvider(
		embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions),
		db, logger,
	)

	augmenter := engine.NewAugmenter(embedder, cfg.AugmentThreshold, cfg.ChunkSize,
		cfg.ChunkOverlap, cfg.AugmentTopK, logger)

	tools, closeTools, err := buildToolRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTools()

	eng := engine.New(db, backend, augmenter, tools, engine.Config{
		ToolRoundCap:    cfg.ToolRoundCap,
		EvalTimeout:     cfg.EvalTimeout,
		EventBufferSize: cfg.EventBufferSize,
	}, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		m := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = m.Close() }()
		limiter = m
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.Config{
		DB:                  db,
		Engine:              eng,
		Logger:              logger,
		RateLimiter:         limiter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting requests and drain in-flight
	// streams. Run goroutines finish their current step and persist it;
	// anything still running at the next start is swept to failed.
	slog.Info("clerk shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("clerk stopped")
	return nil
}

// buildToolRegistry registers the built-in web tools and, when
// configured, the tools of an external MCP server. The returned close
// function shuts down the MCP subprocess; call it on exit.
func buildToolRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*tool.Registry, func(), error) {
	closeTools := func() {}

	registry := tool.NewRegistry()
	if err := registry.Register(tool.NewReadURL()); err != nil {
		return nil, nil, fmt.Errorf("tools: %w", err)
	}
	if err := registry.Register(tool.NewJinaReader()); err != nil {
		return nil, nil, fmt.Errorf("tools: %w", err)
	}

	if cfg.MCPCommand != "" {
		parts := strings.Fields(cfg.MCPCommand)
		mcpClient, err := tool.NewMCPClient(ctx, parts[0], os.Environ(), parts[1:]...)
		if err != nil {
			return nil, nil, fmt.Errorf("mcp: %w", err)
		}
		closeTools = func() {
			if err := mcpClient.Close(); err != nil {
				logger.Warn("mcp client close", "error", err)
			}
		}
		mcpTools, err := mcpClient.Tools(ctx)
		if err != nil {
			closeTools()
			return nil, nil, fmt.Errorf("mcp: %w", err)
		}
		for _, t := range mcpTools {
			if err := registry.Register(t); err != nil {
				logger.Warn("mcp tool skipped", "tool", t.Name(), "error", err)
			}
		}
		logger.Info("mcp tools registered", "command", parts[0], "count", len(mcpTools))
	}

	logger.Info("tool registry ready", "tools", registry.Names())
	return registry, closeTools, nil
}
