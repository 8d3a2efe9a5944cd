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
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/halcyon-ai/vigil/internal/config"
	"github.com/halcyon-ai/vigil/internal/llm"
	"github.com/halcyon-ai/vigil/internal/mcp"
	"github.com/halcyon-ai/vigil/internal/service/alerting"
	"github.com/halcyon-ai/vigil/internal/service/arbiter"
	"github.com/halcyon-ai/vigil/internal/service/collector"
	"github.com/halcyon-ai/vigil/internal/service/learning"
	"github.com/halcyon-ai/vigil/internal/service/pipeline"
	"github.com/halcyon-ai/vigil/internal/service/registry"
	"github.com/halcyon-ai/vigil/internal/storage"
	"github.com/halcyon-ai/vigil/internal/telemetry"
	"github.com/halcyon-ai/vigil/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("VIGIL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// Logs always go to stderr: the stdio transport owns stdout.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
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

	slog.Info("vigil starting", "version", version, "transport", cfg.MCPTransport)

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

	// Register connection pool OTEL metrics (after telemetry.Init).
	db.RegisterPoolMetrics()

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	provider := newProvider(cfg, logger)

	reg := registry.New(db)
	col := collector.New(reg, provider, cfg.AssessModel, cfg.AssessFanOut, cfg.InvokeTimeout, logger)
	arb := arbiter.New(provider, cfg.ArbiterModel, cfg.InvokeTimeout, logger)
	ls := learning.New(db, reg, logger)
	pl := pipeline.New(db, col, arb, ls, pipeline.Options{
		BatchFanOut:   cfg.BatchFanOut,
		InsertRetries: cfg.InsertRetries,
		ScoreValidity: cfg.ScoreValidity,
	}, logger)

	// Background sweeps: stale-assessment alerts and score expiry.
	sweeper := alerting.NewSweeper(db, logger)
	go staleSweepLoop(ctx, db, sweeper, logger, cfg.StaleSweepInterval)
	go expirySweepLoop(ctx, sweeper, logger, cfg.ExpirySweepInterval)

	// Consume alert notifications when a notify connection is configured.
	// The channel also serves external LISTEN consumers; this loop gives
	// operators a log line per alert without polling.
	if db.HasNotifyConn() {
		go alertNotifyLoop(ctx, db, logger)
	} else {
		logger.Info("alert notify listener: disabled (no notify connection)")
	}

	mcpSrv := mcp.New(db, pl, ls, logger)

	switch cfg.MCPTransport {
	case "http":
		return serveHTTP(ctx, mcpSrv, cfg.Port, logger)
	default:
		return serveStdio(ctx, mcpSrv)
	}
}

// newProvider picks the chat completion provider. Without an API key the
// static provider keeps the server functional for local smoke testing,
// returning a fixed midline assessment for every call.
func newProvider(cfg config.Config, logger *slog.Logger) llm.Provider {
	if cfg.LLMAPIKey == "" {
		logger.Warn("no VIGIL_LLM_API_KEY set, using static provider (assessments will not be real)")
		return llm.NewStaticProvider(`{"score": 50, "confidence": 0.5, "rationale": "static provider, no model configured"}`)
	}
	logger.Info("llm provider: openai-compatible",
		"base_url", cfg.LLMBaseURL, "assess_model", cfg.AssessModel, "arbiter_model", cfg.ArbiterModel)
	return llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMAPIKey)
}

func serveStdio(ctx context.Context, srv *mcp.Server) error {
	// ServeStdio blocks until stdin closes or the context is cancelled.
	err := mcpserver.ServeStdio(srv.MCPServer(), mcpserver.WithStdioContextFunc(
		func(context.Context) context.Context { return ctx },
	))
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio serve: %w", err)
	}
	return nil
}

func serveHTTP(ctx context.Context, srv *mcp.Server, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(srv.MCPServer()))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("vigil shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	slog.Info("vigil stopped")
	return nil
}

// staleSweepLoop raises stale_assessment alerts for every active scope on
// a fixed interval. Test scopes are swept too, filtered to their own rows,
// so test scenarios exercise the same path production does.
func staleSweepLoop(ctx context.Context, db *storage.DB, sweeper *alerting.Sweeper, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scopes, err := db.ActiveScopes(ctx, storage.TestFilter{IncludeTest: true})
			if err != nil {
				logger.Warn("stale sweep: list scopes failed", "error", err)
				continue
			}
			now := time.Now().UTC()
			for _, scope := range scopes {
				f := storage.TestFilter{}
				if scope.IsTest {
					f = storage.TestFilter{IncludeTest: true, ScenarioID: scope.TestScenarioID}
				}
				if _, err := sweeper.StaleSweep(ctx, scope, now, f); err != nil {
					logger.Warn("stale sweep failed", "error", err, "scope", scope.Name)
				}
			}
		}
	}
}

func alertNotifyLoop(ctx context.Context, db *storage.DB, logger *slog.Logger) {
	if err := db.Listen(ctx, storage.ChannelAlerts); err != nil {
		logger.Warn("alert listen failed", "error", err)
		return
	}
	for {
		channel, payload, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("alert notification wait failed", "error", err)
			return
		}
		logger.Info("alert raised", "channel", channel, "alert", payload)
	}
}

func expirySweepLoop(ctx context.Context, sweeper *alerting.Sweeper, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.ExpirySweep(ctx, time.Now().UTC()); err != nil {
				logger.Warn("expiry sweep failed", "error", err)
			}
		}
	}
}
