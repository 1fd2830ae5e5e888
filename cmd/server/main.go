// Conversational ingestor server.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/ingestor-core/internal/agent"
	"github.com/ashureev/ingestor-core/internal/api"
	"github.com/ashureev/ingestor-core/internal/chat"
	"github.com/ashureev/ingestor-core/internal/config"
	"github.com/ashureev/ingestor-core/internal/extract"
	"github.com/ashureev/ingestor-core/internal/middleware"
	"github.com/ashureev/ingestor-core/internal/retention"
	"github.com/ashureev/ingestor-core/internal/session"
	"github.com/ashureev/ingestor-core/internal/shared"
	"github.com/ashureev/ingestor-core/internal/store"
	"github.com/ashureev/ingestor-core/internal/trigger"
	"github.com/ashureev/ingestor-core/internal/turn"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "extractor", cfg.Extract.Kind)

	pipeline, err := config.LoadPipeline(cfg.PipelinePath)
	if err != nil {
		slog.Error("Failed to load pipeline", "error", err, "path", cfg.PipelinePath)
		os.Exit(1)
	}
	registry, err := pipeline.Registry()
	if err != nil {
		slog.Error("Invalid agent registry", "error", err)
		os.Exit(1)
	}
	engine, err := pipeline.Engine()
	if err != nil {
		slog.Error("Invalid validation rules", "error", err)
		os.Exit(1)
	}
	slog.Info("Pipeline loaded", "agents", registry.Len(), "steps", len(engine.Steps()))

	// Initialize dependencies.
	repo, err := openRepository(cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	sessions := session.NewStore(repo,
		session.WithLogger(logger),
		session.WithSteps(pipeline.Steps()),
	)

	// Agent transports and invoker.
	grpcTransport := agent.NewGrpcTransport(agent.DefaultGrpcTransportConfig(), logger)
	router := agent.NewRouter(agent.NewHTTPTransport(), grpcTransport)

	checkGrpcAgents(grpcTransport, registry)

	invoker := agent.NewInvoker(sessions, router, agent.Config{
		Workers:        cfg.Agent.Workers,
		QueueSize:      cfg.Agent.QueueSize,
		DefaultTimeout: cfg.Agent.Timeout,
		Retry: shared.Backoff{
			MaxAttempts: cfg.Agent.MaxRetries,
			BaseDelay:   cfg.Agent.RetryBaseDelay,
			MaxDelay:    10 * time.Second,
		},
	}, logger)

	scheduler := trigger.NewScheduler(sessions, registry, invoker, trigger.Policy{
		RetryFailed: cfg.Agent.RetryFailed,
		MaxAttempts: cfg.Agent.MaxAttempts,
	}, logger)
	invoker.SetEvaluator(scheduler)

	recovered, err := invoker.Recover(context.Background())
	if err != nil {
		slog.Error("Failed to recover pending agents", "error", err)
		os.Exit(1)
	}
	slog.Info("Agent invoker started", "workers", cfg.Agent.Workers, "recovered", recovered)

	// Conversation.
	extractor, err := newExtractor(cfg, pipeline, router)
	if err != nil {
		slog.Error("Failed to initialize extractor", "error", err)
		os.Exit(1)
	}
	turns := turn.NewProcessor(sessions, extractor, engine, scheduler, turn.Config{
		ExtractTimeout: cfg.Extract.Timeout,
		Responses:      pipeline.Responses,
	}, logger)

	hub := chat.NewHub(cfg.SSE.ReplaySize, logger)
	go hub.Run(invoker.Events())

	streams := chat.NewHandler(sessions, turns, hub, chat.Config{
		RetryDelay:        cfg.SSE.RetryDelay,
		KeepaliveInterval: cfg.SSE.KeepaliveInterval,
		AllowedOrigins:    cfg.CORSOrigins,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window)

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, invoker, cfg.Timeout.HealthCheck)
	sessionHandler := api.NewSessionHandler(api.Deps{
		Sessions:  sessions,
		Turns:     turns,
		Structure: engine,
		Agents:    scheduler,
		Events:    hub,
		Streams:   streams,
		TurnLimit: middleware.RateLimit(limiter),
		Logger:    logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	if cfg.Retention.TTL > 0 {
		sweeper := retention.NewSweeper(repo, cfg.Retention.TTL, cfg.Retention.Interval, logger,
			sessions.Forget,
			streams.Forget,
		)
		sweeper.Start(ctx)
		slog.Info("Retention sweeper started", "session_ttl", cfg.Retention.TTL, "interval", cfg.Retention.Interval)
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// In-flight agents stay PENDING and are recovered on the next start.
	invoker.Close()
	grpcTransport.Close()

	slog.Info("Server stopped successfully", "agents", invoker.Stats())
}

// checkGrpcAgents dials every grpc:// agent once at startup. An unreachable
// agent is logged, not fatal: its calls fail and are recorded per agent.
func checkGrpcAgents(transport *agent.GrpcTransport, registry *trigger.Registry) {
	for _, reg := range registry.All() {
		if !strings.HasPrefix(reg.Endpoint, "grpc://") {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := transport.WaitReady(ctx, reg.Endpoint); err != nil {
			slog.Warn("gRPC agent not ready", "agent", reg.Name, "endpoint", reg.Endpoint, "error", err)
		} else {
			slog.Info("gRPC agent ready", "agent", reg.Name)
		}
		cancel()
	}
}

func openRepository(cfg *config.Config) (store.Repository, error) {
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("Using Postgres store")
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	}
	slog.Info("Using SQLite store", "path", cfg.DBPath)
	return store.NewSQLite(cfg.DBPath)
}

func newExtractor(cfg *config.Config, pipeline *config.Pipeline, caller extract.Caller) (extract.Extractor, error) {
	llm := func(apiKey, model string) func(*extract.LLMOptions) {
		return func(o *extract.LLMOptions) {
			o.APIKey = apiKey
			if model != "" {
				o.Model = model
			}
			o.Intents = pipeline.Intents()
			o.Fields = pipeline.Fields()
		}
	}

	switch cfg.Extract.Kind {
	case config.ExtractorKeyword:
		return pipeline.Keyword()
	case config.ExtractorRemote:
		return extract.NewRemote(caller, cfg.Extract.Endpoint), nil
	case config.ExtractorAnthropic:
		return extract.NewAnthropic(llm(cfg.Extract.AnthropicAPIKey, cfg.Extract.AnthropicModel)), nil
	case config.ExtractorOpenAI:
		return extract.NewOpenAI(llm(cfg.Extract.OpenAIAPIKey, cfg.Extract.OpenAIModel)), nil
	}
	return nil, fmt.Errorf("unknown extractor %q", cfg.Extract.Kind)
}
