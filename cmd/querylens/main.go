// querylens server — runs the HTTP API, the saga stage workers, and the
// knowledge base ingestion consumer in one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/querylens/querylens/pkg/agent"
	"github.com/querylens/querylens/pkg/api"
	"github.com/querylens/querylens/pkg/bus"
	"github.com/querylens/querylens/pkg/config"
	"github.com/querylens/querylens/pkg/database"
	"github.com/querylens/querylens/pkg/kb"
	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/orchestrator"
	"github.com/querylens/querylens/pkg/registry"
	"github.com/querylens/querylens/pkg/saga"
	"github.com/querylens/querylens/pkg/vector"
	"github.com/querylens/querylens/pkg/version"
)

func main() {
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("Starting querylens",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"mock_llm", cfg.MockLLM,
		"workers_per_stage", cfg.Workers.WorkersPerStage)

	// 1. Saga state store: Postgres when configured, in-memory otherwise.
	var store saga.Store
	if cfg.DatabaseURL != "" {
		dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.DatabaseURL))
		if err != nil {
			slog.Error("Failed to connect to state store", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		store = saga.NewPostgresStore(dbClient.Pool(), cfg.Saga.TerminalTTL)
		slog.Info("Saga store ready", "backend", "postgres")
	} else {
		store = saga.NewMemoryStore(cfg.Saga.TerminalTTL)
		slog.Warn("No STATE_STORE_URL set, using in-memory saga store")
	}
	defer func() { _ = store.Close() }()

	sweeper := saga.NewSweeper(store, cfg.Saga.SweepInterval, nil)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 2. Message bus: JetStream when configured, in-process otherwise.
	var msgBus bus.Bus
	if cfg.BusURL != "" {
		jsBus, err := bus.NewJetStreamBus(ctx, cfg.BusURL, nil)
		if err != nil {
			slog.Error("Failed to connect to NATS", "url", cfg.BusURL, "error", err)
			os.Exit(1)
		}
		msgBus = jsBus
		slog.Info("Bus ready", "backend", "jetstream", "url", cfg.BusURL)
	} else {
		msgBus = bus.NewMemoryBus()
		slog.Warn("No BUS_URL set, using in-memory bus")
	}
	defer func() { _ = msgBus.Close() }()

	// 3. LLM client.
	var llmClient llm.Client
	if cfg.MockLLM {
		llmClient = llm.NewMockClient(cfg.EmbeddingDimension)
		slog.Warn("MOCK_LLM is set, using the deterministic mock client")
	} else {
		llmClient, err = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:         cfg.LLMAPIKey,
			Model:          cfg.LLMModel,
			EmbeddingModel: cfg.EmbeddingModel,
			Dimension:      cfg.EmbeddingDimension,
		})
		if err != nil {
			slog.Error("Failed to create LLM client", "error", err)
			os.Exit(1)
		}
	}
	defer func() { _ = llmClient.Close() }()

	// 4. Vector store for the knowledge base.
	vectors, err := vector.NewChromemStore(vector.ChromemConfig{
		PersistPath: cfg.VectorPersistPath,
	}, nil)
	if err != nil {
		slog.Error("Failed to open vector store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = vectors.Close() }()

	// 5. Stage workers.
	orch := orchestrator.New(orchestrator.Deps{
		Store:    store,
		Bus:      msgBus,
		Resolver: registry.NewClient(cfg.RegistryURL),
		LLM:      llmClient,
	}, orchestrator.Config{
		WorkersPerStage: cfg.Workers.WorkersPerStage,
		StageTimeout:    cfg.Workers.StageTimeout,
		RequeueDelay:    cfg.Workers.RequeueDelay,
		SagaDeadline:    cfg.Saga.Deadline,
		RetryBudget:     cfg.Saga.RetryBudget,
		Loop: agent.Config{
			MaxIterations: cfg.Loop.MaxIterations,
			LLMTimeout:    cfg.Loop.LLMTimeout,
			ToolTimeout:   cfg.Loop.ToolTimeout,
			LoopTimeout:   cfg.Loop.LoopTimeout,
		},
	}, nil)
	if err := orch.Start(ctx); err != nil {
		slog.Error("Failed to start stage workers", "error", err)
		os.Exit(1)
	}
	slog.Info("Stage workers started")

	// 6. Knowledge base ingestion consumer.
	ingester := kb.NewIngester(llmClient, vectors, nil)
	if err := ingester.Subscribe(ctx, msgBus, cfg.Workers.WorkersPerStage); err != nil {
		slog.Error("Failed to start ingestion consumer", "error", err)
		os.Exit(1)
	}

	// 7. HTTP API.
	apiServer := api.NewServer(orch, store, msgBus, kb.NewAnswerer(vectors, llmClient), nil)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	slog.Info("querylens stopped")
}
