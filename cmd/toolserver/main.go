// toolserver — serves one tool role (database or knowledge-base) over MCP
// streamable HTTP, registering and heartbeating with the tool registry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/querylens/querylens/pkg/config"
	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/models"
	"github.com/querylens/querylens/pkg/registry"
	"github.com/querylens/querylens/pkg/tools"
	"github.com/querylens/querylens/pkg/vector"
)

const heartbeatInterval = 30 * time.Second

func main() {
	role := flag.String("role", models.RoleDatabase,
		fmt.Sprintf("tool role to serve (%s or %s)", models.RoleDatabase, models.RoleKnowledgeBase))
	port := flag.String("port", "8090", "listen port")
	advertise := flag.String("advertise", "", "endpoint URL to register (defaults to http://localhost:<port>/mcp)")
	flag.Parse()

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

	var mcpSrv *mcpserver.MCPServer
	var capabilities []string
	switch *role {
	case models.RoleDatabase:
		warehouseURL := os.Getenv("WAREHOUSE_URL")
		if warehouseURL == "" {
			slog.Error("WAREHOUSE_URL is required for the database role")
			os.Exit(1)
		}
		pool, err := pgxpool.New(ctx, warehouseURL)
		if err != nil {
			slog.Error("Failed to connect to warehouse", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			slog.Error("Warehouse unreachable", "error", err)
			os.Exit(1)
		}
		mcpSrv = tools.NewDatabaseServer(pool, nil).MCPServer()
		capabilities = []string{"list_tables", "describe_table", "execute_sql"}

	case models.RoleKnowledgeBase:
		vectors, err := vector.NewChromemStore(vector.ChromemConfig{
			PersistPath: cfg.VectorPersistPath,
		}, nil)
		if err != nil {
			slog.Error("Failed to open vector store", "error", err)
			os.Exit(1)
		}
		defer func() { _ = vectors.Close() }()

		var embedder llm.Client
		if cfg.MockLLM {
			embedder = llm.NewMockClient(cfg.EmbeddingDimension)
		} else {
			embedder, err = llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:         cfg.LLMAPIKey,
				Model:          cfg.LLMModel,
				EmbeddingModel: cfg.EmbeddingModel,
				Dimension:      cfg.EmbeddingDimension,
			})
			if err != nil {
				slog.Error("Failed to create embedding client", "error", err)
				os.Exit(1)
			}
		}
		defer func() { _ = embedder.Close() }()
		mcpSrv = tools.NewKnowledgeBaseServer(vectors, embedder, nil).MCPServer()
		capabilities = []string{"search_knowledge_base"}

	default:
		slog.Error("Unknown role", "role", *role)
		os.Exit(1)
	}

	endpoint := *advertise
	if endpoint == "" {
		endpoint = "http://localhost:" + *port + "/mcp"
	}

	// Heartbeat keeps the registry entry alive; the prober verifies us from
	// the other side.
	go registry.NewClient(cfg.RegistryURL).Heartbeat(ctx, models.ToolDescriptor{
		Role:         *role,
		Endpoint:     endpoint,
		Capabilities: capabilities,
	}, heartbeatInterval, nil)

	httpSrv := mcpserver.NewStreamableHTTPServer(mcpSrv)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Tool server listening", "role", *role, "addr", ":"+*port, "endpoint", endpoint)
		if err := httpSrv.Start(":" + *port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("Tool server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Tool server shutdown incomplete", "error", err)
	}
}
