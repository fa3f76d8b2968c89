package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/vector"
)

// DefaultTopK is how many chunks a knowledge-base search returns unless the
// caller asks otherwise.
const DefaultTopK = 4

// KnowledgeBaseServer is the MCP tool server for the knowledge-base role:
// semantic search over each tenant's ingested documents.
type KnowledgeBaseServer struct {
	store    vector.Store
	embedder llm.Client
	logger   *slog.Logger
}

// NewKnowledgeBaseServer creates the knowledge-base tool server.
func NewKnowledgeBaseServer(store vector.Store, embedder llm.Client, logger *slog.Logger) *KnowledgeBaseServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeBaseServer{store: store, embedder: embedder, logger: logger}
}

// MCPServer builds the MCP server with the search tool registered.
func (s *KnowledgeBaseServer) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("querylens-knowledge-base", "1.0.0",
		server.WithToolCapabilities(true))

	srv.AddTool(
		mcpgo.NewTool("search_knowledge_base",
			mcpgo.WithDescription("Search the tenant's knowledge base for context relevant to a question"),
			mcpgo.WithString("query", mcpgo.Required(), mcpgo.Description("Natural-language search query")),
			mcpgo.WithString("tenant_id", mcpgo.Required(), mcpgo.Description("Tenant whose knowledge base to search")),
			mcpgo.WithNumber("top_k", mcpgo.Description("Number of chunks to return, defaults to 4")),
		),
		s.handleSearch,
	)
	return srv
}

func (s *KnowledgeBaseServer) handleSearch(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	tenantID, err := req.RequireString("tenant_id")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	topK := req.GetInt("top_k", DefaultTopK)
	if topK <= 0 {
		topK = DefaultTopK
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("embed query: %s", err)), nil
	}
	if len(vectors) == 0 {
		return mcpgo.NewToolResultError("embed query: no vector returned"), nil
	}

	results, err := s.store.Query(ctx, vector.TenantCollection(tenantID), vectors[0], topK, nil)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("search knowledge base: %s", err)), nil
	}
	if len(results) == 0 {
		return mcpgo.NewToolResultText("No relevant context found."), nil
	}

	var sb strings.Builder
	sb.WriteString("# Relevant Context\n\n")
	for _, r := range results {
		source := r.Metadata["filename"]
		if source != "" {
			fmt.Fprintf(&sb, "## %s\n%s\n\n", source, r.Content)
		} else {
			fmt.Fprintf(&sb, "- %s\n\n", r.Content)
		}
	}
	return mcpgo.NewToolResultText(sb.String()), nil
}
