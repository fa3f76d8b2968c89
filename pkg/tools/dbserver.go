package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/querylens/querylens/pkg/safety"
)

// DatabaseServer is the MCP tool server for the database role: schema
// discovery plus gated read-only execution against the tenant warehouse.
type DatabaseServer struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewDatabaseServer creates the database tool server over a warehouse pool.
func NewDatabaseServer(pool *pgxpool.Pool, logger *slog.Logger) *DatabaseServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DatabaseServer{pool: pool, logger: logger}
}

// MCPServer builds the MCP server with all database tools registered.
func (s *DatabaseServer) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("querylens-database", "1.0.0",
		server.WithToolCapabilities(true))

	srv.AddTool(
		mcpgo.NewTool("list_tables",
			mcpgo.WithDescription("List all tables in the database"),
			mcpgo.WithString("schema", mcpgo.Description("Schema to list, defaults to public")),
		),
		s.handleListTables,
	)
	srv.AddTool(
		mcpgo.NewTool("describe_table",
			mcpgo.WithDescription("Get column names, types, and primary key of a table"),
			mcpgo.WithString("table_name", mcpgo.Required(), mcpgo.Description("Table to describe")),
			mcpgo.WithString("schema", mcpgo.Description("Schema of the table, defaults to public")),
		),
		s.handleDescribeTable,
	)
	srv.AddTool(
		mcpgo.NewTool("execute_sql",
			mcpgo.WithDescription("Execute a read-only SELECT statement and return the results as a markdown table"),
			mcpgo.WithString("sql", mcpgo.Required(), mcpgo.Description("A single SELECT or WITH...SELECT statement")),
		),
		s.handleExecuteSQL,
	)
	return srv
}

func (s *DatabaseServer) handleListTables(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	schema := req.GetString("schema", "public")

	rows, err := s.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, schema)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("list tables: %s", err)), nil
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return mcpgo.NewToolResultError(fmt.Sprintf("scan table name: %s", err)), nil
		}
		names = append(names, "- "+name)
	}
	if rows.Err() != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("list tables: %s", rows.Err())), nil
	}
	if len(names) == 0 {
		return mcpgo.NewToolResultText("No tables found."), nil
	}
	return mcpgo.NewToolResultText("Tables:\n" + strings.Join(names, "\n")), nil
}

func (s *DatabaseServer) handleDescribeTable(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	tableName, err := req.RequireString("table_name")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	schema := req.GetString("schema", "public")

	rows, err := s.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, tableName)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("describe table: %s", err)), nil
	}
	defer rows.Close()

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Table: %s\n\n### Columns:\n", tableName)
	found := false
	for rows.Next() {
		var column, dataType, nullable string
		if err := rows.Scan(&column, &dataType, &nullable); err != nil {
			return mcpgo.NewToolResultError(fmt.Sprintf("scan column: %s", err)), nil
		}
		found = true
		fmt.Fprintf(&sb, "- %s: %s (nullable: %s)\n", column, dataType, nullable)
	}
	if rows.Err() != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("describe table: %s", rows.Err())), nil
	}
	if !found {
		return mcpgo.NewToolResultError(fmt.Sprintf("table %q not found in schema %q", tableName, schema)), nil
	}

	pk, err := s.primaryKey(ctx, schema, tableName)
	if err == nil && len(pk) > 0 {
		fmt.Fprintf(&sb, "\nPK: %s\n", strings.Join(pk, ", "))
	}
	return mcpgo.NewToolResultText(sb.String()), nil
}

func (s *DatabaseServer) primaryKey(ctx context.Context, schema, tableName string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, schema, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (s *DatabaseServer) handleExecuteSQL(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	sql, err := req.RequireString("sql")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	// The gate runs server-side too: the tool server must stay safe even if
	// a caller bypasses the orchestrator's own check.
	if err := safety.Check(sql); err != nil {
		s.logger.Warn("Rejected unsafe statement", "error", err)
		return mcpgo.NewToolResultError(err.Error()), nil
	}

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("execute: %s", err)), nil
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	var data [][]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return mcpgo.NewToolResultError(fmt.Sprintf("read row: %s", err)), nil
		}
		data = append(data, values)
		// One extra row past the render cap is enough to trigger the
		// truncation marker.
		if len(data) > MaxRenderedRows {
			break
		}
	}
	if rows.Err() != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("execute: %s", rows.Err())), nil
	}

	return mcpgo.NewToolResultText(RenderMarkdownTable(columns, data)), nil
}
