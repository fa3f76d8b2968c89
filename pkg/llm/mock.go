package llm

import (
	"context"
	"strings"

	"github.com/querylens/querylens/pkg/models"
)

// Prompt fragments the mock keys its stage detection on. They match the
// orchestrator's stage system prompts.
const (
	mockGenerateMarker = "senior data analyst"
	mockFormatMarker   = "executive summary"
)

// MockClient is the deterministic client installed when MOCK_LLM is set. It
// still drives the tool loop through a discovery call before producing SQL,
// so integration runs exercise the registry and tool wiring end to end.
// Embeddings are hash-based, like ScriptedClient's.
type MockClient struct {
	dimension int
}

// NewMockClient creates a mock client emitting embeddings of the given
// dimension.
func NewMockClient(dimension int) *MockClient {
	return &MockClient{dimension: dimension}
}

// Generate implements Client. The reply depends only on the request, so the
// client serves any number of concurrent sagas.
func (c *MockClient) Generate(_ context.Context, req *GenerateRequest) (*Response, error) {
	usage := models.TokenUsage{PromptTokens: 10, ResponseTokens: 5, TotalTokens: 15}
	system := systemPrompt(req)

	switch {
	case strings.Contains(system, mockGenerateMarker):
		if hasToolResult(req) {
			return &Response{
				Text:  "The schema is confirmed.\n```sql\nSELECT 1 AS ok\n```",
				Usage: usage,
			}, nil
		}
		return &Response{
			ToolCalls: []ToolCallRequest{{
				ID:        "mock-1",
				Name:      "list_tables",
				Arguments: map[string]any{},
			}},
			Usage: usage,
		}, nil

	case strings.Contains(system, mockFormatMarker):
		return &Response{
			Text:  "Mock summary: the query executed successfully and returned the expected data.",
			Usage: usage,
		}, nil

	default:
		return &Response{Text: "Mock answer based on the provided context.", Usage: usage}, nil
	}
}

// Embed implements Client with deterministic hash-based vectors.
func (c *MockClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = HashEmbedding(t, c.dimension)
	}
	return out, nil
}

// Close implements Client.
func (c *MockClient) Close() error { return nil }

func hasToolResult(req *GenerateRequest) bool {
	for _, m := range req.Messages {
		if m.Role == RoleTool {
			return true
		}
	}
	return false
}

var _ Client = (*MockClient)(nil)
