// Package llm defines the model client used by the tool loop and the
// retrieval path: chat completion with native tool calling, plus embeddings.
package llm

import (
	"context"

	"github.com/querylens/querylens/pkg/models"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation.
type Message struct {
	Role    string
	Content string

	// ToolCalls is set on assistant messages that request tool invocations.
	ToolCalls []ToolCallRequest

	// ToolCallID and ToolName are set on tool-result messages.
	ToolCallID string
	ToolName   string
}

// ToolCallRequest is a model-issued request to invoke a tool.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments map[string]any

	// RawArguments preserves the provider's argument JSON for replay into
	// follow-up requests.
	RawArguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string

	// InputSchema is a JSON-schema object describing the arguments.
	InputSchema map[string]any
}

// GenerateRequest is one chat completion call.
type GenerateRequest struct {
	Messages []Message
	Tools    []ToolDefinition
}

// Response is the model's reply: either final text, or one or more tool
// calls (possibly with interleaved text).
type Response struct {
	Text      string
	ToolCalls []ToolCallRequest
	Usage     models.TokenUsage
}

// Client is the abstract LLM collaborator.
type Client interface {
	// Generate runs a single chat completion with optional tools.
	Generate(ctx context.Context, req *GenerateRequest) (*Response, error)

	// Embed returns one embedding per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	Close() error
}
