package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/models"
)

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echoes the input back",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("echo: %v", args["text"]), nil
		},
	}
}

func failingTool() Tool {
	return Tool{
		Name:        "flaky",
		Description: "Always fails",
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			return "", errors.New("connection refused")
		},
	}
}

func TestLoopFinalAnswerWithoutTools(t *testing.T) {
	client := llm.NewScriptedClient(8)
	client.AddSequential(llm.ScriptEntry{Text: "final answer"})

	loop := NewLoop(client, DefaultConfig(), nil)
	result, err := loop.Run(context.Background(), "system", "user", []Tool{echoTool()})
	require.NoError(t, err)

	assert.Equal(t, "final answer", result.Text)
	assert.Equal(t, 1, result.Iterations)
	assert.Empty(t, result.ToolsUsed)
	assert.Equal(t, 15, result.Usage.TotalTokens)
}

func TestLoopDispatchesToolThenAnswers(t *testing.T) {
	client := llm.NewScriptedClient(8)
	client.AddSequential(llm.ScriptEntry{
		ToolCalls: []llm.ToolCallRequest{
			{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hi"}},
		},
	})
	client.AddSequential(llm.ScriptEntry{Text: "done"})

	loop := NewLoop(client, DefaultConfig(), nil)
	result, err := loop.Run(context.Background(), "system", "user", []Tool{echoTool()})
	require.NoError(t, err)

	assert.Equal(t, "done", result.Text)
	assert.Equal(t, 2, result.Iterations)
	require.Len(t, result.ToolsUsed, 1)
	assert.Equal(t, "echo", result.ToolsUsed[0].Tool)
	assert.Equal(t, "echo: hi", result.ToolsUsed[0].Response)
	assert.Equal(t, models.StepSuccess, result.ToolsUsed[0].Status)

	// The tool result must have been fed back to the model.
	inputs := client.CapturedInputs()
	require.Len(t, inputs, 2)
	last := inputs[1].Messages[len(inputs[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Equal(t, "echo: hi", last.Content)
}

func TestLoopToolErrorFedBack(t *testing.T) {
	client := llm.NewScriptedClient(8)
	client.AddSequential(llm.ScriptEntry{
		ToolCalls: []llm.ToolCallRequest{
			{ID: "call_1", Name: "flaky", Arguments: map[string]any{}},
		},
	})
	client.AddSequential(llm.ScriptEntry{Text: "recovered"})

	loop := NewLoop(client, DefaultConfig(), nil)
	result, err := loop.Run(context.Background(), "system", "user", []Tool{failingTool()})
	require.NoError(t, err)

	assert.Equal(t, "recovered", result.Text)
	require.Len(t, result.ToolsUsed, 1)
	assert.Equal(t, models.StepError, result.ToolsUsed[0].Status)
	assert.Contains(t, result.ToolsUsed[0].Response, "connection refused")

	inputs := client.CapturedInputs()
	last := inputs[1].Messages[len(inputs[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Contains(t, last.Content, "Error:")
}

func TestLoopUnknownToolFedBack(t *testing.T) {
	client := llm.NewScriptedClient(8)
	client.AddSequential(llm.ScriptEntry{
		ToolCalls: []llm.ToolCallRequest{
			{ID: "call_1", Name: "nope", Arguments: map[string]any{}},
		},
	})
	client.AddSequential(llm.ScriptEntry{Text: "ok"})

	loop := NewLoop(client, DefaultConfig(), nil)
	result, err := loop.Run(context.Background(), "system", "user", []Tool{echoTool()})
	require.NoError(t, err)

	require.Len(t, result.ToolsUsed, 1)
	assert.Equal(t, models.StepError, result.ToolsUsed[0].Status)
	assert.Contains(t, result.ToolsUsed[0].Response, `unknown tool "nope"`)
}

func TestLoopArgumentValidation(t *testing.T) {
	client := llm.NewScriptedClient(8)
	// "text" is required but missing.
	client.AddSequential(llm.ScriptEntry{
		ToolCalls: []llm.ToolCallRequest{
			{ID: "call_1", Name: "echo", Arguments: map[string]any{"other": 1}},
		},
	})
	client.AddSequential(llm.ScriptEntry{Text: "ok"})

	loop := NewLoop(client, DefaultConfig(), nil)
	result, err := loop.Run(context.Background(), "system", "user", []Tool{echoTool()})
	require.NoError(t, err)

	require.Len(t, result.ToolsUsed, 1)
	assert.Equal(t, models.StepError, result.ToolsUsed[0].Status)
	assert.Contains(t, result.ToolsUsed[0].Response, "arguments invalid")
}

func TestLoopSequentialDispatchOrder(t *testing.T) {
	var order []string
	mk := func(name string) Tool {
		return Tool{
			Name: name,
			Handler: func(_ context.Context, _ map[string]any) (string, error) {
				order = append(order, name)
				return name + " result", nil
			},
		}
	}

	client := llm.NewScriptedClient(8)
	client.AddSequential(llm.ScriptEntry{
		ToolCalls: []llm.ToolCallRequest{
			{ID: "c1", Name: "first", Arguments: map[string]any{}},
			{ID: "c2", Name: "second", Arguments: map[string]any{}},
		},
	})
	client.AddSequential(llm.ScriptEntry{Text: "ok"})

	loop := NewLoop(client, DefaultConfig(), nil)
	result, err := loop.Run(context.Background(), "system", "user", []Tool{mk("first"), mk("second")})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)
	require.Len(t, result.ToolsUsed, 2)
	assert.Equal(t, "first", result.ToolsUsed[0].Tool)
	assert.Equal(t, "second", result.ToolsUsed[1].Tool)
}

func TestLoopIterationBudget(t *testing.T) {
	client := llm.NewScriptedClient(8)
	// The model keeps requesting tools and never answers.
	for i := 0; i < 8; i++ {
		client.AddSequential(llm.ScriptEntry{
			ToolCalls: []llm.ToolCallRequest{
				{ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: map[string]any{"text": "again"}},
			},
		})
	}

	cfg := DefaultConfig()
	loop := NewLoop(client, cfg, nil)
	result, err := loop.Run(context.Background(), "system", "user", []Tool{echoTool()})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIterationBudgetExceeded)
	// Exactly the budget was consumed, no ninth call.
	assert.Equal(t, 8, client.CallCount())

	// The transcript survives the failure so callers can persist it.
	require.NotNil(t, result)
	assert.Len(t, result.ToolsUsed, 8)
	assert.Equal(t, 8, result.Iterations)
	assert.Equal(t, 8*15, result.Usage.TotalTokens)
}

func TestLoopTimeout(t *testing.T) {
	client := llm.NewScriptedClient(8)
	slow := Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	for i := 0; i < 8; i++ {
		client.AddSequential(llm.ScriptEntry{
			ToolCalls: []llm.ToolCallRequest{
				{ID: fmt.Sprintf("c%d", i), Name: "slow", Arguments: map[string]any{}},
			},
		})
	}

	cfg := DefaultConfig()
	cfg.LoopTimeout = 50 * time.Millisecond
	loop := NewLoop(client, cfg, nil)
	result, err := loop.Run(context.Background(), "system", "user", []Tool{slow})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoopTimeout)

	// The interrupted dispatch is still on the transcript.
	require.NotNil(t, result)
	require.Len(t, result.ToolsUsed, 1)
	assert.Equal(t, models.StepError, result.ToolsUsed[0].Status)
}

func TestLoopLLMErrorPropagates(t *testing.T) {
	client := llm.NewScriptedClient(8)
	client.AddSequential(llm.ScriptEntry{Err: errors.New("upstream 500")})

	loop := NewLoop(client, DefaultConfig(), nil)
	_, err := loop.Run(context.Background(), "system", "user", nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 500")
}

func TestLoopUsageAccumulates(t *testing.T) {
	client := llm.NewScriptedClient(8)
	client.AddSequential(llm.ScriptEntry{
		ToolCalls: []llm.ToolCallRequest{
			{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "a"}},
		},
	})
	client.AddSequential(llm.ScriptEntry{Text: "ok"})

	loop := NewLoop(client, DefaultConfig(), nil)
	result, err := loop.Run(context.Background(), "system", "user", []Tool{echoTool()})
	require.NoError(t, err)

	// Two model calls at 15 total tokens each.
	assert.Equal(t, 30, result.Usage.TotalTokens)
	assert.Equal(t, 20, result.Usage.PromptTokens)
	assert.Equal(t, 10, result.Usage.ResponseTokens)
}
