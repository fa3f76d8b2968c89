package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/models"
)

// Loop failure modes.
var (
	// ErrIterationBudgetExceeded means the model was still requesting tools
	// when the iteration budget ran out.
	ErrIterationBudgetExceeded = errors.New("iteration budget exceeded")

	// ErrLoopTimeout means the loop's wall-clock budget expired.
	ErrLoopTimeout = errors.New("tool loop timed out")
)

// Config bounds a single loop run.
type Config struct {
	// MaxIterations caps the number of LLM round trips.
	MaxIterations int

	// LLMTimeout bounds each individual model call.
	LLMTimeout time.Duration

	// ToolTimeout bounds each individual tool dispatch.
	ToolTimeout time.Duration

	// LoopTimeout bounds the whole run. Zero means no loop-level bound
	// beyond the caller's context.
	LoopTimeout time.Duration
}

// DefaultConfig returns the standard loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 8,
		LLMTimeout:    60 * time.Second,
		ToolTimeout:   30 * time.Second,
		LoopTimeout:   150 * time.Second,
	}
}

// Result is a completed loop run.
type Result struct {
	// Text is the model's final plain-text answer.
	Text string

	// ToolsUsed records every dispatched tool call in order.
	ToolsUsed []models.ToolCall

	// Usage aggregates token counts across all model calls.
	Usage models.TokenUsage

	// Iterations is the number of LLM round trips consumed.
	Iterations int
}

// Loop runs the multi-turn tool-calling conversation for one stage.
// Completion signal: a response without any tool calls.
type Loop struct {
	client llm.Client
	config Config
	logger *slog.Logger
}

// NewLoop creates a loop over the given model client.
func NewLoop(client llm.Client, config Config, logger *slog.Logger) *Loop {
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultConfig().MaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{client: client, config: config, logger: logger}
}

// Run executes the loop: the system and user prompts seed the conversation,
// tools are dispatched one at a time in the order the model requests them,
// and each result (or error) is fed back before the next model call. On
// failure the partial result is returned alongside the error so the caller
// keeps the transcript and token counts accumulated so far.
func (l *Loop) Run(ctx context.Context, systemPrompt, userPrompt string, tools []Tool) (*Result, error) {
	loopCtx := ctx
	if l.config.LoopTimeout > 0 {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithTimeout(ctx, l.config.LoopTimeout)
		defer cancel()
	}

	byName := make(map[string]Tool, len(tools))
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userPrompt},
	}

	result := &Result{}
	for iteration := 1; iteration <= l.config.MaxIterations; iteration++ {
		result.Iterations = iteration

		resp, err := l.callModel(loopCtx, &llm.GenerateRequest{Messages: messages, Tools: defs})
		if err != nil {
			if loopCtx.Err() != nil && ctx.Err() == nil {
				return result, fmt.Errorf("%w after %d iterations", ErrLoopTimeout, iteration)
			}
			return result, fmt.Errorf("llm call (iteration %d): %w", iteration, err)
		}
		result.Usage.Add(resp.Usage)

		// No tool calls means this is the final answer.
		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Text
			return result, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			if loopCtx.Err() != nil {
				break
			}
			call := l.dispatch(loopCtx, byName, tc)
			result.ToolsUsed = append(result.ToolsUsed, call)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    call.Response,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}

		if loopCtx.Err() != nil && ctx.Err() == nil {
			return result, fmt.Errorf("%w after %d iterations", ErrLoopTimeout, iteration)
		}
	}

	return result, fmt.Errorf("%w: still requesting tools after %d iterations",
		ErrIterationBudgetExceeded, l.config.MaxIterations)
}

func (l *Loop) callModel(ctx context.Context, req *llm.GenerateRequest) (*llm.Response, error) {
	callCtx := ctx
	if l.config.LLMTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.config.LLMTimeout)
		defer cancel()
	}
	return l.client.Generate(callCtx, req)
}

// dispatch runs one tool call. Failures are not fatal: the error text is
// returned to the model as the tool result so it can adjust.
func (l *Loop) dispatch(ctx context.Context, byName map[string]Tool, tc llm.ToolCallRequest) models.ToolCall {
	call := models.ToolCall{
		Tool:   tc.Name,
		Args:   tc.Arguments,
		Status: models.StepSuccess,
	}

	start := time.Now()
	response, err := l.dispatchChecked(ctx, byName, tc)
	call.DurationMS = float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		call.Status = models.StepError
		call.Response = fmt.Sprintf("Error: %s", err.Error())
		l.logger.Warn("Tool call failed, feeding error back to model",
			"tool", tc.Name, "error", err)
		return call
	}

	call.Response = response
	return call
}

func (l *Loop) dispatchChecked(ctx context.Context, byName map[string]Tool, tc llm.ToolCallRequest) (string, error) {
	tool, ok := byName[tc.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", tc.Name)
	}
	if err := validateArgs(tool, tc.Arguments); err != nil {
		return "", err
	}

	toolCtx := ctx
	if l.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, l.config.ToolTimeout)
		defer cancel()
	}
	return tool.Handler(toolCtx, tc.Arguments)
}
