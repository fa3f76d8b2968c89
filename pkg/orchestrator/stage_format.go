package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/models"
)

// handleExecuted is stage 3: a single tool-free model call turns the raw
// result table into an executive summary, and the saga completes.
func (o *Orchestrator) handleExecuted(ctx context.Context, env *models.QueryEnvelope, record *models.SagaRecord) error {
	if _, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.Status = models.StatusFormatting
		return nil
	}); err != nil {
		return fmt.Errorf("mark formatting: %w", err)
	}

	userPrompt := formatUserPrompt(record.Question, record.GeneratedSQL, record.RawResults)

	callCtx := ctx
	if o.cfg.Loop.LLMTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.Loop.LLMTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := o.client.Generate(callCtx, &llm.GenerateRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: formatSystemPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		// Formatting failures are transient model trouble; requeue and let
		// the deadline catch a persistent one.
		return fmt.Errorf("format response: %w", err)
	}
	recordUsage(stageFormat, resp.Usage)

	summary := truncateResponse(resp.Text)
	usage := resp.Usage
	step := models.StepRecord{
		StepName:   stepFormatResponse,
		Status:     models.StepSuccess,
		Timestamp:  time.Now().UTC(),
		DurationMS: float64(time.Since(start).Microseconds()) / 1000.0,
		Prompt:     userPrompt,
		Usage:      &usage,
	}

	if _, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.FormattedResponse = summary
		r.Status = models.StatusCompleted
		r.CallStack = append(r.CallStack, step)
		return nil
	}); err != nil {
		return fmt.Errorf("record formatted response: %w", err)
	}

	o.logger.Info("Saga completed", "saga_id", env.SagaID)
	return o.publishTerminal(ctx, env)
}
