package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/querylens/querylens/pkg/agent"
	"github.com/querylens/querylens/pkg/models"
	"github.com/querylens/querylens/pkg/registry"
	"github.com/querylens/querylens/pkg/safety"
	"github.com/querylens/querylens/pkg/saga"
)

// relevanceReport captures a check_relevance call made during the tool loop.
type relevanceReport struct {
	flagged bool
	reason  string
}

// handleInitiated is stage 1: run the discovery tool loop and produce a
// validated read-only SQL statement.
func (o *Orchestrator) handleInitiated(ctx context.Context, env *models.QueryEnvelope, record *models.SagaRecord) error {
	// Redelivery after the next-stage message was already published: the SQL
	// is on the record, just hand off again. Self-correction clears the SQL
	// before publishing its hinted re-entry, so SQL on the record always
	// means the loop already ran for this delivery, hint or not.
	if record.GeneratedSQL != "" {
		return o.bus.Publish(ctx, models.SubjectQueryGenerated, &models.QueryEnvelope{
			SagaID:   env.SagaID,
			TenantID: env.TenantID,
		})
	}

	// The loop is pointless without a database tool server to discover
	// schema from; check before spending LLM calls.
	if _, err := o.resolver.Resolve(ctx, models.RoleDatabase); err != nil {
		if errors.Is(err, registry.ErrNoLiveTool) {
			return o.handleNoLiveTool(ctx, env, record, stepGenerateQuery, err)
		}
		return fmt.Errorf("resolve %s: %w", models.RoleDatabase, err)
	}

	if _, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.Status = models.StatusGenerating
		return nil
	}); err != nil {
		return fmt.Errorf("mark generating: %w", err)
	}

	userPrompt := record.Question
	if env.StageHint != "" {
		userPrompt = record.Question + "\n\n" + env.StageHint
	}

	relevance := &relevanceReport{}
	start := time.Now()
	result, err := o.loop.Run(ctx, generateSystemPrompt, userPrompt, o.generateTools(env.TenantID, relevance))

	step := models.StepRecord{
		StepName:   stepGenerateQuery,
		Status:     models.StepSuccess,
		Timestamp:  time.Now().UTC(),
		DurationMS: float64(time.Since(start).Microseconds()) / 1000.0,
		Prompt:     userPrompt,
	}
	if result != nil {
		step.LLMReasoning = result.Text
		step.ToolsUsed = result.ToolsUsed
		step.AvailableTables = tablesFrom(result.ToolsUsed)
		usage := result.Usage
		step.Usage = &usage
		recordUsage(stageGenerate, usage)
	}

	if err != nil {
		return o.finishGenerateFailure(ctx, env, step, errorCode(err), err.Error())
	}

	if relevance.flagged {
		return o.finishIrrelevant(ctx, env, step, relevance.reason)
	}

	sqlText := safety.ExtractSQL(result.Text)
	if sqlText == "" {
		return o.finishGenerateFailure(ctx, env, step, models.ErrCodeSqlNotProduced,
			"model response contained no fenced SQL block")
	}
	step.SQL = sqlText

	if err := safety.Check(sqlText); err != nil {
		return o.finishGenerateFailure(ctx, env, step, models.ErrCodeUnsafeStatement, err.Error())
	}

	if _, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.GeneratedSQL = sqlText
		r.CallStack = append(r.CallStack, step)
		return nil
	}); err != nil {
		return fmt.Errorf("record generated sql: %w", err)
	}

	o.logger.Info("SQL generated",
		"saga_id", env.SagaID, "iterations", result.Iterations, "tools", len(result.ToolsUsed))
	return o.bus.Publish(ctx, models.SubjectQueryGenerated, &models.QueryEnvelope{
		SagaID:   env.SagaID,
		TenantID: env.TenantID,
	})
}

// generateTools builds the stage-1 tool catalogue. The remote tools resolve a
// live endpoint per call so replicas share the load; check_relevance is local
// and only flips the report.
func (o *Orchestrator) generateTools(tenantID string, relevance *relevanceReport) []agent.Tool {
	return []agent.Tool{
		{
			Name:        "search_knowledge_base",
			Description: "Search the company's documentation for business definitions and metric formulas",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []any{"query"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				query, _ := args["query"].(string)
				return o.callRemote(ctx, models.RoleKnowledgeBase, "search_knowledge_base", map[string]any{
					"query":     query,
					"tenant_id": tenantID,
				})
			},
		},
		{
			Name:        "list_tables",
			Description: "List all tables in the database",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: func(ctx context.Context, _ map[string]any) (string, error) {
				return o.callRemote(ctx, models.RoleDatabase, "list_tables", map[string]any{})
			},
		},
		{
			Name:        "describe_table",
			Description: "Get column names, types, and primary key of a table",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"table_name": map[string]any{"type": "string"},
				},
				"required": []any{"table_name"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return o.callRemote(ctx, models.RoleDatabase, "describe_table", args)
			},
		},
		{
			Name:        "check_relevance",
			Description: "Report whether the question can be answered from this database. Call with is_relevant=false and a reason when it cannot.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"is_relevant": map[string]any{"type": "boolean"},
					"reason":      map[string]any{"type": "string"},
				},
				"required": []any{"is_relevant", "reason"},
			},
			Handler: func(_ context.Context, args map[string]any) (string, error) {
				isRelevant, _ := args["is_relevant"].(bool)
				reason, _ := args["reason"].(string)
				if !isRelevant {
					relevance.flagged = true
					relevance.reason = reason
				}
				return "Acknowledged.", nil
			},
		},
	}
}

// finishGenerateFailure writes the failed step, drives the saga terminal with
// code, and emits the terminal message.
func (o *Orchestrator) finishGenerateFailure(ctx context.Context, env *models.QueryEnvelope, step models.StepRecord, code, detail string) error {
	step.Status = models.StepFailed
	step.Reason = detail

	_, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.Status = models.StatusError
		r.ErrorMessage = errorMessage(code, detail)
		r.CallStack = append(r.CallStack, step)
		return nil
	})
	if err != nil && !errors.Is(err, saga.ErrTerminal) {
		return fmt.Errorf("record generate failure: %w", err)
	}

	o.logger.Warn("Generation failed", "saga_id", env.SagaID, "code", code, "detail", detail)
	return o.publishTerminal(ctx, env)
}

// finishIrrelevant short-circuits stages 2 and 3: the supplied reason becomes
// the formatted response, and the terminal status is error with the
// irrelevant marker so callers can tell refusal from failure.
func (o *Orchestrator) finishIrrelevant(ctx context.Context, env *models.QueryEnvelope, step models.StepRecord, reason string) error {
	if reason == "" {
		reason = "The question cannot be answered from this database."
	}

	_, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.Status = models.StatusError
		r.ErrorMessage = models.ErrCodeIrrelevant
		r.IsIrrelevant = true
		r.FormattedResponse = reason
		r.CallStack = append(r.CallStack, step)
		return nil
	})
	if err != nil && !errors.Is(err, saga.ErrTerminal) {
		return fmt.Errorf("record irrelevant outcome: %w", err)
	}

	o.logger.Info("Question marked irrelevant", "saga_id", env.SagaID, "reason", reason)
	return o.publishTerminal(ctx, env)
}

// tablesFrom recovers the table names the loop saw from list_tables output.
func tablesFrom(calls []models.ToolCall) []string {
	var tables []string
	seen := make(map[string]bool)
	for _, call := range calls {
		if call.Tool != "list_tables" || call.Status != models.StepSuccess {
			continue
		}
		for _, line := range strings.Split(call.Response, "\n") {
			name := strings.TrimSpace(strings.TrimPrefix(line, "- "))
			if name == "" || !strings.HasPrefix(line, "- ") || seen[name] {
				continue
			}
			seen[name] = true
			tables = append(tables, name)
		}
	}
	return tables
}
