package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/querylens/querylens/pkg/models"
	"github.com/querylens/querylens/pkg/registry"
)

// handleGenerated is stage 2: run the generated SQL through the database tool
// server. No LLM call happens here. An execution failure re-enters stage 1
// with a reflection hint while the retry budget lasts.
func (o *Orchestrator) handleGenerated(ctx context.Context, env *models.QueryEnvelope, record *models.SagaRecord) error {
	// Redelivery after the results were already persisted.
	if record.RawResults != "" {
		return o.bus.Publish(ctx, models.SubjectQueryExecuted, &models.QueryEnvelope{
			SagaID:   env.SagaID,
			TenantID: env.TenantID,
		})
	}
	if record.GeneratedSQL == "" {
		return o.failSaga(ctx, env, stepExecuteQuery, models.ErrCodeExecutionFailed,
			"no generated SQL on record")
	}

	if _, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.Status = models.StatusExecuting
		return nil
	}); err != nil {
		return fmt.Errorf("mark executing: %w", err)
	}

	start := time.Now()
	output, err := o.callRemote(ctx, models.RoleDatabase, "execute_sql", map[string]any{
		"sql": record.GeneratedSQL,
	})
	step := models.StepRecord{
		StepName:   stepExecuteQuery,
		Status:     models.StepSuccess,
		Timestamp:  time.Now().UTC(),
		DurationMS: float64(time.Since(start).Microseconds()) / 1000.0,
		SQL:        record.GeneratedSQL,
	}

	if errors.Is(err, registry.ErrNoLiveTool) {
		return o.handleNoLiveTool(ctx, env, record, stepExecuteQuery, err)
	}
	if err != nil {
		if record.RetryBudget > 0 {
			return o.selfCorrect(ctx, env, record, step, err)
		}
		step.Status = models.StepFailed
		step.Reason = err.Error()
		if _, mErr := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
			r.Status = models.StatusError
			r.ErrorMessage = errorMessage(models.ErrCodeExecutionFailed, err.Error())
			r.CallStack = append(r.CallStack, step)
			return nil
		}); mErr != nil {
			return fmt.Errorf("record execution failure: %w", mErr)
		}
		o.logger.Warn("Execution failed with no retries left",
			"saga_id", env.SagaID, "error", err)
		return o.publishTerminal(ctx, env)
	}

	if _, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.RawResults = output
		r.CallStack = append(r.CallStack, step)
		return nil
	}); err != nil {
		return fmt.Errorf("record results: %w", err)
	}

	o.logger.Info("SQL executed", "saga_id", env.SagaID)
	return o.bus.Publish(ctx, models.SubjectQueryExecuted, &models.QueryEnvelope{
		SagaID:   env.SagaID,
		TenantID: env.TenantID,
	})
}

// selfCorrect spends one retry: the failed attempt is appended to the call
// stack, the record routes back to generation, and the stage-1 re-entry
// carries the failed SQL and the database error as a reflection hint.
func (o *Orchestrator) selfCorrect(ctx context.Context, env *models.QueryEnvelope, record *models.SagaRecord, step models.StepRecord, execErr error) error {
	step.Status = models.StepFailed
	step.Reason = execErr.Error()

	if _, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.RetryBudget--
		r.Status = models.StatusGenerating
		r.GeneratedSQL = ""
		r.CallStack = append(r.CallStack, step)
		return nil
	}); err != nil {
		return fmt.Errorf("record self-correction: %w", err)
	}

	o.logger.Info("Execution failed, re-entering generation with reflection",
		"saga_id", env.SagaID, "error", execErr)
	return o.bus.Publish(ctx, models.SubjectQueryInitiated, &models.QueryEnvelope{
		SagaID:    env.SagaID,
		TenantID:  env.TenantID,
		StageHint: reflectionHint(record.GeneratedSQL, execErr.Error()),
	})
}
