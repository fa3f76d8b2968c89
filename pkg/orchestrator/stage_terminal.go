package orchestrator

import (
	"context"

	"github.com/querylens/querylens/pkg/metrics"
	"github.com/querylens/querylens/pkg/models"
)

// handleTerminal observes completed and errored sagas. The record itself was
// already finalized by whichever stage drove it terminal; this worker only
// logs and counts so the pipeline's outcome mix is visible.
func (o *Orchestrator) handleTerminal(_ context.Context, env *models.QueryEnvelope, record *models.SagaRecord) error {
	code := codeOf(record.ErrorMessage)
	metrics.SagasTerminal.WithLabelValues(string(record.Status), code).Inc()

	if record.Status == models.StatusCompleted {
		o.logger.Info("Saga finished",
			"saga_id", env.SagaID,
			"tenant_id", env.TenantID,
			"status", record.Status,
			"steps", len(record.CallStack),
			"total_tokens", record.TotalTokens,
			"total_duration_ms", record.TotalDurationMS)
		return nil
	}

	o.logger.Warn("Saga finished with error",
		"saga_id", env.SagaID,
		"tenant_id", env.TenantID,
		"status", record.Status,
		"code", code,
		"is_irrelevant", record.IsIrrelevant,
		"steps", len(record.CallStack))
	return nil
}
