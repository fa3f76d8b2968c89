// Package orchestrator runs the query saga: four stage workers wired over the
// bus, each loading the record from the state store, doing its work, persisting
// the outcome, and publishing the next stage before acknowledging.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/querylens/querylens/pkg/agent"
	"github.com/querylens/querylens/pkg/bus"
	"github.com/querylens/querylens/pkg/llm"
	"github.com/querylens/querylens/pkg/metrics"
	"github.com/querylens/querylens/pkg/models"
	"github.com/querylens/querylens/pkg/registry"
	"github.com/querylens/querylens/pkg/safety"
	"github.com/querylens/querylens/pkg/saga"
	"github.com/querylens/querylens/pkg/tools"
)

// Stage names used for consumers, metrics labels, and logging.
const (
	stageGenerate = "generate"
	stageExecute  = "execute"
	stageFormat   = "format"
	stageTerminal = "terminal"
)

// Step names recorded in the saga call stack.
const (
	stepGenerateQuery  = "generate_query"
	stepExecuteQuery   = "execute_query"
	stepFormatResponse = "format_response"
)

// Resolver picks a live tool server endpoint for a role.
type Resolver interface {
	Resolve(ctx context.Context, role string) (string, error)
}

// ToolSession is an open connection to one tool server.
type ToolSession interface {
	Call(ctx context.Context, tool string, args map[string]any) (string, error)
	Close() error
}

// Dialer opens a tool session against an endpoint.
type Dialer func(ctx context.Context, endpoint string) (ToolSession, error)

// MCPDialer dials a streamable-HTTP MCP endpoint.
func MCPDialer(ctx context.Context, endpoint string) (ToolSession, error) {
	return tools.Connect(ctx, endpoint)
}

// Config tunes the stage workers.
type Config struct {
	// WorkersPerStage is the handler goroutine count per stage subject.
	WorkersPerStage int

	// StageTimeout bounds one stage execution. The bus ack wait is derived
	// from it and must stay longer.
	StageTimeout time.Duration

	// RequeueDelay postpones redelivery after a transient stage failure.
	RequeueDelay time.Duration

	// SagaDeadline is the wall-clock budget for a whole saga, stamped on the
	// record at submission.
	SagaDeadline time.Duration

	// RetryBudget is the number of stage-1 re-entries allowed for
	// self-correction.
	RetryBudget int

	// Loop bounds the stage-1 tool loop.
	Loop agent.Config
}

// DefaultConfig returns the standard worker bounds.
func DefaultConfig() Config {
	return Config{
		WorkersPerStage: 2,
		StageTimeout:    180 * time.Second,
		RequeueDelay:    5 * time.Second,
		SagaDeadline:    5 * time.Minute,
		RetryBudget:     1,
		Loop:            agent.DefaultConfig(),
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store    saga.Store
	Bus      bus.Bus
	Resolver Resolver
	LLM      llm.Client

	// Dialer opens tool sessions. Defaults to MCPDialer.
	Dialer Dialer
}

// Orchestrator owns the four stage workers.
type Orchestrator struct {
	store    saga.Store
	bus      bus.Bus
	resolver Resolver
	client   llm.Client
	dial     Dialer
	loop     *agent.Loop
	cfg      Config
	logger   *slog.Logger
}

// New creates an orchestrator. Call Start to attach the stage workers.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Dialer == nil {
		deps.Dialer = MCPDialer
	}
	if cfg.WorkersPerStage <= 0 {
		cfg.WorkersPerStage = DefaultConfig().WorkersPerStage
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultConfig().StageTimeout
	}
	if cfg.SagaDeadline <= 0 {
		cfg.SagaDeadline = DefaultConfig().SagaDeadline
	}
	return &Orchestrator{
		store:    deps.Store,
		bus:      deps.Bus,
		resolver: deps.Resolver,
		client:   deps.LLM,
		dial:     deps.Dialer,
		loop:     agent.NewLoop(deps.LLM, cfg.Loop, logger),
		cfg:      cfg,
		logger:   logger,
	}
}

// Start subscribes the stage workers. They run until ctx is cancelled or the
// bus is closed.
func (o *Orchestrator) Start(ctx context.Context) error {
	stages := []struct {
		subject  string
		consumer string
		stage    string
		stepName string
		terminal bool
		handler  func(ctx context.Context, env *models.QueryEnvelope, record *models.SagaRecord) error
	}{
		{models.SubjectQueryInitiated, "stage-generate", stageGenerate, stepGenerateQuery, false, o.handleInitiated},
		{models.SubjectQueryGenerated, "stage-execute", stageExecute, stepExecuteQuery, false, o.handleGenerated},
		{models.SubjectQueryExecuted, "stage-format", stageFormat, stepFormatResponse, false, o.handleExecuted},
		{models.SubjectQueryTerminal, "stage-terminal", stageTerminal, "", true, o.handleTerminal},
	}

	opts := bus.SubscribeOptions{
		Workers:  o.cfg.WorkersPerStage,
		AckWait:  o.cfg.StageTimeout + 30*time.Second,
		NakDelay: o.cfg.RequeueDelay,
	}
	for _, s := range stages {
		if err := o.bus.Subscribe(ctx, s.subject, s.consumer, opts, o.wrap(s.stage, s.stepName, s.terminal, s.handler)); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
	}
	return nil
}

// SubmitQuery creates a saga record and kicks off the pipeline.
func (o *Orchestrator) SubmitQuery(ctx context.Context, tenantID, question string) (string, error) {
	now := time.Now().UTC()
	record := &models.SagaRecord{
		SagaID:      uuid.NewString(),
		TenantID:    tenantID,
		Question:    question,
		Status:      models.StatusPending,
		CallStack:   []models.StepRecord{},
		RetryBudget: o.cfg.RetryBudget,
		CreatedAt:   now,
		UpdatedAt:   now,
		Deadline:    now.Add(o.cfg.SagaDeadline),
	}
	if err := o.store.Create(ctx, record); err != nil {
		return "", fmt.Errorf("create saga record: %w", err)
	}
	if err := o.bus.Publish(ctx, models.SubjectQueryInitiated, &models.QueryEnvelope{
		SagaID:   record.SagaID,
		TenantID: tenantID,
	}); err != nil {
		return "", fmt.Errorf("publish %s: %w", models.SubjectQueryInitiated, err)
	}
	o.logger.Info("Query submitted", "saga_id", record.SagaID, "tenant_id", tenantID)
	return record.SagaID, nil
}

// wrap turns a stage function into a bus handler with the shared entry checks:
// decode, load, drop-if-terminal, deadline enforcement, timing, and metrics.
func (o *Orchestrator) wrap(stage, stepName string, terminal bool, fn func(ctx context.Context, env *models.QueryEnvelope, record *models.SagaRecord) error) bus.Handler {
	return func(ctx context.Context, msg *bus.Message) error {
		var env models.QueryEnvelope
		if err := msg.Decode(&env); err != nil {
			// A malformed envelope can never succeed; drop it.
			o.logger.Error("Dropping malformed envelope", "stage", stage, "error", err)
			metrics.StageMessages.WithLabelValues(stage, metrics.OutcomeSkipped).Inc()
			return nil
		}

		record, err := o.store.Get(ctx, env.SagaID)
		if errors.Is(err, saga.ErrNotFound) {
			// Expired or never created; nothing left to do.
			o.logger.Warn("Saga record not found, dropping message",
				"stage", stage, "saga_id", env.SagaID)
			metrics.StageMessages.WithLabelValues(stage, metrics.OutcomeSkipped).Inc()
			return nil
		}
		if err != nil {
			metrics.StageMessages.WithLabelValues(stage, metrics.OutcomeRequeue).Inc()
			return fmt.Errorf("load saga %s: %w", env.SagaID, err)
		}

		if !terminal {
			if record.IsTerminal() {
				metrics.StageMessages.WithLabelValues(stage, metrics.OutcomeSkipped).Inc()
				return nil
			}
			if time.Now().After(record.Deadline) {
				metrics.StageMessages.WithLabelValues(stage, metrics.OutcomeError).Inc()
				return o.failSaga(ctx, &env, stepName, models.ErrCodeSagaDeadline,
					"saga deadline exceeded")
			}
		}

		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()

		start := time.Now()
		err = fn(stageCtx, &env, record)
		metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.StageMessages.WithLabelValues(stage, metrics.OutcomeRequeue).Inc()
			o.logger.Warn("Stage failed, requeueing",
				"stage", stage, "saga_id", env.SagaID, "error", err)
			return err
		}
		metrics.StageMessages.WithLabelValues(stage, metrics.OutcomeSuccess).Inc()
		return nil
	}
}

// failSaga drives the record terminal with an error-taxonomy code and emits
// the terminal message. A record that went terminal concurrently is left
// alone.
func (o *Orchestrator) failSaga(ctx context.Context, env *models.QueryEnvelope, stepName, code, detail string) error {
	_, err := o.store.Mutate(ctx, env.SagaID, func(r *models.SagaRecord) error {
		r.Status = models.StatusError
		r.ErrorMessage = errorMessage(code, detail)
		r.CallStack = append(r.CallStack, models.StepRecord{
			StepName:  stepName,
			Status:    models.StepFailed,
			Timestamp: time.Now().UTC(),
			Reason:    detail,
		})
		return nil
	})
	if err != nil && !errors.Is(err, saga.ErrTerminal) {
		return fmt.Errorf("fail saga %s: %w", env.SagaID, err)
	}
	return o.publishTerminal(ctx, env)
}

func (o *Orchestrator) publishTerminal(ctx context.Context, env *models.QueryEnvelope) error {
	return o.bus.Publish(ctx, models.SubjectQueryTerminal, &models.QueryEnvelope{
		SagaID:   env.SagaID,
		TenantID: env.TenantID,
	})
}

// errorMessage formats the stored error_message as "Code: detail".
func errorMessage(code, detail string) string {
	if detail == "" {
		return code
	}
	return code + ": " + detail
}

// errorCode maps a stage error to its taxonomy code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrIterationBudgetExceeded):
		return models.ErrCodeIterationBudget
	case errors.Is(err, agent.ErrLoopTimeout):
		return models.ErrCodeLoopTimeout
	case errors.Is(err, safety.ErrUnsafeStatement):
		return models.ErrCodeUnsafeStatement
	case errors.Is(err, registry.ErrNoLiveTool):
		return models.ErrCodeNoLiveTool
	default:
		return models.ErrCodeExecutionFailed
	}
}

// codeOf extracts the taxonomy code from a stored error_message.
func codeOf(message string) string {
	if message == "" {
		return ""
	}
	code, _, _ := strings.Cut(message, ":")
	return strings.TrimSpace(code)
}

// callRemote resolves a live endpoint for the role, opens a session, and
// makes one tool call.
func (o *Orchestrator) callRemote(ctx context.Context, role, tool string, args map[string]any) (string, error) {
	endpoint, err := o.resolver.Resolve(ctx, role)
	if err != nil {
		return "", err
	}
	session, err := o.dial(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer func() { _ = session.Close() }()
	return session.Call(ctx, tool, args)
}

// handleNoLiveTool decides between requeueing and failing when no tool server
// is live: requeue while another attempt can still land before the saga
// deadline, otherwise go terminal with NoLiveTool.
func (o *Orchestrator) handleNoLiveTool(ctx context.Context, env *models.QueryEnvelope, record *models.SagaRecord, stepName string, err error) error {
	if time.Now().Add(o.cfg.RequeueDelay).Before(record.Deadline) {
		return err
	}
	return o.failSaga(ctx, env, stepName, models.ErrCodeNoLiveTool, err.Error())
}

// recordUsage feeds step token usage into the stage counters.
func recordUsage(stage string, usage models.TokenUsage) {
	metrics.LLMTokens.WithLabelValues(stage, "prompt").Add(float64(usage.PromptTokens))
	metrics.LLMTokens.WithLabelValues(stage, "response").Add(float64(usage.ResponseTokens))
}
