// Package models defines the shared data types for saga records, step
// records, tool descriptors, and bus envelopes.
package models

import "time"

// SagaStatus is the lifecycle state of a saga record.
type SagaStatus string

// Saga status values. Transitions are monotonic along this list, except that
// any stage may short-circuit to StatusError or StatusCompleted.
const (
	StatusPending    SagaStatus = "pending"
	StatusGenerating SagaStatus = "generating"
	StatusExecuting  SagaStatus = "executing"
	StatusFormatting SagaStatus = "formatting"
	StatusCompleted  SagaStatus = "completed"
	StatusError      SagaStatus = "error"
)

// Error taxonomy codes stored in ErrorMessage. See the step workers for how
// each is produced.
const (
	ErrCodeUnsafeStatement = "UnsafeStatement"
	ErrCodeSqlNotProduced  = "SqlNotProduced"
	ErrCodeExecutionFailed = "ExecutionFailed"
	ErrCodeIterationBudget = "IterationBudgetExceeded"
	ErrCodeLoopTimeout     = "LoopTimeout"
	ErrCodeNoLiveTool      = "NoLiveTool"
	ErrCodeSagaDeadline    = "SagaDeadline"
	ErrCodeIrrelevant      = "Irrelevant"
	ErrCodeNoContext       = "NoContextAvailable"
)

// SagaRecord is the externalized state of one query saga. The state store is
// the single source of truth; workers must not cache a record across a bus
// acknowledgement.
type SagaRecord struct {
	SagaID            string       `json:"saga_id"`
	TenantID          string       `json:"tenant_id"`
	Question          string       `json:"question"`
	Status            SagaStatus   `json:"status"`
	GeneratedSQL      string       `json:"generated_sql,omitempty"`
	RawResults        string       `json:"raw_results,omitempty"`
	FormattedResponse string       `json:"formatted_response,omitempty"`
	IsIrrelevant      bool         `json:"is_irrelevant"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	CallStack         []StepRecord `json:"call_stack"`

	// RetryBudget is the number of remaining stage-1 re-entries allowed for
	// self-correction. Fixed at 1 on creation.
	RetryBudget int `json:"retry_budget"`

	TotalDurationMS float64 `json:"total_duration_ms"`
	TotalTokens     int     `json:"total_tokens"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Deadline  time.Time `json:"deadline"`
}

// IsTerminal reports whether the record reached a final status. Terminal
// records are immutable except for TTL expiry.
func (r *SagaRecord) IsTerminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusError
}

// Rollup recomputes total duration and token usage from the call stack.
func (r *SagaRecord) Rollup() {
	var duration float64
	var tokens int
	for _, step := range r.CallStack {
		duration += step.DurationMS
		if step.Usage != nil {
			tokens += step.Usage.TotalTokens
		}
	}
	r.TotalDurationMS = duration
	r.TotalTokens = tokens
}

// StepStatus is the outcome of a single step record.
type StepStatus string

// Step status values.
const (
	StepPending StepStatus = "pending"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepFailed  StepStatus = "failed"
)

// StepRecord is one entry in a saga's append-only call stack. Entries are
// ordered by worker-local timestamp; ties within a stage's tool loop are
// ordered by iteration index.
type StepRecord struct {
	StepName   string     `json:"step_name"`
	Status     StepStatus `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
	DurationMS float64    `json:"duration_ms"`

	// Stage-specific metadata.
	Prompt          string         `json:"prompt,omitempty"`
	LLMReasoning    string         `json:"llm_reasoning,omitempty"`
	ToolsUsed       []ToolCall     `json:"tools_used,omitempty"`
	AvailableTables []string       `json:"available_tables,omitempty"`
	SQL             string         `json:"sql,omitempty"`
	Usage           *TokenUsage    `json:"usage,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// ToolCall records a single tool invocation made inside a tool loop.
type ToolCall struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Response   string         `json:"response"`
	DurationMS float64        `json:"duration_ms"`
	Status     StepStatus     `json:"status"`
}

// TokenUsage aggregates LLM token counts for a step.
type TokenUsage struct {
	PromptTokens   int `json:"prompt_tokens"`
	ResponseTokens int `json:"response_tokens"`
	TotalTokens    int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.ResponseTokens += other.ResponseTokens
	u.TotalTokens += other.TotalTokens
}
