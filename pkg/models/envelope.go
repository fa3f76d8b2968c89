package models

// Bus subjects for the query saga pipeline and knowledge-base ingestion.
// Envelopes stay small; the heavy state lives in the saga store.
const (
	SubjectQueryInitiated = "q.initiated"
	SubjectQueryGenerated = "q.generated"
	SubjectQueryExecuted  = "q.executed"
	SubjectQueryTerminal  = "q.terminal"
	SubjectKBIngest       = "kb.ingest"
)

// QueryEnvelope is the message passed between saga stages.
type QueryEnvelope struct {
	SagaID   string `json:"saga_id"`
	TenantID string `json:"tenant_id"`

	// StageHint carries the self-correction reflection context when stage 2
	// routes back to stage 1 after an execution failure.
	StageHint string `json:"stage_hint,omitempty"`
}

// Ingestion actions for KB envelopes.
const (
	IngestActionAdd    = "add"
	IngestActionDelete = "delete"
)

// IngestEnvelope is the knowledge-base ingestion message.
type IngestEnvelope struct {
	Action   string `json:"action"`
	TenantID string `json:"tenant_id"`
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	DocBytes []byte `json:"doc_bytes,omitempty"`
}
