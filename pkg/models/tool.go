package models

import "time"

// ToolStatus is the registry's view of a tool server's health.
type ToolStatus string

// Tool server health states. A failed probe flips a healthy entry to
// unhealthy; a second consecutive failure flips it to error.
const (
	ToolHealthy   ToolStatus = "healthy"
	ToolUnhealthy ToolStatus = "unhealthy"
	ToolError     ToolStatus = "error"
)

// Tool roles used by the saga stages.
const (
	RoleDatabase      = "database"
	RoleKnowledgeBase = "knowledge-base"
)

// ToolDescriptor is a registry entry for one tool server endpoint.
type ToolDescriptor struct {
	Role         string     `json:"role"`
	Endpoint     string     `json:"endpoint"`
	Capabilities []string   `json:"capabilities,omitempty"`
	LastSeen     time.Time  `json:"last_seen"`
	Status       ToolStatus `json:"status"`
}
