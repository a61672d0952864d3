package contracts

import (
	"time"
)

// ExecutionResult aggregates the per-action outcomes of dispatching an
// approved proposal.
type ExecutionResult struct {
	ProposalID       string           `json:"proposal_id"`
	ExecutedAt       time.Time        `json:"executed_at"`
	ActionsCompleted []map[string]any `json:"actions_completed"`
	ActionsFailed    []map[string]any `json:"actions_failed"`
	// WorldModelUpdates maps entity id to property updates derived from
	// execution (last_contacted, contact_method).
	WorldModelUpdates map[string]map[string]any `json:"world_model_updates,omitempty"`
	Success           bool                      `json:"success"`
	DurationSeconds   float64                   `json:"duration_seconds"`
}
