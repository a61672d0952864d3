package contracts

import (
	"time"
)

// ArtifactProvenance links a lineage record to a content-addressed
// artifact (exported segment, produced document) and its validation state.
type ArtifactProvenance struct {
	ArtifactID            string  `json:"artifact_id"`
	ArtifactType          string  `json:"artifact_type"`
	IntegrityHash         string  `json:"integrity_hash"`
	ValidationEvidence    string  `json:"validation_evidence,omitempty"`
	ValidationIndependent bool    `json:"validation_independent"`
	ValidatingEntity      string  `json:"validating_entity,omitempty"`
	QualityUncertainty    float64 `json:"quality_uncertainty,omitempty"`
}

// LineageRecord is the complete audit trail of one CGA cycle: the drift
// that triggered it, every proposal and decision, and what executed.
// Records are append-only and hash-chained; Signature covers the canonical
// JSON of the record with Signature zeroed, computed after PriorRecordHash
// is linked to the previous record's signature.
type LineageRecord struct {
	ID                        string                  `json:"id"`
	CycleID                   string                  `json:"cycle_id"`
	Intent                    Intent                  `json:"intent"`
	DriftDetected             string                  `json:"drift_detected"`
	DriftSeverity             int                     `json:"drift_severity"`
	WorldStateSnapshot        map[string]any          `json:"world_state_snapshot,omitempty"`
	Proposals                 []StrategyProposal      `json:"proposals"`
	GovernanceDecisions       []GovernanceDecision    `json:"governance_decisions"`
	FinalApprovedProposal     *StrategyProposal       `json:"final_approved_proposal,omitempty"`
	ExecutionResult           *ExecutionResult        `json:"execution_result,omitempty"`
	ExecutionSuccess          bool                    `json:"execution_success"`
	TotalAttempts             int                     `json:"total_attempts"`
	EscalatedToHuman          bool                    `json:"escalated_to_human"`
	HumanAuthorizationToken   string                  `json:"human_authorization_token,omitempty"`
	ResolvedAt                *time.Time              `json:"resolved_at,omitempty"`
	ResolutionDurationSeconds *float64                `json:"resolution_duration_seconds,omitempty"`
	ConflictingIntents        []string                `json:"conflicting_intents,omitempty"`
	PriorityOverrideApplied   bool                    `json:"priority_override_applied"`
	DeprioritizedIntent       string                  `json:"deprioritized_intent,omitempty"`
	DeprioritizationRationale string                  `json:"deprioritization_rationale,omitempty"`
	Uncertainty               *UncertaintyDeclaration `json:"uncertainty,omitempty"`
	ArtifactProvenance        *ArtifactProvenance     `json:"artifact_provenance,omitempty"`
	CreatedAt                 time.Time               `json:"created_at"`
	Signature                 string                  `json:"signature"`
	PriorRecordHash           *string                 `json:"prior_record_hash"`
}

// IntentID is a query convenience for projection columns.
func (r LineageRecord) IntentID() string { return r.Intent.ID }
