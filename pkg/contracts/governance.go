package contracts

import (
	"time"
)

// Verdict is the terminal outcome of a governance evaluation.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictEscalate Verdict = "escalate"
)

// AuthorizationLevel is the graduated autonomy tier derived from action
// risk and action-type defaults. Higher levels hand more of the decision
// to humans.
type AuthorizationLevel string

const (
	// LevelL0 is fully autonomous execution.
	LevelL0 AuthorizationLevel = "L0"
	// LevelL1 executes and notifies afterward.
	LevelL1 AuthorizationLevel = "L1"
	// LevelL2 proposes and awaits approval.
	LevelL2 AuthorizationLevel = "L2"
	// LevelL3 is a collaborative human+system decision.
	LevelL3 AuthorizationLevel = "L3"
	// LevelL4 leaves the decision to a human; surfaces as ESCALATE.
	LevelL4 AuthorizationLevel = "L4"
)

// Rank orders levels for monotonicity comparisons (L0 < L1 < ... < L4).
func (l AuthorizationLevel) Rank() int {
	switch l {
	case LevelL0:
		return 0
	case LevelL1:
		return 1
	case LevelL2:
		return 2
	case LevelL3:
		return 3
	case LevelL4:
		return 4
	}
	return 0
}

// MaxLevel returns the higher of two authorization levels.
func MaxLevel(a, b AuthorizationLevel) AuthorizationLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AuthorizationTier is the legacy four-step scale kept for callers that
// predate the L0-L4 ladder.
type AuthorizationTier string

const (
	TierAutoExecute     AuthorizationTier = "auto_execute"
	TierNotifyProceed   AuthorizationTier = "notify_proceed"
	TierRequireApproval AuthorizationTier = "require_approval"
	TierEscalate        AuthorizationTier = "escalate"
)

// RiskProfile classifies an action type's worst-case consequences.
type RiskProfile struct {
	ImpactScope  string `json:"impact_scope"`
	Reversibility string `json:"reversibility"`
	BlastRadius  string `json:"blast_radius"`
}

// PhaseConfig declares one step of a multi-phase authorization chain.
type PhaseConfig struct {
	PhaseName                 string             `json:"phase_name"`
	Required                  bool               `json:"required"`
	DefaultAuthorizationLevel AuthorizationLevel `json:"default_authorization_level"`
	// EscalationOnDeviation raises this phase to at least L2 when an
	// earlier phase already approved at a lower level.
	EscalationOnDeviation bool `json:"escalation_on_deviation"`
}

// ActionTypeSpec describes a governed category of action. Only registered
// types may be proposed; evaluation of an unregistered type id rejects
// before any constraint runs.
type ActionTypeSpec struct {
	TypeID                    string             `json:"type_id"`
	Description               string             `json:"description"`
	Version                   string             `json:"version,omitempty"`
	RiskProfile               RiskProfile        `json:"risk_profile"`
	DefaultAuthorizationLevel AuthorizationLevel `json:"default_authorization_level"`
	ApplicablePolicies        []string           `json:"applicable_policies,omitempty"`
	EscalationConfig          map[string]any     `json:"escalation_config,omitempty"`
	PhaseConfig               []PhaseConfig      `json:"phase_config,omitempty"`
	RegisteredBy              string             `json:"registered_by"`
	RegisteredAt              time.Time          `json:"registered_at"`
}

// GovernancePhaseResult is the outcome of one authorization phase.
type GovernancePhaseResult struct {
	PhaseName          string             `json:"phase_name"`
	Verdict            Verdict            `json:"verdict"`
	AuthorizationLevel AuthorizationLevel `json:"authorization_level"`
	Notes              string             `json:"notes,omitempty"`
}

// UncertaintyDeclaration is attached to every decision: what the evaluator
// assumed, what it could not know, and how confident it is overall.
type UncertaintyDeclaration struct {
	Assumptions      []string `json:"assumptions"`
	WatchConditions  []string `json:"watch_conditions"`
	EvidenceBasis    []string `json:"evidence_basis"`
	KnownUnknowns    []string `json:"known_unknowns"`
	ConfidenceLevel  float64  `json:"confidence_level"`
	CalibrationNotes string   `json:"calibration_notes,omitempty"`
}

// TemporalContext records the wall-clock frame a decision was made in.
type TemporalContext struct {
	EvaluatedAt     time.Time `json:"evaluated_at"`
	Hour            int       `json:"hour"`
	Weekday         string    `json:"weekday"`
	IsBusinessHours bool      `json:"is_business_hours"`
}

// PolicySnapshot captures the constraint set that was active at
// evaluation time.
type PolicySnapshot struct {
	ActiveConstraints []PolicySnapshotEntry `json:"active_constraints"`
	Count             int                   `json:"count"`
}

// PolicySnapshotEntry is one active constraint in a policy snapshot.
type PolicySnapshotEntry struct {
	Name        string         `json:"name"`
	Type        ConstraintType `json:"type"`
	Description string         `json:"description"`
}

// GovernanceDecision is the full judgment on one proposal.
type GovernanceDecision struct {
	ID                  string                  `json:"id"`
	ProposalID          string                  `json:"proposal_id"`
	Verdict             Verdict                 `json:"verdict"`
	ViolatedConstraints []string                `json:"violated_constraints,omitempty"`
	RejectionReason     string                  `json:"rejection_reason,omitempty"`
	RejectionDetail     string                  `json:"rejection_detail,omitempty"`
	AuthorizationLevel  AuthorizationLevel      `json:"authorization_level"`
	AuthorizationTier   AuthorizationTier       `json:"authorization_tier"`
	PolicySnapshot      PolicySnapshot          `json:"policy_snapshot"`
	TemporalContext     TemporalContext         `json:"temporal_context"`
	Uncertainty         *UncertaintyDeclaration `json:"uncertainty"`
	RiskProfile         *RiskProfile            `json:"risk_profile,omitempty"`
	ConflictingIntents  []string                `json:"conflicting_intents,omitempty"`
	ActionTypeID        string                  `json:"action_type_id,omitempty"`
	PhaseResults        []GovernancePhaseResult `json:"phase_results,omitempty"`
	EvaluatedAt         time.Time               `json:"evaluated_at"`
	Evaluator           string                  `json:"evaluator"`
}
