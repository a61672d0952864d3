package contracts

import (
	"time"
)

// PlannedAction is a single concrete step inside a strategy proposal.
type PlannedAction struct {
	ActionType      string         `json:"action_type"`
	Target          string         `json:"target"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	RequiresConsent bool           `json:"requires_consent"`
	Reversible      bool           `json:"reversible"`
	RiskScore       int            `json:"risk_score"`
}

// StrategyProposal is one candidate course of action for resolving a drift
// event, produced by a strategy generator and judged by governance.
type StrategyProposal struct {
	ID              string          `json:"id"`
	IntentID        string          `json:"intent_id"`
	AttemptNumber   int             `json:"attempt_number"`
	PlanDescription string          `json:"plan_description"`
	Actions         []PlannedAction `json:"actions"`
	EstimatedCost   float64         `json:"estimated_cost"`
	Rationale       string          `json:"rationale"`
	PriorRejectionID string         `json:"prior_rejection_id,omitempty"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// MaxRisk returns the highest risk score across actions, or 1 for an
// empty action list.
func (p StrategyProposal) MaxRisk() int {
	max := 1
	for _, a := range p.Actions {
		if a.RiskScore > max {
			max = a.RiskScore
		}
	}
	return max
}

// RejectionFeedback is one accumulated rejection carried between CGA
// attempts. It is the only feedback channel from attempt N to attempt N+1.
type RejectionFeedback struct {
	Constraint  string `json:"constraint"`
	HumanDetail string `json:"human_detail"`
	DecisionID  string `json:"decision_id"`
}
