package contracts

import (
	"time"
)

// ReconcilerConfig tunes the drift-detection loop. Zero values are
// replaced by the defaults below at load time.
type ReconcilerConfig struct {
	HeartbeatIntervalSeconds int     `json:"heartbeat_interval_seconds"`
	DriftThreshold           float64 `json:"drift_threshold"`
	MaxRetryBudget           int     `json:"max_retry_budget"`
	CooldownSeconds          int     `json:"cooldown_seconds"`
	CircuitBreakerThreshold  int     `json:"circuit_breaker_threshold"`
}

// DefaultReconcilerConfig returns the stock tuning.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		HeartbeatIntervalSeconds: 60,
		DriftThreshold:           0.7,
		MaxRetryBudget:           3,
		CooldownSeconds:          300,
		CircuitBreakerThreshold:  5,
	}
}

// Normalize fills unset fields with defaults and clamps nonsense values.
func (c ReconcilerConfig) Normalize() ReconcilerConfig {
	d := DefaultReconcilerConfig()
	if c.HeartbeatIntervalSeconds <= 0 {
		c.HeartbeatIntervalSeconds = d.HeartbeatIntervalSeconds
	}
	if c.DriftThreshold <= 0 || c.DriftThreshold > 1 {
		c.DriftThreshold = d.DriftThreshold
	}
	if c.MaxRetryBudget <= 0 {
		c.MaxRetryBudget = d.MaxRetryBudget
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = d.CooldownSeconds
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = d.CircuitBreakerThreshold
	}
	return c
}

// DampeningState is the per-entity cooldown and circuit-breaker record.
// CircuitBroken is permanent until a human resolves the escalation that
// tripped it.
type DampeningState struct {
	EntityID            string     `json:"entity_id"`
	LastInterventionAt  *time.Time `json:"last_intervention_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	CircuitBroken       bool       `json:"circuit_broken"`
}

// EscalationStatus tracks the lifecycle of a queued escalation.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationResolved EscalationStatus = "resolved"
)

// EscalationDescriptor is the work item handed to humans when the CGA
// loop could not resolve a drift autonomously.
type EscalationDescriptor struct {
	ID               string           `json:"id"`
	CycleID          string           `json:"cycle_id"`
	LineageID        string           `json:"lineage_id"`
	IntentID         string           `json:"intent_id"`
	EntityID         string           `json:"entity_id"`
	DriftDescription string           `json:"drift_description"`
	ProposalsTried   int              `json:"proposals_tried"`
	RejectionReasons []string         `json:"rejection_reasons"`
	Status           EscalationStatus `json:"status"`
	Resolution       string           `json:"resolution,omitempty"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}
