package contracts

import (
	"time"
)

// ConstraintType distinguishes inviolable constraints from preferences.
type ConstraintType string

const (
	// ConstraintHard marks a constraint that can never be traded away.
	// A proposal violating an active hard constraint is rejected.
	ConstraintHard ConstraintType = "hard"
	// ConstraintSoft marks a preference. Violations are recorded on the
	// decision and may be deprioritized in favor of a higher-priority
	// intent, but never block approval on their own.
	ConstraintSoft ConstraintType = "soft"
)

// PolicyActivation says when a constraint carries authority.
type PolicyActivation string

const (
	ActivationAlways PolicyActivation = "always"
	// ActivationSchedule activates the constraint only in minutes matched
	// by the cron expression in Constraint.ActivationSchedule.
	ActivationSchedule PolicyActivation = "schedule"
	// ActivationCondition defers to a registered predicate. With no
	// predicate registered the constraint is inactive (fail-safe).
	ActivationCondition PolicyActivation = "condition"
	// ActivationEmergencyOverride is always active and marks constraints
	// that survive emergency suspension of normal policy.
	ActivationEmergencyOverride PolicyActivation = "emergency_override"
)

// Constraint is a named policy rule attached to an intent. Names are
// canonical (NFC, lowercase) and key the evaluation rule that decides
// whether a proposal violates the constraint.
type Constraint struct {
	Name        string           `json:"name"`
	Type        ConstraintType   `json:"type"`
	Description string           `json:"description"`
	Activation  PolicyActivation `json:"activation"`
	// ActivationSchedule is a standard 5-field cron expression, consulted
	// when Activation == schedule. An unparsable expression deactivates
	// the constraint rather than failing open.
	ActivationSchedule string `json:"activation_schedule,omitempty"`
	// Expression is optional CEL source for operator-registered rules.
	// Built-in rule names ignore it.
	Expression string `json:"expression,omitempty"`
}

// Intent is an operator-declared objective with constraints. Immutable
// except replacement by id; replacement preserves CreatedAt.
type Intent struct {
	ID              string       `json:"id"`
	Objective       string       `json:"objective"`
	Priority        int          `json:"priority"`
	HardConstraints []Constraint `json:"hard_constraints,omitempty"`
	SoftConstraints []Constraint `json:"soft_constraints,omitempty"`
	CostCeiling     *float64     `json:"cost_ceiling,omitempty"`
	CreatedBy       string       `json:"created_by"`
	CreatedAt       time.Time    `json:"created_at"`
	Active          bool         `json:"active"`
}

// AllConstraints returns hard then soft constraints in declaration order.
func (i Intent) AllConstraints() []Constraint {
	out := make([]Constraint, 0, len(i.HardConstraints)+len(i.SoftConstraints))
	out = append(out, i.HardConstraints...)
	out = append(out, i.SoftConstraints...)
	return out
}
