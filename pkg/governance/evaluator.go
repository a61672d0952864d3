// Package governance implements the policy evaluation core: a pure
// function from (proposal, intents, world, now) to an approve/reject/
// escalate decision, plus the registry of governed action types.
//
// The evaluator is immutable from below. Only operator-declared intents
// define its behavior; it never accepts modification requests from the
// strategy layer or the executor.
package governance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/intent"
)

// Machine-readable rejection reasons with meaning beyond a constraint
// name. Constraint rejections use the violated names joined by "|".
const (
	ReasonUnregisteredActionType = "unregistered_action_type"
	ReasonRiskExceedsAuthority   = "risk_exceeds_system_authority"
	ReasonIntentConflict         = "unresolvable_intent_conflict"
)

// EvaluatorName tags every decision with its producer.
const EvaluatorName = "governance_kernel"

// EvalRequest carries everything one evaluation depends on. Evaluate is
// pure with respect to the request and the action type registry.
type EvalRequest struct {
	Proposal     contracts.StrategyProposal
	Intents      []contracts.Intent
	World        WorldView
	Now          time.Time
	ActionTypeID string
}

// Evaluator judges strategy proposals against active policy.
type Evaluator struct {
	registry  *Registry
	rules     *RuleSet
	authority *intent.Authority
}

// NewEvaluator wires an evaluator from its three collaborators. Nil
// arguments get fresh defaults.
func NewEvaluator(registry *Registry, rules *RuleSet, authority *intent.Authority) *Evaluator {
	if registry == nil {
		registry = NewRegistry()
	}
	if rules == nil {
		rules = NewRuleSet()
	}
	if authority == nil {
		authority = intent.NewAuthority()
	}
	return &Evaluator{registry: registry, rules: rules, authority: authority}
}

// Registry exposes the action type registry for registration paths.
func (e *Evaluator) Registry() *Registry { return e.registry }

// Rules exposes the rule set for operator rule registration.
func (e *Evaluator) Rules() *RuleSet { return e.rules }

// Evaluate runs the ordered governance checks and returns the decision.
// Checks short-circuit on the first terminal outcome:
//
//  1. unregistered action type id
//  2. active-constraint resolution (temporal authority)
//  3. hard constraints (any violation rejects)
//  4. soft constraints (recorded, non-blocking)
//  5. risk-derived authorization; escalate beyond system authority
//  6. intent-conflict detection
//  7. multi-phase authorization when the action type declares phases
//  8. approved
func (e *Evaluator) Evaluate(_ context.Context, req EvalRequest) contracts.GovernanceDecision {
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	p := req.Proposal
	world := req.World
	if world == nil {
		world = emptyWorld{}
	}

	base := contracts.GovernanceDecision{
		ID:              contracts.NewID("gov"),
		ProposalID:      p.ID,
		TemporalContext: temporalSnapshot(now),
		EvaluatedAt:     now,
		Evaluator:       EvaluatorName,
		ActionTypeID:    req.ActionTypeID,
	}

	// 1. Action type gate.
	var actionSpec *contracts.ActionTypeSpec
	if req.ActionTypeID != "" {
		spec, err := e.registry.Get(req.ActionTypeID)
		if err != nil {
			d := base
			d.Verdict = contracts.VerdictRejected
			d.RejectionReason = ReasonUnregisteredActionType
			d.RejectionDetail = fmt.Sprintf(
				"Action type '%s' is not registered. Only registered action types may be proposed.",
				req.ActionTypeID)
			d.AuthorizationLevel = contracts.LevelL0
			d.AuthorizationTier = contracts.TierAutoExecute
			d.PolicySnapshot = snapshotPolicies(nil)
			d.Uncertainty = synthesizeUncertainty(p, world, nil, nil)
			return d
		}
		actionSpec = &spec
		base.RiskProfile = &spec.RiskProfile
	}

	// 2. Active constraints under temporal authority.
	active := e.authority.ActiveConstraints(req.Intents, now)
	base.PolicySnapshot = snapshotPolicies(active)

	// 3. Hard constraints.
	var hardViolations []string
	for _, c := range active {
		if c.Type != contracts.ConstraintHard {
			continue
		}
		if e.rules.Violates(p, c, world) {
			hardViolations = append(hardViolations, c.Name)
		}
	}
	if len(hardViolations) > 0 {
		d := base
		d.Verdict = contracts.VerdictRejected
		d.ViolatedConstraints = hardViolations
		d.RejectionReason = structuredReason(hardViolations)
		d.RejectionDetail = humanReason(hardViolations, p, world)
		d.AuthorizationLevel = LevelForRisk(p.MaxRisk())
		d.AuthorizationTier = TierForRisk(p.MaxRisk())
		d.Uncertainty = synthesizeUncertainty(p, world, active, nil)
		return d
	}

	// 4. Soft constraints: recorded, never blocking.
	var softViolations []string
	for _, c := range active {
		if c.Type != contracts.ConstraintSoft {
			continue
		}
		if e.rules.Violates(p, c, world) {
			softViolations = append(softViolations, c.Name)
		}
	}
	base.Uncertainty = synthesizeUncertainty(p, world, active, softViolations)

	// 5. Graduated authorization.
	maxRisk := p.MaxRisk()
	level := LevelForRisk(maxRisk)
	tier := TierForRisk(maxRisk)
	if actionSpec != nil {
		level = contracts.MaxLevel(level, actionSpec.DefaultAuthorizationLevel)
	}
	base.AuthorizationLevel = level
	base.AuthorizationTier = tier
	if tier == contracts.TierEscalate {
		d := base
		d.Verdict = contracts.VerdictEscalate
		d.RejectionReason = ReasonRiskExceedsAuthority
		d.RejectionDetail = fmt.Sprintf(
			"Maximum risk score %d exceeds system authority threshold.", maxRisk)
		return d
	}

	// 6. Intent conflicts.
	if d, escalated := e.resolveConflicts(base, p, req.Intents); escalated {
		return d
	}

	// 7. Multi-phase authorization.
	if actionSpec != nil && len(actionSpec.PhaseConfig) > 0 {
		results, terminal := evaluatePhases(actionSpec.PhaseConfig)
		base.PhaseResults = results
		for _, r := range results {
			base.AuthorizationLevel = contracts.MaxLevel(base.AuthorizationLevel, r.AuthorizationLevel)
		}
		if terminal != contracts.VerdictApproved {
			d := base
			d.Verdict = terminal
			d.RejectionReason = ReasonRiskExceedsAuthority
			d.RejectionDetail = fmt.Sprintf(
				"Authorization phase '%s' exceeds system authority.",
				results[len(results)-1].PhaseName)
			return d
		}
	}

	// 8. Approved.
	d := base
	d.Verdict = contracts.VerdictApproved
	d.ViolatedConstraints = softViolations
	return d
}

// resolveConflicts runs the structural intent-conflict check: each other
// active intent's hard constraints are tested against the proposal with
// an empty world model, isolating constraint structure from live state.
// Conflicting intents are ranked by priority; if the serving intent is
// not primary the decision escalates.
func (e *Evaluator) resolveConflicts(
	base contracts.GovernanceDecision,
	p contracts.StrategyProposal,
	intents []contracts.Intent,
) (contracts.GovernanceDecision, bool) {
	var serving *contracts.Intent
	var conflicting []contracts.Intent
	for i := range intents {
		in := intents[i]
		if in.ID == p.IntentID {
			serving = &intents[i]
			continue
		}
		if !in.Active {
			continue
		}
		for _, c := range in.HardConstraints {
			if e.rules.Violates(p, c, emptyWorld{}) {
				conflicting = append(conflicting, in)
				break
			}
		}
	}
	if len(conflicting) == 0 || serving == nil {
		return base, false
	}

	all := append([]contracts.Intent{*serving}, conflicting...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Priority > all[j].Priority })
	primary := all[0]
	if primary.ID == serving.ID {
		// Serving intent wins on priority; hard constraints of every
		// conflicting intent were already enforced above.
		return base, false
	}

	ids := make([]string, len(all))
	for i, in := range all {
		ids[i] = in.ID
	}
	d := base
	d.Verdict = contracts.VerdictEscalate
	d.RejectionReason = ReasonIntentConflict
	d.RejectionDetail = fmt.Sprintf(
		"Intent conflict between [%s]. Serving intent %s is not highest priority.",
		strings.Join(ids, ", "), serving.ID)
	d.ConflictingIntents = ids
	return d, true
}

// evaluatePhases walks the phase chain in declaration order. Phases share
// the constraint and uncertainty context already established; each result
// carries its own authorization level. escalation_on_deviation raises a
// phase to at least L2 when any prior phase approved below L2. A phase
// whose effective level reaches L4 terminates the chain as ESCALATE.
func evaluatePhases(phases []contracts.PhaseConfig) ([]contracts.GovernancePhaseResult, contracts.Verdict) {
	results := make([]contracts.GovernancePhaseResult, 0, len(phases))
	for _, phase := range phases {
		level := phase.DefaultAuthorizationLevel
		if level == "" {
			level = contracts.LevelL0
		}
		if phase.EscalationOnDeviation {
			for _, prior := range results {
				if prior.Verdict == contracts.VerdictApproved &&
					prior.AuthorizationLevel.Rank() < contracts.LevelL2.Rank() {
					level = contracts.MaxLevel(level, contracts.LevelL2)
					break
				}
			}
		}
		verdict := contracts.VerdictApproved
		if level == contracts.LevelL4 {
			verdict = contracts.VerdictEscalate
		}
		results = append(results, contracts.GovernancePhaseResult{
			PhaseName:          phase.PhaseName,
			Verdict:            verdict,
			AuthorizationLevel: level,
		})
		if verdict != contracts.VerdictApproved {
			return results, verdict
		}
	}
	return results, contracts.VerdictApproved
}

// LevelForRisk maps max action risk to the graduated L0-L4 ladder:
// 1-3 L0, 4-5 L1, 6-7 L2, 8 L3, 9-10 L4.
func LevelForRisk(maxRisk int) contracts.AuthorizationLevel {
	switch {
	case maxRisk <= 3:
		return contracts.LevelL0
	case maxRisk <= 5:
		return contracts.LevelL1
	case maxRisk <= 7:
		return contracts.LevelL2
	case maxRisk <= 8:
		return contracts.LevelL3
	default:
		return contracts.LevelL4
	}
}

// TierForRisk maps max action risk to the legacy four-step scale:
// 1-3 auto_execute, 4-6 notify_proceed, 7-8 require_approval,
// 9-10 escalate.
func TierForRisk(maxRisk int) contracts.AuthorizationTier {
	switch {
	case maxRisk <= 3:
		return contracts.TierAutoExecute
	case maxRisk <= 6:
		return contracts.TierNotifyProceed
	case maxRisk <= 8:
		return contracts.TierRequireApproval
	default:
		return contracts.TierEscalate
	}
}

// temporalSnapshot captures the wall-clock frame of an evaluation.
func temporalSnapshot(now time.Time) contracts.TemporalContext {
	return contracts.TemporalContext{
		EvaluatedAt:     now,
		Hour:            now.Hour(),
		Weekday:         now.Weekday().String(),
		IsBusinessHours: now.Hour() >= 9 && now.Hour() < 18,
	}
}
