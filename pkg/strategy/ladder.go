package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// actionCosts is the static per-action-type cost table used for
// estimated_cost derivation.
var actionCosts = map[string]float64{
	"send_email":         0.10,
	"send_sms":           0.15,
	"query_crm":          0.05,
	"route_to_human":     5.00,
	"automated_outreach": 0.20,
	"direct_call":        1.00,
	"update_record":      0.02,
}

const defaultActionCost = 0.50

// rung is one step of the strategy ladder, ordered most automated first.
type rung struct {
	name    string
	build   func(target string, drift contracts.DriftEvent) []contracts.PlannedAction
	blocked func(rejections []contracts.RejectionFeedback) bool
}

// LadderGenerator is the deterministic default generator: an ordered
// ladder from most automated to safest. Each attempt picks the lowest
// rung whose action pattern does not match an accumulated rejection.
type LadderGenerator struct {
	rungs []rung
	now   func() time.Time
}

// NewLadderGenerator returns the stock three-rung ladder: direct
// outreach, prefetch-consent-then-outreach, human handoff.
func NewLadderGenerator() *LadderGenerator {
	return &LadderGenerator{
		rungs: []rung{
			{name: "direct_automated_outreach", build: buildDirectOutreach, blocked: blockedByGDPR},
			{name: "query_then_outreach", build: buildQueryThenOutreach, blocked: blockedByMissingConsent},
			{name: "human_handoff", build: buildHumanHandoff, blocked: neverBlocked},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (g *LadderGenerator) WithClock(now func() time.Time) *LadderGenerator {
	g.now = now
	return g
}

// Generate picks a rung and assembles the proposal. Selection starts at
// min(attempt-1, last) and scans forward past rungs whose signature
// matches an accumulated rejection; when every remaining rung is blocked
// the safest rung is used.
func (g *LadderGenerator) Generate(_ context.Context, req Request) (contracts.StrategyProposal, error) {
	if req.AttemptNumber < 1 {
		return contracts.StrategyProposal{}, fmt.Errorf("strategy: attempt number must be >= 1, got %d", req.AttemptNumber)
	}

	start := req.AttemptNumber - 1
	if start > len(g.rungs)-1 {
		start = len(g.rungs) - 1
	}
	selected := len(g.rungs) - 1
	for i := start; i < len(g.rungs); i++ {
		if !g.rungs[i].blocked(req.AccumulatedRejections) {
			selected = i
			break
		}
	}

	target := req.Drift.EntityID
	if target == "" {
		target = "unknown"
	}
	actions := g.rungs[selected].build(target, req.Drift)

	priorRejectionID := ""
	if n := len(req.PriorProposals); n > 0 {
		priorRejectionID = req.PriorProposals[n-1].ID
	}

	return contracts.StrategyProposal{
		ID:               contracts.NewID("prop"),
		IntentID:         req.Intent.ID,
		AttemptNumber:    req.AttemptNumber,
		PlanDescription:  describePlan(actions),
		Actions:          actions,
		EstimatedCost:    EstimateCost(actions),
		Rationale:        buildRationale(req.AttemptNumber, req.AccumulatedRejections, actions),
		PriorRejectionID: priorRejectionID,
		GeneratedAt:      g.now(),
	}, nil
}

func buildDirectOutreach(target string, _ contracts.DriftEvent) []contracts.PlannedAction {
	return []contracts.PlannedAction{{
		ActionType: "send_email",
		Target:     target,
		Parameters: map[string]any{
			"template":     "high_value_lead_response",
			"personalized": true,
		},
		RequiresConsent: false,
		Reversible:      true,
		RiskScore:       3,
	}}
}

func buildQueryThenOutreach(target string, _ contracts.DriftEvent) []contracts.PlannedAction {
	return []contracts.PlannedAction{
		{
			ActionType:      "query_crm",
			Target:          target,
			Parameters:      map[string]any{"fields": []string{"gdpr_consent", "contact_preferences"}},
			RequiresConsent: false,
			Reversible:      true,
			RiskScore:       1,
		},
		{
			ActionType: "send_email",
			Target:     target,
			Parameters: map[string]any{
				"template":    "high_value_lead_response",
				"conditional": "if_consent_verified",
			},
			RequiresConsent: true,
			Reversible:      true,
			RiskScore:       3,
		},
	}
}

func buildHumanHandoff(target string, drift contracts.DriftEvent) []contracts.PlannedAction {
	slaRemaining := any(2.0)
	if drift.Context != nil {
		if v, ok := drift.Context["sla_remaining_minutes"]; ok {
			slaRemaining = v
		}
	}
	return []contracts.PlannedAction{{
		ActionType: "route_to_human",
		Target:     target,
		Parameters: map[string]any{
			"queue": "sales_queue",
			"context": map[string]any{
				"reason":                "Compliance requires human-initiated first contact",
				"consent_capture_form":  true,
				"sla_remaining_minutes": slaRemaining,
			},
			"priority": "urgent",
		},
		RequiresConsent: false,
		Reversible:      true,
		RiskScore:       2,
	}}
}

func blockedByGDPR(rejections []contracts.RejectionFeedback) bool {
	for _, r := range rejections {
		if strings.Contains(strings.ToLower(r.Constraint), "gdpr") {
			return true
		}
	}
	return false
}

func blockedByMissingConsent(rejections []contracts.RejectionFeedback) bool {
	for _, r := range rejections {
		lc := strings.ToLower(r.Constraint)
		if strings.Contains(lc, "no consent") || strings.Contains(lc, "no_consent") {
			return true
		}
	}
	return false
}

func neverBlocked([]contracts.RejectionFeedback) bool { return false }

// EstimateCost sums the static cost table over the action list.
func EstimateCost(actions []contracts.PlannedAction) float64 {
	var total float64
	for _, a := range actions {
		cost, ok := actionCosts[a.ActionType]
		if !ok {
			cost = defaultActionCost
		}
		total += cost
	}
	return total
}

func describePlan(actions []contracts.PlannedAction) string {
	steps := make([]string, len(actions))
	for i, a := range actions {
		steps[i] = fmt.Sprintf("%d. %s -> %s", i+1, a.ActionType, a.Target)
	}
	return strings.Join(steps, "; ")
}

func buildRationale(attempt int, rejections []contracts.RejectionFeedback, actions []contracts.PlannedAction) string {
	if attempt == 1 {
		return "First attempt: direct automated approach for fastest intent resolution."
	}
	reasons := make([]string, 0, len(rejections))
	for _, r := range rejections {
		reason := r.Constraint
		if reason == "" {
			reason = "unknown"
		}
		reasons = append(reasons, reason)
	}
	types := make([]string, len(actions))
	for i, a := range actions {
		types[i] = a.ActionType
	}
	return fmt.Sprintf("Attempt %d: adapted strategy to avoid [%s]. Using [%s].",
		attempt, strings.Join(reasons, ", "), strings.Join(types, ", "))
}
