//go:build property
// +build property

package governance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/intent"
)

var propertyNow = time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC)

func propertyEvaluator() *Evaluator {
	return NewEvaluator(NewRegistry(), NewRuleSet(), intent.NewAuthority())
}

func propertyIntent() contracts.Intent {
	return contracts.Intent{
		ID:        "intent_sla",
		Objective: "Respond to all inbound leads within 10 minutes",
		Priority:  8,
		HardConstraints: []contracts.Constraint{
			{
				Name:       "gdpr_consent_required",
				Type:       contracts.ConstraintHard,
				Activation: contracts.ActivationAlways,
			},
			{
				Name:       "no_contact_outside_hours",
				Type:       contracts.ConstraintHard,
				Activation: contracts.ActivationAlways,
			},
		},
		Active: true,
	}
}

// TestApprovedNeverViolatesHardConstraints checks that no combination of
// entity geography, consent state, local hour, and risk yields an
// approved verdict while the entity actually trips an active hard
// constraint.
func TestApprovedNeverViolatesHardConstraints(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	geos := []string{"EU", "DE", "FR", "US", "BR", "JP"}
	euGeos := map[string]bool{"EU": true, "DE": true, "FR": true}

	properties.Property("approval implies consent and contact-hour compliance", prop.ForAll(
		func(geoIdx int, consent bool, localHour int, risk int) bool {
			geo := geos[geoIdx%len(geos)]
			hour := localHour % 24

			world := mapWorld{"lead_4821": {
				EntityType: "lead",
				EntityID:   "lead_4821",
				Properties: map[string]any{
					"geo":          geo,
					"gdpr_consent": consent,
					"local_hour":   hour,
				},
				Confidence: 0.9,
			}}

			d := propertyEvaluator().Evaluate(context.Background(), EvalRequest{
				Proposal: contracts.StrategyProposal{
					ID:       "prop_p",
					IntentID: "intent_sla",
					Actions: []contracts.PlannedAction{{
						ActionType: "send_email",
						Target:     "lead_4821",
						RiskScore:  risk%8 + 1,
					}},
				},
				Intents: []contracts.Intent{propertyIntent()},
				World:   world,
				Now:     propertyNow,
			})

			if d.Verdict != contracts.VerdictApproved {
				return true
			}
			if euGeos[geo] && !consent {
				return false
			}
			if hour >= 22 || hour < 7 {
				return false
			}
			for _, name := range d.ViolatedConstraints {
				if name == "gdpr_consent_required" || name == "no_contact_outside_hours" {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 1000),
		gen.Bool(),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestEveryDecisionDeclaresUncertainty checks that all verdicts carry a
// populated uncertainty block with a confidence in [0,1].
func TestEveryDecisionDeclaresUncertainty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("confidence_level is always present and bounded", prop.ForAll(
		func(risk int, haveEntity bool, confidence int) bool {
			world := mapWorld{}
			if haveEntity {
				world["lead_4821"] = contracts.Entity{
					EntityType: "lead",
					EntityID:   "lead_4821",
					Properties: map[string]any{"geo": "US"},
					Confidence: float64(confidence%101) / 100,
				}
			}

			d := propertyEvaluator().Evaluate(context.Background(), EvalRequest{
				Proposal: contracts.StrategyProposal{
					ID: "prop_u",
					Actions: []contracts.PlannedAction{{
						ActionType: "send_email",
						Target:     "lead_4821",
						RiskScore:  risk%10 + 1,
					}},
				},
				World: world,
				Now:   propertyNow,
			})

			if d.Uncertainty == nil {
				return false
			}
			c := d.Uncertainty.ConfidenceLevel
			return c >= 0 && c <= 1
		},
		gen.IntRange(0, 1000),
		gen.Bool(),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestAuthorizationLevelMonotonicInRisk checks that raising the maximum
// risk score of an otherwise identical proposal never lowers the
// authorization level.
func TestAuthorizationLevelMonotonicInRisk(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	evaluate := func(risk int) contracts.GovernanceDecision {
		world := mapWorld{"lead_4821": {
			EntityType: "lead",
			EntityID:   "lead_4821",
			Properties: map[string]any{"geo": "US"},
			Confidence: 0.9,
		}}
		return propertyEvaluator().Evaluate(context.Background(), EvalRequest{
			Proposal: contracts.StrategyProposal{
				ID: fmt.Sprintf("prop_r%d", risk),
				Actions: []contracts.PlannedAction{{
					ActionType: "update_record",
					Target:     "lead_4821",
					RiskScore:  risk,
				}},
			},
			World: world,
			Now:   propertyNow,
		})
	}

	properties.Property("higher risk never yields a lower level", prop.ForAll(
		func(a, b int) bool {
			lo, hi := a%10+1, b%10+1
			if lo > hi {
				lo, hi = hi, lo
			}
			dLo := evaluate(lo)
			dHi := evaluate(hi)
			return dLo.AuthorizationLevel.Rank() <= dHi.AuthorizationLevel.Rank()
		},
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
