package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/intent"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/worldmodel"
)

type mapWorld map[string]contracts.Entity

func (m mapWorld) Get(id string) (contracts.Entity, error) {
	if e, ok := m[id]; ok {
		return e, nil
	}
	return contracts.Entity{}, worldmodel.ErrEntityNotFound
}

func newTestEvaluator() *Evaluator {
	return NewEvaluator(NewRegistry(), NewRuleSet(), intent.NewAuthority())
}

func outreachProposal(intentID string, risk int) contracts.StrategyProposal {
	return contracts.StrategyProposal{
		ID:       contracts.NewID("prop"),
		IntentID: intentID,
		Actions: []contracts.PlannedAction{{
			ActionType: "send_email",
			Target:     "lead_4821",
			Reversible: true,
			RiskScore:  risk,
		}},
		EstimatedCost: 0.10,
	}
}

func slaIntent(id string, priority int, hard ...contracts.Constraint) contracts.Intent {
	return contracts.Intent{
		ID:              id,
		Objective:       "Respond to all inbound leads within 60 minutes",
		Priority:        priority,
		HardConstraints: hard,
		Active:          true,
	}
}

func hardConstraint(name, description string) contracts.Constraint {
	return contracts.Constraint{
		Name:        name,
		Type:        contracts.ConstraintHard,
		Description: description,
		Activation:  contracts.ActivationAlways,
	}
}

var evalNow = time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC)

func TestEvaluateApprovesLowRisk(t *testing.T) {
	e := newTestEvaluator()
	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal: outreachProposal("intent_sla", 2),
		Intents:  []contracts.Intent{slaIntent("intent_sla", 8)},
		World: mapWorld{"lead_4821": {
			EntityID: "lead_4821", EntityType: "lead",
			Properties: map[string]any{"geo": "US"}, Confidence: 0.95, Source: "crm",
		}},
		Now: evalNow,
	})

	assert.Equal(t, contracts.VerdictApproved, d.Verdict)
	assert.Equal(t, contracts.LevelL0, d.AuthorizationLevel)
	assert.Equal(t, contracts.TierAutoExecute, d.AuthorizationTier)
	assert.Empty(t, d.RejectionReason)
	assert.Equal(t, EvaluatorName, d.Evaluator)
	require.NotNil(t, d.Uncertainty)
	// 0.95 entity confidence discounted for having no active constraints.
	assert.InDelta(t, 0.76, d.Uncertainty.ConfidenceLevel, 0.001)
}

func TestEvaluateRejectsUnregisteredActionType(t *testing.T) {
	e := newTestEvaluator()
	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal:     outreachProposal("intent_sla", 2),
		ActionTypeID: "warp_drive",
		Now:          evalNow,
	})

	assert.Equal(t, contracts.VerdictRejected, d.Verdict)
	assert.Equal(t, ReasonUnregisteredActionType, d.RejectionReason)
	assert.Contains(t, d.RejectionDetail, "warp_drive")
}

func TestEvaluateRejectsHardGDPRViolation(t *testing.T) {
	e := newTestEvaluator()
	in := slaIntent("intent_sla", 8,
		hardConstraint("gdpr_consent_required", "EU contacts require verified consent"))

	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal: outreachProposal("intent_sla", 2),
		Intents:  []contracts.Intent{in},
		World: mapWorld{"lead_4821": {
			EntityID: "lead_4821", EntityType: "lead",
			Properties: map[string]any{"geo": "EU"}, Confidence: 0.95, Source: "crm",
		}},
		Now: evalNow,
	})

	assert.Equal(t, contracts.VerdictRejected, d.Verdict)
	assert.Equal(t, "gdpr_consent_required", d.RejectionReason)
	assert.Equal(t, []string{"gdpr_consent_required"}, d.ViolatedConstraints)
	assert.Contains(t, d.RejectionDetail, "No GDPR consent on file")
	assert.Equal(t, 1, d.PolicySnapshot.Count)
}

func TestEvaluateConsentOnFilePasses(t *testing.T) {
	e := newTestEvaluator()
	in := slaIntent("intent_sla", 8,
		hardConstraint("gdpr_consent_required", "EU contacts require verified consent"))

	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal: outreachProposal("intent_sla", 2),
		Intents:  []contracts.Intent{in},
		World: mapWorld{"lead_4821": {
			EntityID: "lead_4821", EntityType: "lead",
			Properties: map[string]any{"geo": "DE", "gdpr_consent": true},
			Confidence: 1.0, Source: "crm",
		}},
		Now: evalNow,
	})
	assert.Equal(t, contracts.VerdictApproved, d.Verdict)
}

func TestEvaluateJoinsMultipleViolations(t *testing.T) {
	e := newTestEvaluator()
	in := slaIntent("intent_sla", 8,
		hardConstraint("gdpr_consent_required", "EU contacts require verified consent"),
		hardConstraint("cost_ceiling", "Keep cost under $0.01 per action"))

	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal: outreachProposal("intent_sla", 2),
		Intents:  []contracts.Intent{in},
		World: mapWorld{"lead_4821": {
			EntityID: "lead_4821", EntityType: "lead",
			Properties: map[string]any{"geo": "FR"}, Confidence: 0.9, Source: "crm",
		}},
		Now: evalNow,
	})

	assert.Equal(t, contracts.VerdictRejected, d.Verdict)
	assert.Equal(t, "gdpr_consent_required|cost_ceiling", d.RejectionReason)
}

func TestEvaluateSoftViolationRecordsWithoutBlocking(t *testing.T) {
	e := newTestEvaluator()
	in := slaIntent("intent_sla", 8)
	in.SoftConstraints = []contracts.Constraint{{
		Name:        "no_contact_outside_hours",
		Type:        contracts.ConstraintSoft,
		Description: "Avoid contacting people at night",
		Activation:  contracts.ActivationAlways,
	}}

	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal: outreachProposal("intent_sla", 2),
		Intents:  []contracts.Intent{in},
		World: mapWorld{"lead_4821": {
			EntityID: "lead_4821", EntityType: "lead",
			Properties: map[string]any{"geo": "US", "local_hour": 23},
			Confidence: 1.0, Source: "crm",
		}},
		Now: evalNow,
	})

	assert.Equal(t, contracts.VerdictApproved, d.Verdict)
	assert.Equal(t, []string{"no_contact_outside_hours"}, d.ViolatedConstraints)
	require.NotNil(t, d.Uncertainty)
	assert.InDelta(t, 0.9, d.Uncertainty.ConfidenceLevel, 0.001)
}

func TestEvaluateEscalatesHighRisk(t *testing.T) {
	e := newTestEvaluator()
	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal: outreachProposal("intent_sla", 9),
		Intents:  []contracts.Intent{slaIntent("intent_sla", 8)},
		Now:      evalNow,
	})

	assert.Equal(t, contracts.VerdictEscalate, d.Verdict)
	assert.Equal(t, ReasonRiskExceedsAuthority, d.RejectionReason)
	assert.Equal(t, contracts.LevelL4, d.AuthorizationLevel)
	assert.Equal(t, contracts.TierEscalate, d.AuthorizationTier)
}

func TestEvaluateIntentConflictEscalates(t *testing.T) {
	e := newTestEvaluator()
	serving := slaIntent("intent_sla", 5)
	blocking := slaIntent("intent_privacy", 9,
		hardConstraint("gdpr_consent_required", "EU contacts require verified consent"))

	p := outreachProposal("intent_sla", 2)
	p.Actions[0].RequiresConsent = true

	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal: p,
		Intents:  []contracts.Intent{serving, blocking},
		World: mapWorld{"lead_4821": {
			EntityID: "lead_4821", EntityType: "lead",
			Properties: map[string]any{"geo": "US", "gdpr_consent": true},
			Confidence: 1.0, Source: "crm",
		}},
		Now: evalNow,
	})

	assert.Equal(t, contracts.VerdictEscalate, d.Verdict)
	assert.Equal(t, ReasonIntentConflict, d.RejectionReason)
	assert.Equal(t, []string{"intent_privacy", "intent_sla"}, d.ConflictingIntents)
}

func TestEvaluateServingIntentWinsOnPriority(t *testing.T) {
	e := newTestEvaluator()
	serving := slaIntent("intent_sla", 9)
	blocking := slaIntent("intent_privacy", 5,
		hardConstraint("gdpr_consent_required", "EU contacts require verified consent"))

	p := outreachProposal("intent_sla", 2)
	p.Actions[0].RequiresConsent = true

	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal: p,
		Intents:  []contracts.Intent{serving, blocking},
		World: mapWorld{"lead_4821": {
			EntityID: "lead_4821", EntityType: "lead",
			Properties: map[string]any{"geo": "US", "gdpr_consent": true},
			Confidence: 1.0, Source: "crm",
		}},
		Now: evalNow,
	})
	assert.Equal(t, contracts.VerdictApproved, d.Verdict)
}

func TestEvaluateActionTypeRaisesAuthorizationLevel(t *testing.T) {
	e := newTestEvaluator()
	_, err := e.Registry().Register(contracts.ActionTypeSpec{
		TypeID:                    "skill_update",
		Description:               "Update a playbook",
		Version:                   "1.0.0",
		DefaultAuthorizationLevel: contracts.LevelL2,
	}, "ops")
	require.NoError(t, err)

	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal:     outreachProposal("intent_sla", 2),
		ActionTypeID: "skill_update",
		Now:          evalNow,
	})

	assert.Equal(t, contracts.VerdictApproved, d.Verdict)
	assert.Equal(t, contracts.LevelL2, d.AuthorizationLevel)
	require.NotNil(t, d.RiskProfile)
}

func TestEvaluatePhaseChain(t *testing.T) {
	e := newTestEvaluator()
	_, err := e.Registry().Register(contracts.ActionTypeSpec{
		TypeID:      "deploy_change",
		Description: "Deploy a change in phases",
		Version:     "1.0.0",
		PhaseConfig: []contracts.PhaseConfig{
			{PhaseName: "canary", DefaultAuthorizationLevel: contracts.LevelL1},
			{PhaseName: "rollout", DefaultAuthorizationLevel: contracts.LevelL1, EscalationOnDeviation: true},
		},
	}, "ops")
	require.NoError(t, err)

	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal:     outreachProposal("intent_sla", 2),
		ActionTypeID: "deploy_change",
		Now:          evalNow,
	})

	assert.Equal(t, contracts.VerdictApproved, d.Verdict)
	require.Len(t, d.PhaseResults, 2)
	assert.Equal(t, contracts.LevelL2, d.PhaseResults[1].AuthorizationLevel,
		"escalation_on_deviation raises the phase to at least L2")
	assert.Equal(t, contracts.LevelL2, d.AuthorizationLevel)
}

func TestEvaluatePhaseL4Escalates(t *testing.T) {
	e := newTestEvaluator()
	_, err := e.Registry().Register(contracts.ActionTypeSpec{
		TypeID:      "wipe_dataset",
		Description: "Irreversible data operation",
		Version:     "1.0.0",
		PhaseConfig: []contracts.PhaseConfig{
			{PhaseName: "confirm", DefaultAuthorizationLevel: contracts.LevelL4},
		},
	}, "ops")
	require.NoError(t, err)

	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal:     outreachProposal("intent_sla", 2),
		ActionTypeID: "wipe_dataset",
		Now:          evalNow,
	})

	assert.Equal(t, contracts.VerdictEscalate, d.Verdict)
	assert.Equal(t, ReasonRiskExceedsAuthority, d.RejectionReason)
}

func TestLevelAndTierLadders(t *testing.T) {
	cases := []struct {
		risk  int
		level contracts.AuthorizationLevel
		tier  contracts.AuthorizationTier
	}{
		{1, contracts.LevelL0, contracts.TierAutoExecute},
		{3, contracts.LevelL0, contracts.TierAutoExecute},
		{4, contracts.LevelL1, contracts.TierNotifyProceed},
		{5, contracts.LevelL1, contracts.TierNotifyProceed},
		{6, contracts.LevelL2, contracts.TierNotifyProceed},
		{7, contracts.LevelL2, contracts.TierRequireApproval},
		{8, contracts.LevelL3, contracts.TierRequireApproval},
		{9, contracts.LevelL4, contracts.TierEscalate},
		{10, contracts.LevelL4, contracts.TierEscalate},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.level, LevelForRisk(tc.risk), "risk %d", tc.risk)
		assert.Equal(t, tc.tier, TierForRisk(tc.risk), "risk %d", tc.risk)
	}
}

func TestUncertaintyFlagsMissingEntity(t *testing.T) {
	e := newTestEvaluator()
	d := e.Evaluate(context.Background(), EvalRequest{
		Proposal: outreachProposal("intent_sla", 2),
		Intents:  []contracts.Intent{slaIntent("intent_sla", 8)},
		World:    mapWorld{},
		Now:      evalNow,
	})

	require.NotNil(t, d.Uncertainty)
	require.NotEmpty(t, d.Uncertainty.KnownUnknowns)
	assert.Contains(t, d.Uncertainty.KnownUnknowns[0], "lead_4821")
	assert.Less(t, d.Uncertainty.ConfidenceLevel, 0.5)
}
