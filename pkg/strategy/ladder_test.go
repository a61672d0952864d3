package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

var ladderNow = time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC)

func newLadder() *LadderGenerator {
	return NewLadderGenerator().WithClock(func() time.Time { return ladderNow })
}

func ladderRequest(attempt int, rejections ...contracts.RejectionFeedback) Request {
	return Request{
		Intent: contracts.Intent{ID: "intent_sla", Priority: 8},
		Drift: contracts.DriftEvent{
			EntityID:    "lead_4821",
			Description: "SLA breach imminent",
			Context:     map[string]any{"sla_remaining_minutes": 5.0},
		},
		AccumulatedRejections: rejections,
		AttemptNumber:         attempt,
	}
}

func TestFirstAttemptIsDirectOutreach(t *testing.T) {
	p, err := newLadder().Generate(context.Background(), ladderRequest(1))
	require.NoError(t, err)

	require.Len(t, p.Actions, 1)
	assert.Equal(t, "send_email", p.Actions[0].ActionType)
	assert.Equal(t, "lead_4821", p.Actions[0].Target)
	assert.Equal(t, 1, p.AttemptNumber)
	assert.InDelta(t, 0.10, p.EstimatedCost, 0.001)
	assert.Equal(t, ladderNow, p.GeneratedAt)
	assert.Contains(t, p.Rationale, "First attempt")
}

func TestSecondAttemptQueriesConsentFirst(t *testing.T) {
	p, err := newLadder().Generate(context.Background(), ladderRequest(2,
		contracts.RejectionFeedback{Constraint: "gdpr_consent_required", DecisionID: "gov_1"}))
	require.NoError(t, err)

	require.Len(t, p.Actions, 2)
	assert.Equal(t, "query_crm", p.Actions[0].ActionType)
	assert.Equal(t, "send_email", p.Actions[1].ActionType)
	assert.True(t, p.Actions[1].RequiresConsent)
	assert.InDelta(t, 0.15, p.EstimatedCost, 0.001)
	assert.Contains(t, p.Rationale, "gdpr_consent_required")
}

func TestGDPRRejectionSkipsDirectOutreachOnRetry(t *testing.T) {
	// Even on attempt 1, a carried GDPR rejection pushes selection past
	// the direct rung.
	p, err := newLadder().Generate(context.Background(), ladderRequest(1,
		contracts.RejectionFeedback{Constraint: "GDPR_Consent_Required"}))
	require.NoError(t, err)
	assert.Equal(t, "query_crm", p.Actions[0].ActionType)
}

func TestThirdAttemptRoutesToHuman(t *testing.T) {
	p, err := newLadder().Generate(context.Background(), ladderRequest(3,
		contracts.RejectionFeedback{Constraint: "gdpr_consent_required"},
		contracts.RejectionFeedback{Constraint: "no_consent_on_file"}))
	require.NoError(t, err)

	require.Len(t, p.Actions, 1)
	action := p.Actions[0]
	assert.Equal(t, "route_to_human", action.ActionType)
	assert.InDelta(t, 5.00, p.EstimatedCost, 0.001)

	params := action.Parameters
	assert.Equal(t, "sales_queue", params["queue"])
	ctxMap, ok := params["context"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5.0, ctxMap["sla_remaining_minutes"])
}

func TestConsentRejectionSkipsMiddleRung(t *testing.T) {
	p, err := newLadder().Generate(context.Background(), ladderRequest(2,
		contracts.RejectionFeedback{Constraint: "no consent verified for entity"}))
	require.NoError(t, err)
	assert.Equal(t, "route_to_human", p.Actions[0].ActionType)
}

func TestAttemptBeyondLadderClampsToSafestRung(t *testing.T) {
	p, err := newLadder().Generate(context.Background(), ladderRequest(7))
	require.NoError(t, err)
	assert.Equal(t, "route_to_human", p.Actions[0].ActionType)
}

func TestGenerateRejectsInvalidAttempt(t *testing.T) {
	_, err := newLadder().Generate(context.Background(), ladderRequest(0))
	assert.Error(t, err)
}

func TestPriorRejectionIDLinksProposals(t *testing.T) {
	req := ladderRequest(2, contracts.RejectionFeedback{Constraint: "gdpr_consent_required"})
	req.PriorProposals = []contracts.StrategyProposal{{ID: "prop_first"}}

	p, err := newLadder().Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "prop_first", p.PriorRejectionID)
}

func TestEstimateCostFallsBackForUnknownTypes(t *testing.T) {
	cost := EstimateCost([]contracts.PlannedAction{
		{ActionType: "send_email"},
		{ActionType: "telepathy"},
	})
	assert.InDelta(t, 0.60, cost, 0.001)
}
