package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/cga"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/escalation"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/execution"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/governance"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/intent"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/lineage"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/worldmodel"
)

// kernel wires the whole loop against a durable sqlite ledger for the
// end-to-end walkthroughs.
type kernel struct {
	world       *worldmodel.Store
	intents     *intent.Store
	ledger      *lineage.Ledger
	db          *sql.DB
	escalations *escalation.Queue
	rec         *Reconciler
	now         time.Time
}

func newKernel(t *testing.T, maxAttempts int) *kernel {
	t.Helper()
	now := time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "lineage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	ledger, err := lineage.Open(context.Background(), db, lineage.DriverSQLite)
	require.NoError(t, err)

	world := worldmodel.NewStore().WithClock(clock)
	intents := intent.NewStore().WithClock(clock)
	evaluator := governance.NewEvaluator(governance.NewRegistry(), governance.NewRuleSet(), intent.NewAuthority())
	dispatcher := execution.NewDispatcher(world).WithClock(clock)
	dispatcher.RegisterMockHandlers()
	orch := cga.NewOrchestrator(nil, evaluator, dispatcher, maxAttempts).WithClock(clock)
	escalations := escalation.NewQueue(nil).WithClock(clock)
	rec := New(world, intents, orch, ledger, escalations, Options{}).WithClock(clock)

	return &kernel{world: world, intents: intents, ledger: ledger, db: db,
		escalations: escalations, rec: rec, now: now}
}

func (k *kernel) addSLAIntent(hard ...contracts.Constraint) contracts.Intent {
	return k.intents.Create(contracts.Intent{
		ID:              "lead_response_sla",
		Objective:       "Respond to all inbound leads within 10 minutes",
		Priority:        80,
		HardConstraints: hard,
		CreatedBy:       "ops",
		Active:          true,
	})
}

func (k *kernel) addLead(props map[string]any) {
	k.world.Upsert(contracts.Entity{
		EntityType:  "lead",
		EntityID:    "lead_4821",
		Properties:  props,
		Source:      "crm",
		Confidence:  0.95,
		Obligations: []string{"lead_response_sla"},
	})
}

func gdprConstraint() contracts.Constraint {
	return contracts.Constraint{
		Name:        "gdpr_consent_required",
		Type:        contracts.ConstraintHard,
		Description: "EU contacts require verified consent before outreach",
		Activation:  contracts.ActivationAlways,
	}
}

func contactHoursConstraint() contracts.Constraint {
	return contracts.Constraint{
		Name:        "no_contact_outside_hours",
		Type:        contracts.ConstraintHard,
		Description: "No automated contact between 22:00 and 07:00 local",
		Activation:  contracts.ActivationAlways,
	}
}

// EU lead without consent, 8 minutes into a 10-minute SLA: two rejected
// attempts, then an approved human handoff, all in one chained record.
func TestScenarioEULeadWithoutConsent(t *testing.T) {
	k := newKernel(t, 3)
	k.addSLAIntent(gdprConstraint())
	k.addLead(map[string]any{
		"geo":          "EU",
		"gdpr_consent": false,
		"local_hour":   14,
		"created_at":   k.now.Add(-8 * time.Minute).Format(time.RFC3339),
	})

	report, err := k.rec.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)

	outcome := report.Outcomes[0]
	assert.Equal(t, "approved", outcome.Verdict)
	assert.Equal(t, 3, outcome.Attempts)
	assert.True(t, outcome.ExecutionSuccess)
	assert.False(t, outcome.Escalated)
	// 8 of 10 SLA minutes consumed: 8 + int(0.8*2).
	assert.Equal(t, 9, outcome.Drift.Severity)

	records, err := k.ledger.ByCycle(context.Background(), outcome.CycleID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	record := records[0]

	assert.Equal(t, 3, record.TotalAttempts)
	assert.Equal(t, 9, record.DriftSeverity)
	assert.False(t, record.EscalatedToHuman)
	assert.True(t, record.ExecutionSuccess)
	require.Len(t, record.GovernanceDecisions, 3)
	assert.Equal(t, contracts.VerdictRejected, record.GovernanceDecisions[0].Verdict)
	assert.Equal(t, contracts.VerdictRejected, record.GovernanceDecisions[1].Verdict)
	assert.Equal(t, contracts.VerdictApproved, record.GovernanceDecisions[2].Verdict)

	require.NotNil(t, record.FinalApprovedProposal)
	assert.Equal(t, "route_to_human", record.FinalApprovedProposal.Actions[0].ActionType)

	integrity, err := k.ledger.VerifyChainIntegrity(context.Background())
	require.NoError(t, err)
	assert.True(t, integrity.Valid)
}

// Same lead with consent on file resolves in one attempt.
func TestScenarioEULeadWithConsent(t *testing.T) {
	k := newKernel(t, 3)
	k.addSLAIntent(gdprConstraint())
	k.addLead(map[string]any{
		"geo":          "EU",
		"gdpr_consent": true,
		"local_hour":   14,
		"created_at":   k.now.Add(-8 * time.Minute).Format(time.RFC3339),
	})

	report, err := k.rec.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, "approved", report.Outcomes[0].Verdict)
	assert.Equal(t, 1, report.Outcomes[0].Attempts)

	records, err := k.ledger.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, records[0].FinalApprovedProposal)
	assert.Equal(t, "send_email", records[0].FinalApprovedProposal.Actions[0].ActionType)

	entity, err := k.world.Get("lead_4821")
	require.NoError(t, err)
	assert.NotEmpty(t, entity.Properties["last_contacted"])
}

// Both constraints hard and only two attempts: nothing passes, the cycle
// escalates and a descriptor lands on the queue.
func TestScenarioConstraintSaturatedEntity(t *testing.T) {
	k := newKernel(t, 2)
	k.addSLAIntent(gdprConstraint(), contactHoursConstraint())
	k.addLead(map[string]any{
		"geo":          "EU",
		"gdpr_consent": false,
		"local_hour":   23,
		"created_at":   k.now.Add(-8 * time.Minute).Format(time.RFC3339),
	})

	report, err := k.rec.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)

	outcome := report.Outcomes[0]
	assert.Equal(t, "escalated", outcome.Verdict)
	assert.True(t, outcome.Escalated)
	assert.NotEmpty(t, outcome.EscalationID)

	records, err := k.ledger.Recent(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, records[0].FinalApprovedProposal)
	assert.True(t, records[0].EscalatedToHuman)

	pending := k.escalations.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "lead_4821", pending[0].EntityID)
	assert.Equal(t, 2, pending[0].ProposalsTried)
	assert.NotEmpty(t, pending[0].RejectionReasons)
}

// A risk-10 action escalates straight past constraint checks.
func TestScenarioMaxRiskEscalates(t *testing.T) {
	evaluator := governance.NewEvaluator(governance.NewRegistry(), governance.NewRuleSet(), intent.NewAuthority())
	d := evaluator.Evaluate(context.Background(), governance.EvalRequest{
		Proposal: contracts.StrategyProposal{
			ID:       "prop_risky",
			IntentID: "lead_response_sla",
			Actions: []contracts.PlannedAction{{
				ActionType: "update_record",
				Target:     "lead_4821",
				RiskScore:  10,
			}},
		},
		Now: time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC),
	})

	assert.Equal(t, contracts.VerdictEscalate, d.Verdict)
	assert.Equal(t, "risk_exceeds_system_authority", d.RejectionReason)
	assert.Equal(t, contracts.LevelL4, d.AuthorizationLevel)
}

// Proposing an unregistered action type rejects before anything else runs.
func TestScenarioUnregisteredActionType(t *testing.T) {
	evaluator := governance.NewEvaluator(governance.NewRegistry(), governance.NewRuleSet(), intent.NewAuthority())
	d := evaluator.Evaluate(context.Background(), governance.EvalRequest{
		Proposal: contracts.StrategyProposal{
			ID:      "prop_unknown",
			Actions: []contracts.PlannedAction{{ActionType: "send_email", Target: "lead_4821", RiskScore: 2}},
		},
		ActionTypeID: "nonexistent",
		Now:          time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC),
	})

	assert.Equal(t, contracts.VerdictRejected, d.Verdict)
	assert.Equal(t, "unregistered_action_type", d.RejectionReason)
}

// 110 appended records verify clean; flipping one byte of a stored
// record_json breaks verification.
func TestScenarioChainSurvives110Appends(t *testing.T) {
	k := newKernel(t, 3)
	ctx := context.Background()

	for i := 0; i < 110; i++ {
		record := contracts.LineageRecord{
			ID:      contracts.NewID("lin"),
			CycleID: fmt.Sprintf("cycle_%03d", i),
			Intent: contracts.Intent{
				ID:        "lead_response_sla",
				Objective: "Respond to all inbound leads within 10 minutes",
				Priority:  80,
				CreatedAt: k.now,
			},
			DriftDetected: fmt.Sprintf("drift %d", i),
			DriftSeverity: 5,
			TotalAttempts: 1,
			CreatedAt:     k.now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, k.ledger.Append(ctx, &record))
	}

	integrity, err := k.ledger.VerifyChainIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, integrity.Valid)
	assert.Equal(t, 110, integrity.RecordsVerified)

	// Change one byte inside a record's payload. The JSON stays decodable
	// so verification pins the break to the tampered record.
	res, err := k.db.Exec(
		"UPDATE lineage SET record_json = REPLACE(record_json, 'drift 55', 'drift 56') WHERE cycle_id = 'cycle_055'")
	require.NoError(t, err)
	changed, err := res.RowsAffected()
	require.NoError(t, err)
	require.EqualValues(t, 1, changed)

	integrity, err = k.ledger.VerifyChainIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, integrity.Valid)
	assert.NotEmpty(t, integrity.BrokenRecordID)
}
