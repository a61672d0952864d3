package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/cga"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/execution"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/governance"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/intent"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/worldmodel"
)

type memoryLedger struct {
	mu      sync.Mutex
	records []contracts.LineageRecord
}

func (m *memoryLedger) Append(_ context.Context, record *contracts.LineageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.Signature = "test"
	m.records = append(m.records, *record)
	return nil
}

func (m *memoryLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memoryEscalations struct {
	mu    sync.Mutex
	items []contracts.EscalationDescriptor
}

func (m *memoryEscalations) Enqueue(d contracts.EscalationDescriptor) contracts.EscalationDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = contracts.NewID("esc")
	}
	m.items = append(m.items, d)
	return d
}

type fixture struct {
	world       *worldmodel.Store
	intents     *intent.Store
	ledger      *memoryLedger
	escalations *memoryEscalations
	rec         *Reconciler
	now         time.Time
}

// newFixture wires a full loop around a lead breaching a 60-minute SLA.
func newFixture(t *testing.T, entityProps map[string]any, hard []contracts.Constraint) *fixture {
	t.Helper()
	now := time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	world := worldmodel.NewStore().WithClock(clock)
	intents := intent.NewStore().WithClock(clock)

	in := intents.Create(contracts.Intent{
		ID:              "intent_sla",
		Objective:       "Respond to all inbound leads within 60 minutes",
		Priority:        8,
		HardConstraints: hard,
		CreatedBy:       "ops",
		Active:          true,
	})

	world.Upsert(contracts.Entity{
		EntityType:  "lead",
		EntityID:    "lead_4821",
		Properties:  entityProps,
		Source:      "crm",
		Confidence:  0.95,
		Obligations: []string{in.ID},
	})

	evaluator := governance.NewEvaluator(governance.NewRegistry(), governance.NewRuleSet(), intent.NewAuthority())
	dispatcher := execution.NewDispatcher(world).WithClock(clock)
	dispatcher.RegisterMockHandlers()
	orch := cga.NewOrchestrator(nil, evaluator, dispatcher, 3).WithClock(clock)

	ledger := &memoryLedger{}
	escalations := &memoryEscalations{}
	rec := New(world, intents, orch, ledger, escalations, Options{}).WithClock(clock)

	return &fixture{world: world, intents: intents, ledger: ledger,
		escalations: escalations, rec: rec, now: now}
}

func slaProps(now time.Time, waiting time.Duration) map[string]any {
	return map[string]any{
		"created_at": now.Add(-waiting).Format(time.RFC3339),
		"geo":        "US",
	}
}

func TestTickResolvesDrift(t *testing.T) {
	f := newFixture(t, slaProps(time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC), 55*time.Minute), nil)

	report, err := f.rec.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.EntitiesScanned)
	assert.Equal(t, 1, report.DriftsDetected)
	require.Len(t, report.Outcomes, 1)
	outcome := report.Outcomes[0]
	assert.Equal(t, "approved", outcome.Verdict)
	assert.Equal(t, 1, outcome.Attempts)
	assert.True(t, outcome.ExecutionSuccess)
	assert.Equal(t, 1, f.ledger.count())
	assert.Empty(t, f.escalations.items)

	// Execution stamped last_contacted, so the entity no longer drifts.
	entity, err := f.world.Get("lead_4821")
	require.NoError(t, err)
	_, contacted := entity.Property("last_contacted")
	assert.True(t, contacted)
}

func TestTickSkipsHealthyEntities(t *testing.T) {
	f := newFixture(t, slaProps(time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC), 10*time.Minute), nil)

	report, err := f.rec.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.DriftsDetected)
	assert.Zero(t, f.ledger.count())
}

func TestCooldownSuppressesSecondTick(t *testing.T) {
	f := newFixture(t, slaProps(time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC), 55*time.Minute), nil)
	ctx := context.Background()

	_, err := f.rec.Tick(ctx)
	require.NoError(t, err)

	// Strip last_contacted so the drift would re-fire without dampening.
	entity, err := f.world.Get("lead_4821")
	require.NoError(t, err)
	delete(entity.Properties, "last_contacted")
	f.world.Upsert(entity)

	report, err := f.rec.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EntitiesSkipped)
	assert.Zero(t, report.DriftsDetected)
	assert.Equal(t, 1, f.ledger.count())
}

func TestEscalationEnqueuedOnExhaustedBudget(t *testing.T) {
	// EU lead without consent: every ladder rung that contacts directly is
	// rejected, the CRM-query rung stays blocked by the missing consent,
	// so the cycle ends with route_to_human approved... force escalation
	// instead with an impossible cost ceiling.
	hard := []contracts.Constraint{
		{
			Name:        "cost_ceiling",
			Type:        contracts.ConstraintHard,
			Description: "Cost must stay under $0.01 per action",
			Activation:  contracts.ActivationAlways,
		},
	}
	f := newFixture(t, slaProps(time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC), 55*time.Minute), hard)

	report, err := f.rec.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	outcome := report.Outcomes[0]
	assert.True(t, outcome.Escalated)
	assert.Equal(t, 3, outcome.Attempts)
	require.Len(t, f.escalations.items, 1)
	esc := f.escalations.items[0]
	assert.Equal(t, "lead_4821", esc.EntityID)
	assert.Equal(t, 3, esc.ProposalsTried)
	assert.NotEmpty(t, esc.RejectionReasons)
}

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cfg := contracts.DefaultReconcilerConfig()
	store := NewMemoryDampening(cfg)
	ctx := context.Background()
	now := time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC)

	var state contracts.DampeningState
	var err error
	for i := 0; i < cfg.CircuitBreakerThreshold; i++ {
		state, err = store.RecordCycle(ctx, "lead_4821", true, now.Add(time.Duration(i)*10*time.Minute))
		require.NoError(t, err)
	}
	assert.True(t, state.CircuitBroken)
	assert.Equal(t, cfg.CircuitBreakerThreshold, state.ConsecutiveFailures)

	// Circuit holds long after any cooldown expired.
	dampened, err := store.Dampened(ctx, "lead_4821", now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, dampened)

	// Only Clear (human resolution) releases it.
	require.NoError(t, store.Clear(ctx, "lead_4821"))
	dampened, err = store.Dampened(ctx, "lead_4821", now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, dampened)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	store := NewMemoryDampening(contracts.DefaultReconcilerConfig())
	ctx := context.Background()
	now := time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC)

	_, err := store.RecordCycle(ctx, "lead_1", true, now)
	require.NoError(t, err)
	_, err = store.RecordCycle(ctx, "lead_1", true, now)
	require.NoError(t, err)
	state, err := store.RecordCycle(ctx, "lead_1", false, now)
	require.NoError(t, err)
	assert.Zero(t, state.ConsecutiveFailures)
	assert.False(t, state.CircuitBroken)
}

func TestSetConfigNormalizes(t *testing.T) {
	f := newFixture(t, slaProps(time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC), 5*time.Minute), nil)

	updated := f.rec.SetConfig(contracts.ReconcilerConfig{HeartbeatIntervalSeconds: 5})
	assert.Equal(t, 5, updated.HeartbeatIntervalSeconds)
	assert.Equal(t, 3, updated.MaxRetryBudget, "unset fields get defaults")
	assert.Equal(t, updated, f.rec.Config())
}

func TestStatusCounters(t *testing.T) {
	f := newFixture(t, slaProps(time.Date(2026, 2, 20, 14, 0, 0, 0, time.UTC), 55*time.Minute), nil)

	before := f.rec.Status()
	assert.False(t, before.Running)
	assert.Zero(t, before.Ticks)

	_, err := f.rec.Tick(context.Background())
	require.NoError(t, err)

	after := f.rec.Status()
	assert.Equal(t, 1, after.Ticks)
	assert.Equal(t, 1, after.Cycles)
	require.NotNil(t, after.LastTickAt)
}
