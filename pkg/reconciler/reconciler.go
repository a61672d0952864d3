// Package reconciler is the kernel's heartbeat: it scans the world model
// for drift from declared intents and drives each drift through a CGA
// cycle, recording the outcome in the lineage ledger.
//
// Per-entity dampening (cooldown + circuit breaker) keeps the loop from
// hammering the same entity; a broken circuit is cleared only by a human
// resolving the escalation that tripped it.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/cga"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/intent"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/learning"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/observability"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/worldmodel"
)

// LedgerAppender is the durable sink for cycle records.
type LedgerAppender interface {
	Append(ctx context.Context, record *contracts.LineageRecord) error
}

// EscalationSink receives descriptors for cycles that need a human.
type EscalationSink interface {
	Enqueue(d contracts.EscalationDescriptor) contracts.EscalationDescriptor
}

// CycleOutcome summarizes one drift handled during a tick.
type CycleOutcome struct {
	Drift            contracts.DriftEvent `json:"drift"`
	CycleID          string               `json:"cycle_id"`
	LineageID        string               `json:"lineage_id"`
	Verdict          string               `json:"verdict"`
	Attempts         int                  `json:"attempts"`
	Escalated        bool                 `json:"escalated"`
	ExecutionSuccess bool                 `json:"execution_success"`
	EscalationID     string               `json:"escalation_id,omitempty"`
}

// TickReport is the result of one reconciliation pass.
type TickReport struct {
	StartedAt       time.Time      `json:"started_at"`
	EntitiesScanned int            `json:"entities_scanned"`
	EntitiesSkipped int            `json:"entities_skipped"`
	DriftsDetected  int            `json:"drifts_detected"`
	Outcomes        []CycleOutcome `json:"outcomes"`
	Errors          []string       `json:"errors,omitempty"`
}

// Status is the runtime snapshot exposed over the API.
type Status struct {
	Running     bool                       `json:"running"`
	LastTickAt  *time.Time                 `json:"last_tick_at,omitempty"`
	Ticks       int                        `json:"ticks"`
	Cycles      int                        `json:"cycles"`
	Escalations int                        `json:"escalations"`
	Config      contracts.ReconcilerConfig `json:"config"`
}

// Reconciler owns the monitoring loop.
type Reconciler struct {
	world        *worldmodel.Store
	intents      *intent.Store
	orchestrator *cga.Orchestrator
	ledger       LedgerAppender
	escalations  EscalationSink
	learner      *learning.Engine
	dampening    DampeningStore
	rules        []Rule
	telemetry    *observability.Provider
	log          *slog.Logger

	mu          sync.Mutex
	cfg         contracts.ReconcilerConfig
	running     bool
	lastTickAt  *time.Time
	ticks       int
	cycles      int
	escalated   int
	tickRunning sync.Mutex

	now func() time.Time
}

// Options carries the optional collaborators.
type Options struct {
	Config    contracts.ReconcilerConfig
	Dampening DampeningStore
	Rules     []Rule
	Learner   *learning.Engine
	Telemetry *observability.Provider
	Logger    *slog.Logger
}

// New wires the loop. Nil options fall back to the memory dampening
// store, the SLA rule set and the default config.
func New(world *worldmodel.Store, intents *intent.Store, orch *cga.Orchestrator,
	ledger LedgerAppender, escalations EscalationSink, opts Options) *Reconciler {

	cfg := opts.Config.Normalize()
	if opts.Dampening == nil {
		opts.Dampening = NewMemoryDampening(cfg)
	}
	if len(opts.Rules) == 0 {
		opts.Rules = []Rule{SLARule{}}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		world:        world,
		intents:      intents,
		orchestrator: orch,
		ledger:       ledger,
		escalations:  escalations,
		learner:      opts.Learner,
		dampening:    opts.Dampening,
		rules:        opts.Rules,
		telemetry:    opts.Telemetry,
		log:          opts.Logger.With("component", "reconciler"),
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Config returns the current tuning.
func (r *Reconciler) Config() contracts.ReconcilerConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetConfig replaces the tuning (PUT semantics); values are normalized.
func (r *Reconciler) SetConfig(cfg contracts.ReconcilerConfig) contracts.ReconcilerConfig {
	cfg = cfg.Normalize()
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return cfg
}

// Status returns a snapshot of the loop's counters.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Running:     r.running,
		LastTickAt:  r.lastTickAt,
		Ticks:       r.ticks,
		Cycles:      r.cycles,
		Escalations: r.escalated,
		Config:      r.cfg,
	}
}

// Dampening exposes the store so resolution paths can clear breakers.
func (r *Reconciler) Dampening() DampeningStore { return r.dampening }

// Tick runs one reconciliation pass. Per-entity failures are collected
// in the report; they never abort the pass.
func (r *Reconciler) Tick(ctx context.Context) (TickReport, error) {
	r.tickRunning.Lock()
	defer r.tickRunning.Unlock()

	now := r.now()
	report := TickReport{StartedAt: now}
	activeIntents := r.intents.Active()

	for _, entity := range r.world.All() {
		report.EntitiesScanned++

		dampened, err := r.dampening.Dampened(ctx, entity.EntityID, now)
		if err != nil {
			report.Errors = append(report.Errors,
				fmt.Sprintf("dampening check %s: %v", entity.EntityID, err))
			continue
		}
		if dampened {
			report.EntitiesSkipped++
			continue
		}

		for _, rule := range r.rules {
			for _, drift := range rule.Evaluate(entity, activeIntents, now) {
				report.DriftsDetected++
				outcome, err := r.handleDrift(ctx, drift, activeIntents, now)
				if err != nil {
					report.Errors = append(report.Errors,
						fmt.Sprintf("drift %s on %s: %v", drift.ID, entity.EntityID, err))
					continue
				}
				report.Outcomes = append(report.Outcomes, outcome)
			}
		}
	}

	r.world.MarkReconciled()
	r.mu.Lock()
	tickAt := r.now()
	r.lastTickAt = &tickAt
	r.ticks++
	r.cycles += len(report.Outcomes)
	for _, o := range report.Outcomes {
		if o.Escalated {
			r.escalated++
		}
	}
	r.mu.Unlock()

	r.log.DebugContext(ctx, "tick complete",
		"entities", report.EntitiesScanned,
		"skipped", report.EntitiesSkipped,
		"drifts", report.DriftsDetected,
		"errors", len(report.Errors))
	return report, nil
}

func (r *Reconciler) handleDrift(ctx context.Context, drift contracts.DriftEvent,
	activeIntents []contracts.Intent, now time.Time) (CycleOutcome, error) {

	serving, err := r.intents.Get(drift.IntentID)
	if err != nil {
		return CycleOutcome{}, fmt.Errorf("resolve intent: %w", err)
	}

	started := r.now()
	result, runErr := r.orchestrator.Run(ctx, cga.CycleInput{
		Intent:        serving,
		Drift:         drift,
		World:         r.world,
		Intents:       activeIntents,
		WorldSnapshot: r.world.Snapshot(),
		Now:           now,
	})
	if runErr != nil {
		return CycleOutcome{}, fmt.Errorf("cga run: %w", runErr)
	}

	// The record is the durable account of the cycle; everything after
	// this append is bookkeeping.
	if err := r.ledger.Append(ctx, &result.Record); err != nil {
		return CycleOutcome{}, fmt.Errorf("append lineage: %w", err)
	}

	r.world.RecordDrift(drift)

	if _, err := r.dampening.RecordCycle(ctx, drift.EntityID, result.Escalated(), now); err != nil {
		r.log.WarnContext(ctx, "dampening update failed",
			"entity_id", drift.EntityID, "error", err)
	}

	outcome := CycleOutcome{
		Drift:     drift,
		CycleID:   result.CycleID,
		LineageID: result.Record.ID,
		Verdict:   string(result.FinalVerdict),
		Attempts:  result.TotalAttempts,
		Escalated: result.Escalated(),
	}
	if result.ExecutionResult != nil {
		outcome.ExecutionSuccess = result.ExecutionResult.Success
	}

	if result.Escalated() && r.escalations != nil {
		var reasons []string
		for _, d := range result.Decisions {
			if d.RejectionReason != "" {
				reasons = append(reasons, d.RejectionReason)
			}
		}
		esc := r.escalations.Enqueue(contracts.EscalationDescriptor{
			CycleID:          result.CycleID,
			LineageID:        result.Record.ID,
			IntentID:         serving.ID,
			EntityID:         drift.EntityID,
			DriftDescription: drift.Description,
			ProposalsTried:   len(result.Proposals),
			RejectionReasons: reasons,
			CreatedAt:        now,
		})
		outcome.EscalationID = esc.ID
		r.log.InfoContext(ctx, "cycle escalated",
			"escalation_id", esc.ID,
			"entity_id", drift.EntityID,
			"attempts", result.TotalAttempts)
	}

	if r.telemetry != nil {
		r.telemetry.RecordCycle(ctx, string(result.FinalVerdict), r.now().Sub(started))
		for _, d := range result.Decisions {
			r.telemetry.RecordDecision(ctx, string(d.Verdict))
		}
		if result.Escalated() {
			r.telemetry.RecordEscalation(ctx)
		}
	}

	// Operational learning runs off the hot path; a panicking or slow
	// learner must not affect the cycle outcome.
	if r.learner != nil {
		record := result.Record
		go func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Warn("learning panicked", "panic", p)
				}
			}()
			r.learner.LearnFromLineage(record)
		}()
	}

	return outcome, nil
}

// Run loops Tick on the heartbeat until ctx is done. An in-flight tick
// always completes before Run returns.
func (r *Reconciler) Run(ctx context.Context) {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.log.InfoContext(ctx, "reconciler started",
		"heartbeat_seconds", r.Config().HeartbeatIntervalSeconds)
	for {
		if _, err := r.Tick(ctx); err != nil {
			r.log.ErrorContext(ctx, "tick failed", "error", err)
		}
		heartbeat := time.Duration(r.Config().HeartbeatIntervalSeconds) * time.Second
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "reconciler stopped")
			return
		case <-time.After(heartbeat):
		}
	}
}
