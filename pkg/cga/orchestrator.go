// Package cga runs the Constraint-Guided Autonomy loop: propose a
// strategy, submit it to governance, reformulate from the machine-readable
// rejection reason, and retry up to a budget. On an ESCALATE verdict or
// budget exhaustion the cycle ends in a human escalation.
//
// One Run per drift event. The accumulated rejections are the only
// feedback channel between attempts.
package cga

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/governance"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/strategy"
)

// DefaultMaxAttempts bounds the propose/evaluate loop.
const DefaultMaxAttempts = 3

// Executor dispatches an approved proposal.
type Executor interface {
	Execute(ctx context.Context, p contracts.StrategyProposal, d contracts.GovernanceDecision) (contracts.ExecutionResult, error)
}

// World is the read surface shared with governance and strategy.
type World interface {
	Get(id string) (contracts.Entity, error)
}

// Orchestrator drives one CGA cycle per invocation.
type Orchestrator struct {
	generator   strategy.Generator
	evaluator   *governance.Evaluator
	executor    Executor
	maxAttempts int
	now         func() time.Time
}

// NewOrchestrator wires the loop. A nil generator gets the default
// ladder; maxAttempts <= 0 gets the default budget.
func NewOrchestrator(gen strategy.Generator, eval *governance.Evaluator, exec Executor, maxAttempts int) *Orchestrator {
	if gen == nil {
		gen = strategy.NewLadderGenerator()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Orchestrator{
		generator:   gen,
		evaluator:   eval,
		executor:    exec,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// CycleInput is everything one cycle needs.
type CycleInput struct {
	Intent  contracts.Intent
	Drift   contracts.DriftEvent
	World   World
	Intents []contracts.Intent
	// WorldSnapshot is the serializable world summary captured for the
	// lineage record.
	WorldSnapshot map[string]any
	// Now pins evaluation time; zero means wall clock.
	Now time.Time
}

// Verdict is the terminal outcome of a cycle.
type Verdict string

const (
	CycleApproved  Verdict = "approved"
	CycleEscalated Verdict = "escalated"
)

// CycleResult collects the full trail of one cycle plus the lineage
// record ready for durable append.
type CycleResult struct {
	CycleID               string
	FinalVerdict          Verdict
	TotalAttempts         int
	Proposals             []contracts.StrategyProposal
	Decisions             []contracts.GovernanceDecision
	AccumulatedRejections []contracts.RejectionFeedback
	ApprovedProposal      *contracts.StrategyProposal
	ExecutionResult       *contracts.ExecutionResult
	Record                contracts.LineageRecord
}

// Escalated reports whether the cycle ended in a human escalation.
func (r CycleResult) Escalated() bool { return r.FinalVerdict == CycleEscalated }

// Run executes the state machine:
//
//	GENERATE -> EVALUATE -> {DISPATCH | ACCUMULATE -> GENERATE | ESCALATE}
//
// The returned result always carries a complete lineage record; the
// caller must append it durably before acting on the outcome.
func (o *Orchestrator) Run(ctx context.Context, in CycleInput) (CycleResult, error) {
	now := in.Now
	if now.IsZero() {
		now = o.now()
	}
	intents := in.Intents
	if len(intents) == 0 {
		intents = []contracts.Intent{in.Intent}
	}

	result := CycleResult{
		CycleID:      contracts.NewID("cycle"),
		FinalVerdict: CycleEscalated,
	}

	attempt := 0
	for attempt < o.maxAttempts {
		attempt++

		proposal, err := o.generator.Generate(ctx, strategy.Request{
			Intent:                in.Intent,
			World:                 in.World,
			Drift:                 in.Drift,
			AccumulatedRejections: result.AccumulatedRejections,
			PriorProposals:        result.Proposals,
			AttemptNumber:         attempt,
		})
		if err != nil {
			result.TotalAttempts = attempt
			result.Record = o.buildRecord(in, result, now)
			return result, fmt.Errorf("cga: generate attempt %d: %w", attempt, err)
		}
		result.Proposals = append(result.Proposals, proposal)

		decision := o.evaluator.Evaluate(ctx, governance.EvalRequest{
			Proposal: proposal,
			Intents:  intents,
			World:    in.World,
			Now:      now,
		})
		result.Decisions = append(result.Decisions, decision)

		switch decision.Verdict {
		case contracts.VerdictApproved:
			result.FinalVerdict = CycleApproved
			result.ApprovedProposal = &result.Proposals[len(result.Proposals)-1]
			if o.executor != nil {
				execResult, execErr := o.executor.Execute(ctx, proposal, decision)
				if execErr == nil {
					result.ExecutionResult = &execResult
				} else {
					// The guard cannot fire here (verdict is approved);
					// any other executor error is aggregated per action,
					// so a non-nil error means a broken wiring.
					result.TotalAttempts = attempt
					result.Record = o.buildRecord(in, result, now)
					return result, fmt.Errorf("cga: dispatch %s: %w", proposal.ID, execErr)
				}
			}
			result.TotalAttempts = attempt
			result.Record = o.buildRecord(in, result, now)
			return result, nil

		case contracts.VerdictEscalate:
			result.TotalAttempts = attempt
			result.Record = o.buildRecord(in, result, now)
			return result, nil

		default: // rejected: accumulate and reformulate
			result.AccumulatedRejections = append(result.AccumulatedRejections, contracts.RejectionFeedback{
				Constraint:  decision.RejectionReason,
				HumanDetail: decision.RejectionDetail,
				DecisionID:  decision.ID,
			})
		}
	}

	// Budget exhausted without approval.
	result.TotalAttempts = attempt
	result.Record = o.buildRecord(in, result, now)
	return result, nil
}

// buildRecord assembles the lineage record for the cycle. Uncertainty
// and priority-override fields come from the final decision.
func (o *Orchestrator) buildRecord(in CycleInput, r CycleResult, now time.Time) contracts.LineageRecord {
	record := contracts.LineageRecord{
		ID:                  contracts.NewID("lin"),
		CycleID:             r.CycleID,
		Intent:              in.Intent,
		DriftDetected:       in.Drift.Description,
		DriftSeverity:       in.Drift.Severity,
		WorldStateSnapshot:  in.WorldSnapshot,
		Proposals:           r.Proposals,
		GovernanceDecisions: r.Decisions,
		TotalAttempts:       r.TotalAttempts,
		EscalatedToHuman:    r.FinalVerdict == CycleEscalated,
		CreatedAt:           now,
	}
	if record.DriftDetected == "" {
		record.DriftDetected = "unknown drift"
	}
	if record.DriftSeverity == 0 {
		record.DriftSeverity = 5
	}
	if r.ApprovedProposal != nil {
		record.FinalApprovedProposal = r.ApprovedProposal
	}
	if r.ExecutionResult != nil {
		record.ExecutionResult = r.ExecutionResult
		record.ExecutionSuccess = r.ExecutionResult.Success
	}
	resolved := o.now()
	record.ResolvedAt = &resolved
	duration := resolved.Sub(in.Drift.DetectedAt).Seconds()
	if in.Drift.DetectedAt.IsZero() || duration < 0 {
		duration = 0
	}
	record.ResolutionDurationSeconds = &duration

	for _, d := range r.Decisions {
		if len(d.ConflictingIntents) > 0 {
			record.ConflictingIntents = d.ConflictingIntents
		}
		if d.Verdict == contracts.VerdictApproved && len(d.ViolatedConstraints) > 0 {
			record.PriorityOverrideApplied = true
			record.DeprioritizedIntent = strings.Join(d.ViolatedConstraints, ", ")
			record.DeprioritizationRationale = fmt.Sprintf(
				"Soft constraints deprioritized to serve intent %s (priority %d)",
				in.Intent.ID, in.Intent.Priority)
		}
	}
	if n := len(r.Decisions); n > 0 {
		record.Uncertainty = r.Decisions[n-1].Uncertainty
	}
	return record
}
