// Package learning derives operational heuristics from completed decision
// cycles and surfaces policy-change proposals for human review.
//
// The engine is read-only over lineage and never feeds back into the
// decision that produced a record. Heuristics adjust strategy search
// order only; policy boundaries change exclusively through proposals a
// human approves.
package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// OperationalHeuristic is a learned search pattern. It never modifies
// policy.
type OperationalHeuristic struct {
	ID               string    `json:"id"`
	Pattern          string    `json:"pattern"`
	SourceLineageIDs []string  `json:"source_lineage_ids"`
	HitCount         int       `json:"hit_count"`
	SuccessRate      float64   `json:"success_rate"`
	Status           string    `json:"status"`
	LearnedAt        time.Time `json:"learned_at"`
}

// ProposalStatus is the review state of a policy proposal.
type ProposalStatus string

const (
	ProposalPendingReview ProposalStatus = "pending_review"
	ProposalApproved      ProposalStatus = "approved"
	ProposalRejected      ProposalStatus = "rejected"
)

// PolicyProposal is a proposed change to governance rules. It is only
// ever surfaced; application is a human's job.
type PolicyProposal struct {
	ID                   string         `json:"id"`
	ProposedChange       string         `json:"proposed_change"`
	Rationale            string         `json:"rationale"`
	SupportingLineageIDs []string       `json:"supporting_lineage_ids"`
	RiskAssessment       string         `json:"risk_assessment"`
	ProposedBy           string         `json:"proposed_by"`
	Status               ProposalStatus `json:"status"`
	ReviewedBy           string         `json:"reviewed_by,omitempty"`
	ReviewedAt           *time.Time     `json:"reviewed_at,omitempty"`
}

// LineageReader is the slice of the ledger the engine consumes.
type LineageReader interface {
	ByIntent(ctx context.Context, intentID string) ([]contracts.LineageRecord, error)
}

// Engine holds heuristics and proposals behind a mutex.
type Engine struct {
	mu         sync.RWMutex
	heuristics map[string]*OperationalHeuristic
	proposals  map[string]*PolicyProposal
	// proposedConstraints dedupes improvement proposals per constraint.
	proposedConstraints map[string]bool

	now func() time.Time
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{
		heuristics:          make(map[string]*OperationalHeuristic),
		proposals:           make(map[string]*PolicyProposal),
		proposedConstraints: make(map[string]bool),
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// LearnFromLineage extracts heuristics from a completed cycle. Single
// attempt cycles and cycles without rejections teach nothing. Returns the
// newly created heuristic, or nil when existing patterns absorbed the
// record.
func (e *Engine) LearnFromLineage(record contracts.LineageRecord) *OperationalHeuristic {
	if record.TotalAttempts <= 1 {
		return nil
	}
	var rejections []contracts.GovernanceDecision
	for _, d := range record.GovernanceDecisions {
		if d.Verdict == contracts.VerdictRejected {
			rejections = append(rejections, d)
		}
	}
	if len(rejections) == 0 {
		return nil
	}

	outcome := 0.0
	if record.ExecutionSuccess {
		outcome = 1.0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rejection := range rejections {
		for _, name := range rejection.ViolatedConstraints {
			pattern := extractPattern(record, name)
			if existing := e.findPattern(pattern); existing != nil {
				existing.HitCount++
				existing.SuccessRate = 0.8*existing.SuccessRate + 0.2*outcome
				existing.SourceLineageIDs = appendUnique(existing.SourceLineageIDs, record.ID)
				continue
			}
			h := &OperationalHeuristic{
				ID:               contracts.NewID("heur"),
				Pattern:          pattern,
				SourceLineageIDs: []string{record.ID},
				HitCount:         1,
				SuccessRate:      outcome,
				Status:           "active",
				LearnedAt:        e.now(),
			}
			e.heuristics[h.ID] = h
			return h
		}
	}
	return nil
}

// extractPattern turns a constraint violation plus world context into a
// reusable search pattern.
func extractPattern(record contracts.LineageRecord, constraintName string) string {
	entities, _ := record.WorldStateSnapshot["entities"].(map[string]any)
	for _, raw := range entities {
		data, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		props, _ := data["properties"].(map[string]any)
		if props == nil {
			props = data
		}
		geo, _ := props["geo"].(string)
		if geo == "" {
			geo, _ = props["jurisdiction"].(string)
		}
		switch {
		case constraintName == "gdpr_consent_required" && geo != "":
			return fmt.Sprintf("geo:%s → prepend consent_verification", geo)
		case constraintName == "no_contact_outside_hours":
			if hour, ok := props["local_hour"]; ok {
				return fmt.Sprintf("local_hour:%v → defer_or_route_to_human", hour)
			}
		}
	}
	return fmt.Sprintf("constraint:%s → check_before_action", constraintName)
}

func (e *Engine) findPattern(pattern string) *OperationalHeuristic {
	for _, h := range e.heuristics {
		if h.Pattern == pattern {
			return h
		}
	}
	return nil
}

// Heuristics returns every learned heuristic, strongest first
// (hit_count × success_rate).
func (e *Engine) Heuristics() []OperationalHeuristic {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]OperationalHeuristic, 0, len(e.heuristics))
	for _, h := range e.heuristics {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool {
		si := float64(out[i].HitCount) * out[i].SuccessRate
		sj := float64(out[j].HitCount) * out[j].SuccessRate
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HeuristicsForGeo returns active heuristics matching an entity's geo,
// strongest first.
func (e *Engine) HeuristicsForGeo(geo string) []OperationalHeuristic {
	var out []OperationalHeuristic
	for _, h := range e.Heuristics() {
		if h.Status != "active" || !strings.HasPrefix(h.Pattern, "geo:") {
			continue
		}
		val := strings.TrimPrefix(h.Pattern, "geo:")
		if i := strings.IndexByte(val, ' '); i > 0 {
			val = val[:i]
		}
		if strings.EqualFold(val, geo) {
			out = append(out, h)
		}
	}
	return out
}

// Proposals returns every policy proposal regardless of status.
func (e *Engine) Proposals() []PolicyProposal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PolicyProposal, 0, len(e.proposals))
	for _, p := range e.proposals {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingProposals returns only proposals awaiting review.
func (e *Engine) PendingProposals() []PolicyProposal {
	var out []PolicyProposal
	for _, p := range e.Proposals() {
		if p.Status == ProposalPendingReview {
			out = append(out, p)
		}
	}
	return out
}

// DetectPolicyImprovement scans an intent's lineage history for
// constraints that escalate more often than they resolve. A constraint
// with at least 5 violation samples and a >50% escalation rate yields a
// pending proposal; each constraint is proposed at most once.
func (e *Engine) DetectPolicyImprovement(ctx context.Context, reader LineageReader, intentID string) (*PolicyProposal, error) {
	records, err := reader.ByIntent(ctx, intentID)
	if err != nil {
		return nil, fmt.Errorf("learning: read lineage for %s: %w", intentID, err)
	}

	escalations := map[string]int{}
	totals := map[string]int{}
	for _, record := range records {
		for _, decision := range record.GovernanceDecisions {
			for _, name := range decision.ViolatedConstraints {
				totals[name]++
				if record.EscalatedToHuman {
					escalations[name]++
				}
			}
		}
	}

	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		total := totals[name]
		esc := escalations[name]
		if total < 5 || float64(esc)/float64(total) <= 0.5 {
			continue
		}
		e.mu.Lock()
		if e.proposedConstraints[name] {
			e.mu.Unlock()
			continue
		}
		e.proposedConstraints[name] = true
		e.mu.Unlock()

		supporting := make([]string, 0, 10)
		for i := 0; i < len(records) && i < 10; i++ {
			supporting = append(supporting, records[i].ID)
		}
		return e.proposeChange(
			fmt.Sprintf("Review constraint '%s': High escalation rate (%d/%d = %.0f%%)",
				name, esc, total, 100*float64(esc)/float64(total)),
			fmt.Sprintf("Constraint '%s' is causing frequent escalations to human. The strategy layer cannot find compliant alternatives in most cases.", name),
			supporting,
			"Modifying this constraint could reduce human escalation workload but may weaken governance guardrails.",
		), nil
	}
	return nil, nil
}

func (e *Engine) proposeChange(change, rationale string, supporting []string, risk string) *PolicyProposal {
	p := &PolicyProposal{
		ID:                   contracts.NewID("pprop"),
		ProposedChange:       change,
		Rationale:            rationale,
		SupportingLineageIDs: supporting,
		RiskAssessment:       risk,
		ProposedBy:           "strategy_layer",
		Status:               ProposalPendingReview,
	}
	e.mu.Lock()
	e.proposals[p.ID] = p
	e.mu.Unlock()
	out := *p
	return &out
}

// ReviewProposal records the human verdict on a pending proposal.
func (e *Engine) ReviewProposal(id string, approved bool, reviewer string) (PolicyProposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[id]
	if !ok {
		return PolicyProposal{}, fmt.Errorf("learning: proposal %s not found", id)
	}
	if p.Status != ProposalPendingReview {
		return PolicyProposal{}, fmt.Errorf("learning: proposal %s already reviewed (%s)", id, p.Status)
	}
	if approved {
		p.Status = ProposalApproved
	} else {
		p.Status = ProposalRejected
	}
	p.ReviewedBy = reviewer
	reviewed := e.now()
	p.ReviewedAt = &reviewed
	return *p, nil
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
