package governance

import (
	"fmt"
	"math"
	"strings"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// synthesizeUncertainty builds the uncertainty declaration attached to
// every decision: what the evaluator assumed about targeted entities,
// what it could not know, and an overall confidence discounted for soft
// violations and known unknowns.
func synthesizeUncertainty(
	p contracts.StrategyProposal,
	world WorldView,
	active []contracts.Constraint,
	softViolations []string,
) *contracts.UncertaintyDeclaration {
	decl := &contracts.UncertaintyDeclaration{
		Assumptions:     []string{},
		WatchConditions: []string{},
		EvidenceBasis:   []string{},
		KnownUnknowns:   []string{},
	}

	var confidences []float64
	for _, target := range uniqueTargets(p) {
		entity, err := world.Get(target)
		if err != nil {
			decl.KnownUnknowns = append(decl.KnownUnknowns,
				fmt.Sprintf("No world model data for entity %s; acting without verified state", target))
			continue
		}
		confidences = append(confidences, entity.Confidence)
		if entity.Confidence < 1.0 {
			decl.Assumptions = append(decl.Assumptions,
				fmt.Sprintf("Entity %s data confidence is %d%%", target, int(math.Round(entity.Confidence*100))))
			decl.WatchConditions = append(decl.WatchConditions,
				fmt.Sprintf("Entity %s state may have changed since %s", target, entity.LastUpdated.Format("2006-01-02T15:04:05Z07:00")))
		}
		decl.EvidenceBasis = append(decl.EvidenceBasis,
			fmt.Sprintf("entity=%s source=%s last_updated=%s",
				target, entity.Source, entity.LastUpdated.Format("2006-01-02T15:04:05Z07:00")))
	}

	if len(active) == 0 {
		decl.KnownUnknowns = append(decl.KnownUnknowns,
			"No active constraints at evaluation time; policy may be incomplete")
	}
	if len(softViolations) > 0 {
		decl.WatchConditions = append(decl.WatchConditions,
			fmt.Sprintf("Soft constraints violated: %s", strings.Join(softViolations, ", ")))
	}

	confidence := 0.5
	if len(confidences) > 0 {
		var sum float64
		for _, c := range confidences {
			sum += c
		}
		confidence = sum / float64(len(confidences))
	}
	if len(softViolations) > 0 {
		confidence *= 0.9
	}
	if len(decl.KnownUnknowns) > 0 {
		confidence *= 0.8
	}
	decl.ConfidenceLevel = math.Round(math.Max(0, math.Min(1, confidence))*100) / 100
	return decl
}

// uniqueTargets returns action targets in first-seen order, deduplicated.
func uniqueTargets(p contracts.StrategyProposal) []string {
	seen := make(map[string]bool, len(p.Actions))
	var out []string
	for _, a := range p.Actions {
		if a.Target == "" || seen[a.Target] {
			continue
		}
		seen[a.Target] = true
		out = append(out, a.Target)
	}
	return out
}

// snapshotPolicies serializes the active constraint set for inclusion on
// the decision.
func snapshotPolicies(active []contracts.Constraint) contracts.PolicySnapshot {
	entries := make([]contracts.PolicySnapshotEntry, 0, len(active))
	for _, c := range active {
		entries = append(entries, contracts.PolicySnapshotEntry{
			Name:        c.Name,
			Type:        c.Type,
			Description: c.Description,
		})
	}
	return contracts.PolicySnapshot{ActiveConstraints: entries, Count: len(entries)}
}
