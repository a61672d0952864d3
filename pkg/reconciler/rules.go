package reconciler

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// Rule is one deterministic drift check. Rules are pure over their
// arguments and return zero or more drift events per entity.
type Rule interface {
	Name() string
	Evaluate(entity contracts.Entity, intents []contracts.Intent, now time.Time) []contracts.DriftEvent
}

var slaPattern = regexp.MustCompile(`(?i)within\s+(\d+)\s+(minutes?|hours?)`)

// SLARule flags entities that are consuming their response-time budget.
// The budget comes from the owning intent's objective text ("within N
// minutes/hours"); an entity with last_contacted set is considered
// handled. Fires at 70% of the SLA consumed.
type SLARule struct{}

// Name implements Rule.
func (SLARule) Name() string { return "sla_drift" }

// Evaluate implements Rule.
func (SLARule) Evaluate(entity contracts.Entity, intents []contracts.Intent, now time.Time) []contracts.DriftEvent {
	var out []contracts.DriftEvent
	for _, obligation := range entity.Obligations {
		in, ok := findActiveIntent(intents, obligation)
		if !ok {
			continue
		}
		slaMinutes, ok := extractSLAMinutes(in.Objective)
		if !ok {
			continue
		}
		if contacted, present := entity.Property("last_contacted"); present && contacted != "" {
			continue
		}
		ref, ok := referenceTime(entity)
		if !ok {
			continue
		}

		waiting := now.Sub(ref).Minutes()
		remaining := slaMinutes - waiting
		if remaining < 0 {
			remaining = 0
		}
		if waiting < slaMinutes*0.7 {
			continue
		}

		severity := 8 + int(waiting/slaMinutes*2)
		if severity > 10 {
			severity = 10
		}
		out = append(out, contracts.DriftEvent{
			ID:       contracts.NewID("drift"),
			EntityID: entity.EntityID,
			IntentID: in.ID,
			Rule:     "sla_drift",
			Description: fmt.Sprintf(
				"Entity %s has been waiting %.1f minutes. SLA is %g minutes. Remaining: %.1f minutes.",
				entity.EntityID, waiting, slaMinutes, remaining),
			Severity:   severity,
			DetectedAt: now,
			Context: map[string]any{
				"sla_minutes":           slaMinutes,
				"waiting_minutes":       waiting,
				"sla_remaining_minutes": remaining,
			},
		})
	}
	return out
}

func findActiveIntent(intents []contracts.Intent, id string) (contracts.Intent, bool) {
	for _, in := range intents {
		if in.ID == id && in.Active {
			return in, true
		}
	}
	return contracts.Intent{}, false
}

// extractSLAMinutes parses the first "within N minutes|hours" literal.
func extractSLAMinutes(objective string) (float64, bool) {
	m := slaPattern.FindStringSubmatch(objective)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if len(m[2]) > 0 && (m[2][0] == 'h' || m[2][0] == 'H') {
		n *= 60
	}
	return n, true
}

// referenceTime reads the entity's created_at (falling back to
// ingested_at) as the start of the waiting clock.
func referenceTime(entity contracts.Entity) (time.Time, bool) {
	raw, ok := entity.Property("created_at")
	if !ok {
		raw, ok = entity.Property("ingested_at")
	}
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
