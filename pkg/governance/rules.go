package governance

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/worldmodel"
)

// WorldView is the narrow read surface the evaluator needs from the world
// model.
type WorldView interface {
	Get(id string) (contracts.Entity, error)
}

// emptyWorld isolates structural constraint checks from live state.
// Intent-conflict detection evaluates against it deliberately.
type emptyWorld struct{}

func (emptyWorld) Get(string) (contracts.Entity, error) {
	return contracts.Entity{}, worldmodel.ErrEntityNotFound
}

// RuleFunc decides whether a proposal violates one constraint.
type RuleFunc func(p contracts.StrategyProposal, c contracts.Constraint, world WorldView) bool

// outreachActionTypes are the action types that contact a person directly.
var outreachActionTypes = map[string]bool{
	"send_email":         true,
	"send_sms":           true,
	"direct_call":        true,
	"automated_outreach": true,
}

// euJurisdictions is the recognized EU/EEA set for consent rules.
var euJurisdictions = map[string]bool{
	"EU": true, "EEA": true, "DE": true, "FR": true, "IT": true, "ES": true,
	"NL": true, "BE": true, "AT": true, "SE": true, "DK": true, "FI": true,
	"IE": true, "PT": true, "GR": true, "PL": true, "CZ": true, "RO": true,
	"HU": true, "BG": true, "HR": true, "SK": true, "SI": true, "LT": true,
	"LV": true, "EE": true, "CY": true, "MT": true, "LU": true,
}

var costCeilingRe = regexp.MustCompile(`\$(\d+(?:\.\d+)?)`)

// RuleSet maps constraint names to evaluation rules. Three rules are
// built in; operator-registered names evaluate through compiled CEL
// programs; everything else does not violate.
type RuleSet struct {
	mu      sync.RWMutex
	builtin map[string]RuleFunc
	custom  map[string]*celRule
}

// NewRuleSet returns the built-in rules with no custom registrations.
func NewRuleSet() *RuleSet {
	return &RuleSet{
		builtin: map[string]RuleFunc{
			"gdpr_consent_required":    checkGDPRConsent,
			"no_contact_outside_hours": checkContactHours,
			"cost_ceiling":             checkCostCeiling,
		},
		custom: make(map[string]*celRule),
	}
}

// Violates reports whether the proposal trips the constraint.
func (rs *RuleSet) Violates(p contracts.StrategyProposal, c contracts.Constraint, world WorldView) bool {
	if fn, ok := rs.builtin[c.Name]; ok {
		return fn(p, c, world)
	}
	rs.mu.RLock()
	rule := rs.custom[c.Name]
	rs.mu.RUnlock()
	if rule != nil {
		return rule.violates(p, c, world)
	}
	// Unknown constraints do not block; the set of interpretable rules
	// is closed.
	return false
}

func checkGDPRConsent(p contracts.StrategyProposal, _ contracts.Constraint, world WorldView) bool {
	for _, a := range p.Actions {
		if !outreachActionTypes[a.ActionType] {
			continue
		}
		entity, err := world.Get(a.Target)
		if err != nil {
			if a.RequiresConsent {
				// Consent demanded but nothing on file to verify it.
				return true
			}
			continue
		}
		geo, _ := entity.Properties["geo"].(string)
		if geo == "" {
			geo, _ = entity.Properties["jurisdiction"].(string)
		}
		if !euJurisdictions[strings.ToUpper(geo)] {
			continue
		}
		if !truthy(entity.Properties["gdpr_consent"]) {
			return true
		}
	}
	return false
}

func checkContactHours(p contracts.StrategyProposal, _ contracts.Constraint, world WorldView) bool {
	for _, a := range p.Actions {
		if !outreachActionTypes[a.ActionType] {
			continue
		}
		entity, err := world.Get(a.Target)
		if err != nil {
			continue
		}
		hour, ok := intProperty(entity, "local_hour")
		if !ok {
			continue
		}
		if hour >= 22 || hour < 7 {
			return true
		}
	}
	return false
}

func checkCostCeiling(p contracts.StrategyProposal, c contracts.Constraint, _ WorldView) bool {
	m := costCeilingRe.FindStringSubmatch(c.Description)
	if m == nil {
		return false
	}
	var ceiling float64
	if _, err := fmt.Sscanf(m[1], "%f", &ceiling); err != nil {
		return false
	}
	return p.EstimatedCost > ceiling
}

// truthy mirrors the loose property semantics of ingest payloads: bools,
// nonzero numbers, and nonempty strings other than "false"/"0"/"no".
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0" && s != "no"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}

// intProperty reads a numeric property that may arrive as JSON float64,
// int, or a numeric string.
func intProperty(e contracts.Entity, key string) (int, bool) {
	v, ok := e.Properties[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(t), "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// structuredReason joins violated constraint names into the machine
// channel the strategy layer reformulates against.
func structuredReason(violations []string) string {
	return strings.Join(violations, "|")
}

// humanReason builds the operator-facing explanation per violated
// constraint.
func humanReason(violations []string, p contracts.StrategyProposal, world WorldView) string {
	var parts []string
	for _, v := range violations {
		switch v {
		case "gdpr_consent_required":
			for _, a := range p.Actions {
				if !outreachActionTypes[a.ActionType] {
					continue
				}
				entity, err := world.Get(a.Target)
				if err != nil {
					continue
				}
				geo, _ := entity.Properties["geo"].(string)
				if geo == "" {
					geo, _ = entity.Properties["jurisdiction"].(string)
				}
				if geo == "" {
					geo = "unknown"
				}
				parts = append(parts, fmt.Sprintf(
					"Entity %s is %s jurisdiction. No GDPR consent on file. Direct outreach prohibited without verified consent.",
					a.Target, geo))
			}
		case "no_contact_outside_hours":
			parts = append(parts, "Automated outreach is restricted during this time window.")
		default:
			parts = append(parts, fmt.Sprintf("Constraint '%s' was violated.", v))
		}
	}
	if len(parts) == 0 {
		return "One or more constraints were violated."
	}
	return strings.Join(parts, " ")
}
