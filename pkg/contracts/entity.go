package contracts

import (
	"time"
)

// Entity is a single tracked object in the world model: a lead, a record,
// a queue, anything the kernel is obligated to drive toward an intent.
// Properties is an open bag; rule code reads specific keys (geo,
// gdpr_consent, local_hour, created_at, last_contacted) without the type
// baking them in.
type Entity struct {
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Properties  map[string]any `json:"properties"`
	LastUpdated time.Time      `json:"last_updated"`
	Source      string         `json:"source"`
	Confidence  float64        `json:"confidence"`
	Obligations []string       `json:"obligations,omitempty"`
}

// Clone returns a deep copy. Property values are copied one level deep,
// which covers the scalar-valued bags the rules operate on.
func (e Entity) Clone() Entity {
	out := e
	out.Properties = make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		out.Properties[k] = v
	}
	out.Obligations = append([]string(nil), e.Obligations...)
	return out
}

// Property returns a property value and whether it was present.
func (e Entity) Property(key string) (any, bool) {
	if e.Properties == nil {
		return nil, false
	}
	v, ok := e.Properties[key]
	return v, ok
}

// DriftEvent is a measured deviation between an entity's observed state and
// the state an intent implies it should be in.
type DriftEvent struct {
	ID          string         `json:"id"`
	EntityID    string         `json:"entity_id"`
	IntentID    string         `json:"intent_id"`
	Rule        string         `json:"rule"`
	Description string         `json:"description"`
	Severity    int            `json:"severity"`
	DetectedAt  time.Time      `json:"detected_at"`
	Context     map[string]any `json:"context,omitempty"`
}
