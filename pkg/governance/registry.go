package governance

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/canonicalize"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

var (
	// ErrActionTypeNotFound is returned for lookups of unregistered ids.
	ErrActionTypeNotFound = errors.New("action type not registered")
	// ErrStaleVersion rejects re-registration that does not strictly
	// increase the spec version.
	ErrStaleVersion = errors.New("action type version not newer than registered version")
	// ErrInvalidActionType rejects malformed specs.
	ErrInvalidActionType = errors.New("invalid action type spec")
)

// Registry is the closed set of governed action categories. Evaluation of
// a proposal naming an unregistered type id rejects before any constraint
// runs. Registration is itself a governed action: registered_by is
// mandatory and recorded.
type Registry struct {
	mu    sync.RWMutex
	types map[string]contracts.ActionTypeSpec

	now func() time.Time
}

// NewRegistry returns a registry seeded with the five baseline types.
func NewRegistry() *Registry {
	r := &Registry{
		types: make(map[string]contracts.ActionTypeSpec),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, spec := range baselineActionTypes() {
		r.types[spec.TypeID] = spec
	}
	return r
}

// WithClock overrides the time source for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func baselineActionTypes() []contracts.ActionTypeSpec {
	registered := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	base := func(id, desc string, level contracts.AuthorizationLevel, rp contracts.RiskProfile) contracts.ActionTypeSpec {
		return contracts.ActionTypeSpec{
			TypeID:                    id,
			Description:               desc,
			Version:                   "1.0.0",
			RiskProfile:               rp,
			DefaultAuthorizationLevel: level,
			RegisteredBy:              "system",
			RegisteredAt:              registered,
		}
	}
	return []contracts.ActionTypeSpec{
		base("task_execution", "Execute a concrete task against an external system",
			contracts.LevelL0,
			contracts.RiskProfile{ImpactScope: "entity", Reversibility: "reversible", BlastRadius: "narrow"}),
		base("skill_modification", "Modify an operational skill or playbook",
			contracts.LevelL2,
			contracts.RiskProfile{ImpactScope: "team", Reversibility: "partially_reversible", BlastRadius: "medium"}),
		base("drift_reconciliation", "Reconcile detected drift between world and intent",
			contracts.LevelL1,
			contracts.RiskProfile{ImpactScope: "entity", Reversibility: "reversible", BlastRadius: "narrow"}),
		base("escalation", "Hand a decision to a human queue",
			contracts.LevelL0,
			contracts.RiskProfile{ImpactScope: "entity", Reversibility: "reversible", BlastRadius: "narrow"}),
		base("policy_proposal", "Propose a policy change for human review",
			contracts.LevelL4,
			contracts.RiskProfile{ImpactScope: "org", Reversibility: "irreversible", BlastRadius: "wide"}),
	}
}

// Register adds or upgrades an action type. Upgrades must carry a semver
// strictly greater than the registered one; a missing version defaults to
// 1.0.0, so upgrading a defaulted spec requires declaring one.
func (r *Registry) Register(spec contracts.ActionTypeSpec, registeredBy string) (contracts.ActionTypeSpec, error) {
	spec.TypeID = canonicalize.NormalizeName(spec.TypeID)
	if spec.TypeID == "" {
		return contracts.ActionTypeSpec{}, fmt.Errorf("%w: empty type_id", ErrInvalidActionType)
	}
	if registeredBy == "" {
		return contracts.ActionTypeSpec{}, fmt.Errorf("%w: registered_by is required", ErrInvalidActionType)
	}
	if spec.Version == "" {
		spec.Version = "1.0.0"
	}
	next, err := semver.NewVersion(spec.Version)
	if err != nil {
		return contracts.ActionTypeSpec{}, fmt.Errorf("%w: version %q: %v", ErrInvalidActionType, spec.Version, err)
	}
	if spec.DefaultAuthorizationLevel == "" {
		spec.DefaultAuthorizationLevel = contracts.LevelL0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[spec.TypeID]; ok {
		currentStr := existing.Version
		if currentStr == "" {
			currentStr = "1.0.0"
		}
		current, err := semver.NewVersion(currentStr)
		if err == nil && !next.GreaterThan(current) {
			return contracts.ActionTypeSpec{}, fmt.Errorf("%w: %s <= %s", ErrStaleVersion, next, current)
		}
	}

	spec.RegisteredBy = registeredBy
	spec.RegisteredAt = r.now()
	r.types[spec.TypeID] = spec
	return spec, nil
}

// Get returns the spec for a type id.
func (r *Registry) Get(typeID string) (contracts.ActionTypeSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.types[canonicalize.NormalizeName(typeID)]
	if !ok {
		return contracts.ActionTypeSpec{}, ErrActionTypeNotFound
	}
	return spec, nil
}

// Validate reports whether the type id is registered.
func (r *Registry) Validate(typeID string) bool {
	_, err := r.Get(typeID)
	return err == nil
}

// List returns all registered specs sorted by type id.
func (r *Registry) List() []contracts.ActionTypeSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.ActionTypeSpec, 0, len(r.types))
	for _, spec := range r.types {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}
