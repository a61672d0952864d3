package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// Seed is the boot-time declaration file: intents and action types to
// load before the reconciler starts.
type Seed struct {
	Intents     []SeedIntent     `yaml:"intents"`
	ActionTypes []SeedActionType `yaml:"action_types"`
}

// SeedIntent mirrors contracts.Intent in YAML form.
type SeedIntent struct {
	ID              string           `yaml:"id"`
	Objective       string           `yaml:"objective"`
	Priority        int              `yaml:"priority"`
	HardConstraints []SeedConstraint `yaml:"hard_constraints"`
	SoftConstraints []SeedConstraint `yaml:"soft_constraints"`
	CostCeiling     *float64         `yaml:"cost_ceiling"`
	CreatedBy       string           `yaml:"created_by"`
	Active          *bool            `yaml:"active"`
}

// SeedConstraint mirrors contracts.Constraint in YAML form.
type SeedConstraint struct {
	Name               string `yaml:"name"`
	Description        string `yaml:"description"`
	Activation         string `yaml:"activation"`
	ActivationSchedule string `yaml:"activation_schedule"`
	Expression         string `yaml:"expression"`
}

// SeedActionType mirrors contracts.ActionTypeSpec in YAML form.
type SeedActionType struct {
	TypeID                    string   `yaml:"type_id"`
	Description               string   `yaml:"description"`
	Version                   string   `yaml:"version"`
	DefaultAuthorizationLevel string   `yaml:"default_authorization_level"`
	ImpactScope               string   `yaml:"impact_scope"`
	Reversibility             string   `yaml:"reversibility"`
	BlastRadius               string   `yaml:"blast_radius"`
	ApplicablePolicies        []string `yaml:"applicable_policies"`
	RegisteredBy              string   `yaml:"registered_by"`
}

// LoadSeed parses the seed file at path.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("config: read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("config: parse seed file %s: %w", path, err)
	}
	return &seed, nil
}

// Intent converts to the domain type. Active defaults to true.
func (s SeedIntent) Intent() contracts.Intent {
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return contracts.Intent{
		ID:              s.ID,
		Objective:       s.Objective,
		Priority:        s.Priority,
		HardConstraints: seedConstraints(s.HardConstraints, contracts.ConstraintHard),
		SoftConstraints: seedConstraints(s.SoftConstraints, contracts.ConstraintSoft),
		CostCeiling:     s.CostCeiling,
		CreatedBy:       s.CreatedBy,
		Active:          active,
	}
}

func seedConstraints(in []SeedConstraint, kind contracts.ConstraintType) []contracts.Constraint {
	out := make([]contracts.Constraint, 0, len(in))
	for _, c := range in {
		activation := contracts.PolicyActivation(c.Activation)
		if activation == "" {
			activation = contracts.ActivationAlways
		}
		out = append(out, contracts.Constraint{
			Name:               c.Name,
			Type:               kind,
			Description:        c.Description,
			Activation:         activation,
			ActivationSchedule: c.ActivationSchedule,
			Expression:         c.Expression,
		})
	}
	return out
}

// Spec converts to the domain type.
func (s SeedActionType) Spec() contracts.ActionTypeSpec {
	level := contracts.AuthorizationLevel(s.DefaultAuthorizationLevel)
	if level == "" {
		level = contracts.LevelL0
	}
	return contracts.ActionTypeSpec{
		TypeID:      s.TypeID,
		Description: s.Description,
		Version:     s.Version,
		RiskProfile: contracts.RiskProfile{
			ImpactScope:   s.ImpactScope,
			Reversibility: s.Reversibility,
			BlastRadius:   s.BlastRadius,
		},
		DefaultAuthorizationLevel: level,
		ApplicablePolicies:        s.ApplicablePolicies,
		RegisteredBy:              s.RegisteredBy,
	}
}
