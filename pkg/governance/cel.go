package governance

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/canonicalize"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

var (
	// ErrReservedConstraint is returned when a rule registration targets
	// one of the built-in constraint names.
	ErrReservedConstraint = errors.New("governance: constraint name is reserved")
	// ErrNonDeterministicRule is returned when an expression uses
	// constructs whose result can differ between replays.
	ErrNonDeterministicRule = errors.New("governance: rule expression is non-deterministic")
)

// celCostLimit bounds evaluation work per expression so a pathological
// rule cannot stall a governance pass.
const celCostLimit = 10000

var (
	ruleEnvOnce sync.Once
	ruleEnv     *cel.Env
	ruleEnvErr  error
)

func ruleEnvironment() (*cel.Env, error) {
	ruleEnvOnce.Do(func() {
		ruleEnv, ruleEnvErr = cel.NewEnv(
			cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("proposal", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("constraint", cel.MapType(cel.StringType, cel.DynType)),
		)
	})
	return ruleEnv, ruleEnvErr
}

type celRule struct {
	name    string
	source  string
	program cel.Program
}

// RegisterRule compiles a CEL expression as the evaluation rule for a
// constraint name. The expression must be deterministic and must not
// shadow a built-in rule. Compiled programs are cached for the life of
// the rule set.
func (rs *RuleSet) RegisterRule(name, expression string) error {
	id := canonicalize.NormalizeName(name)
	if id == "" {
		return fmt.Errorf("governance: empty rule name")
	}
	if _, ok := rs.builtin[id]; ok {
		return fmt.Errorf("%w: %s", ErrReservedConstraint, id)
	}

	env, err := ruleEnvironment()
	if err != nil {
		return err
	}

	parsed, issues := env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("governance: parse rule %s: %w", id, issues.Err())
	}
	if msgs := deterministicIssues(parsed.Expr()); len(msgs) > 0 { //nolint:staticcheck // AST traversal still requires the proto form
		return fmt.Errorf("%w: %s: %s", ErrNonDeterministicRule, id, msgs[0])
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("governance: compile rule %s: %w", id, issues.Err())
	}
	prg, err := env.Program(ast, cel.CostLimit(celCostLimit))
	if err != nil {
		return fmt.Errorf("governance: program rule %s: %w", id, err)
	}

	rs.mu.Lock()
	rs.custom[id] = &celRule{name: id, source: expression, program: prg}
	rs.mu.Unlock()
	return nil
}

// CustomRules lists the operator-registered constraint names and their
// expressions.
func (rs *RuleSet) CustomRules() map[string]string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make(map[string]string, len(rs.custom))
	for name, r := range rs.custom {
		out[name] = r.source
	}
	return out
}

// violates evaluates the rule per action. Runtime errors do not block;
// expressions are screened at registration.
func (r *celRule) violates(p contracts.StrategyProposal, c contracts.Constraint, world WorldView) bool {
	proposalInput := map[string]any{
		"id":             p.ID,
		"intent_id":      p.IntentID,
		"attempt_number": p.AttemptNumber,
		"estimated_cost": p.EstimatedCost,
	}
	constraintInput := map[string]any{
		"name":        c.Name,
		"type":        string(c.Type),
		"description": c.Description,
	}
	for _, a := range p.Actions {
		entityInput := map[string]any{}
		if entity, err := world.Get(a.Target); err == nil {
			entityInput = map[string]any{
				"entity_id":   entity.EntityID,
				"entity_type": entity.EntityType,
				"properties":  entity.Properties,
				"confidence":  entity.Confidence,
				"source":      entity.Source,
			}
		}
		out, _, err := r.program.Eval(map[string]any{
			"action": map[string]any{
				"action_type":      a.ActionType,
				"target":           a.Target,
				"parameters":       a.Parameters,
				"requires_consent": a.RequiresConsent,
				"reversible":       a.Reversible,
				"risk_score":       a.RiskScore,
			},
			"entity":     entityInput,
			"proposal":   proposalInput,
			"constraint": constraintInput,
		})
		if err != nil {
			continue
		}
		if v, ok := out.Value().(bool); ok && v {
			return true
		}
	}
	return false
}

// deterministicIssues walks the parsed expression and collects constructs
// that make replayed evaluation diverge: wall-clock access, floating
// point literals, and map iteration order.
func deterministicIssues(e *exprpb.Expr) []string {
	var issues []string
	collect(e, &issues)
	return issues
}

func collect(e *exprpb.Expr, issues *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*issues = append(*issues, "floating point literals are forbidden")
		}
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*issues = append(*issues, "now() is forbidden")
		case "keys", "values":
			*issues = append(*issues, "map iteration is forbidden")
		}
		if call.Target != nil {
			collect(call.Target, issues)
		}
		for _, arg := range call.Args {
			collect(arg, issues)
		}
	case *exprpb.Expr_SelectExpr:
		collect(k.SelectExpr.Operand, issues)
	case *exprpb.Expr_IdentExpr:
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			collect(el, issues)
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				collect(entry.GetMapKey(), issues)
			}
			collect(entry.Value, issues)
		}
	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		collect(comp.IterRange, issues)
		collect(comp.AccuInit, issues)
		collect(comp.LoopCondition, issues)
		collect(comp.LoopStep, issues)
		collect(comp.Result, issues)
	}
}
