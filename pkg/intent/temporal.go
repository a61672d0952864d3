package intent

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// ConditionFunc evaluates a condition-activated constraint at a point in
// time. Returning false or being absent keeps the constraint inactive.
type ConditionFunc func(c contracts.Constraint, now time.Time) bool

// Authority decides whether a constraint is active at a given instant.
// Schedule activation uses match-to-the-minute cron semantics; an
// unparsable expression deactivates the constraint (fail-safe).
type Authority struct {
	mu         sync.RWMutex
	conditions map[string]ConditionFunc
	parser     cron.Parser

	schedMu   sync.Mutex
	schedules map[string]cron.Schedule
}

// NewAuthority returns an authority with no condition evaluators.
func NewAuthority() *Authority {
	return &Authority{
		conditions: make(map[string]ConditionFunc),
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		),
		schedules: make(map[string]cron.Schedule),
	}
}

// RegisterCondition attaches an evaluator for condition-activated
// constraints with the given name.
func (a *Authority) RegisterCondition(name string, fn ConditionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conditions[name] = fn
}

// IsActive reports whether the constraint carries authority at now.
func (a *Authority) IsActive(c contracts.Constraint, now time.Time) bool {
	switch c.Activation {
	case contracts.ActivationAlways, contracts.ActivationEmergencyOverride:
		return true
	case contracts.ActivationSchedule:
		return a.ScheduleMatches(c.ActivationSchedule, now)
	case contracts.ActivationCondition:
		a.mu.RLock()
		fn := a.conditions[c.Name]
		a.mu.RUnlock()
		if fn == nil {
			return false
		}
		return fn(c, now)
	}
	return false
}

// ScheduleMatches reports whether the 5-field cron expression matches now
// to the minute. The schedule defines when the constraint IS active; there
// is no look-back or look-ahead window.
func (a *Authority) ScheduleMatches(expr string, now time.Time) bool {
	if expr == "" {
		return false
	}
	sched, err := a.schedule(expr)
	if err != nil {
		return false
	}
	minute := now.Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}

func (a *Authority) schedule(expr string) (cron.Schedule, error) {
	a.schedMu.Lock()
	defer a.schedMu.Unlock()
	if s, ok := a.schedules[expr]; ok {
		return s, nil
	}
	s, err := a.parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	a.schedules[expr] = s
	return s, nil
}

// ActiveConstraints collects every active constraint across the given
// intents at now, hard before soft within each intent, intents in the
// order provided.
func (a *Authority) ActiveConstraints(intents []contracts.Intent, now time.Time) []contracts.Constraint {
	var out []contracts.Constraint
	for _, in := range intents {
		if !in.Active {
			continue
		}
		for _, c := range in.AllConstraints() {
			if a.IsActive(c, now) {
				out = append(out, c)
			}
		}
	}
	return out
}
