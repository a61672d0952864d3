// Package execution dispatches approved strategies to per-action-type
// handlers and reports structured outcomes back to the world model.
//
// The dispatcher accepts only proposals carrying an APPROVED governance
// decision. It handles execution-level failures (missing handler, handler
// error), never strategy-level retries.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// ErrUnapprovedExecution is returned when execution is attempted without
// an APPROVED verdict. Fatal to the call; never retried.
var ErrUnapprovedExecution = errors.New("execution without approved governance decision")

// Handler runs one action and returns handler-specific result data.
type Handler func(ctx context.Context, action contracts.PlannedAction) (map[string]any, error)

// World is the write-back surface for execution outcomes.
type World interface {
	Get(id string) (contracts.Entity, error)
	ApplyExecution(entityID string, updates map[string]any)
}

// outreachShaped are the action types whose completion stamps
// last_contacted and contact_method on the target entity.
var outreachShaped = map[string]bool{
	"send_email":         true,
	"route_to_human":     true,
	"automated_outreach": true,
}

// Dispatcher fans approved actions out to registered handlers.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	world    World
	now      func() time.Time
}

// NewDispatcher returns a dispatcher with no handlers registered.
// RegisterMockHandlers adds the stock set.
func NewDispatcher(world World) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		world:    world,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Register attaches a handler for an action type, replacing any previous
// registration.
func (d *Dispatcher) Register(actionType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[actionType] = h
}

// Execute runs every action of an approved proposal. Per-action failures
// are aggregated, not returned as errors; the only error is the
// unapproved-execution guard.
func (d *Dispatcher) Execute(
	ctx context.Context,
	p contracts.StrategyProposal,
	decision contracts.GovernanceDecision,
) (contracts.ExecutionResult, error) {
	if decision.Verdict != contracts.VerdictApproved {
		return contracts.ExecutionResult{}, fmt.Errorf(
			"%w: proposal %s has verdict %s", ErrUnapprovedExecution, p.ID, decision.Verdict)
	}

	start := time.Now()
	result := contracts.ExecutionResult{
		ProposalID:        p.ID,
		ExecutedAt:        d.now(),
		ActionsCompleted:  []map[string]any{},
		ActionsFailed:     []map[string]any{},
		WorldModelUpdates: map[string]map[string]any{},
	}

	for _, action := range p.Actions {
		outcome := d.dispatch(ctx, action)
		if ok, _ := outcome["success"].(bool); ok {
			result.ActionsCompleted = append(result.ActionsCompleted, outcome)
			d.applyStateChanges(action, result.WorldModelUpdates)
		} else {
			result.ActionsFailed = append(result.ActionsFailed, outcome)
		}
	}

	result.Success = len(result.ActionsFailed) == 0
	result.DurationSeconds = roundSeconds(time.Since(start))
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, action contracts.PlannedAction) map[string]any {
	d.mu.RLock()
	handler := d.handlers[action.ActionType]
	d.mu.RUnlock()

	if handler == nil {
		return map[string]any{
			"action_type": action.ActionType,
			"target":      action.Target,
			"success":     false,
			"error":       fmt.Sprintf("No executor registered for action type '%s'", action.ActionType),
			"duration":    0.0,
		}
	}

	start := time.Now()
	data, err := handler(ctx, action)
	elapsed := roundSeconds(time.Since(start))
	if err != nil {
		return map[string]any{
			"action_type": action.ActionType,
			"target":      action.Target,
			"success":     false,
			"error":       err.Error(),
			"duration":    elapsed,
		}
	}
	return map[string]any{
		"action_type": action.ActionType,
		"target":      action.Target,
		"success":     true,
		"data":        data,
		"duration":    elapsed,
	}
}

// applyStateChanges writes outreach outcomes back to the world model and
// records them on the result for the lineage.
func (d *Dispatcher) applyStateChanges(action contracts.PlannedAction, updates map[string]map[string]any) {
	if !outreachShaped[action.ActionType] || d.world == nil {
		return
	}
	if _, err := d.world.Get(action.Target); err != nil {
		return
	}
	change := map[string]any{
		"last_contacted": d.now().Format(time.RFC3339),
		"contact_method": action.ActionType,
	}
	d.world.ApplyExecution(action.Target, change)
	updates[action.Target] = change
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000.0
}
