package reconciler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// DampeningStore tracks per-entity intervention cooldowns and the circuit
// breaker. A broken circuit is permanent until Clear, which only the
// escalation resolution path calls.
type DampeningStore interface {
	// Dampened reports whether the entity must be skipped this tick.
	Dampened(ctx context.Context, entityID string, now time.Time) (bool, error)
	// RecordCycle updates the state after a cycle: cooldown restarts,
	// escalation bumps the failure streak, success resets it.
	RecordCycle(ctx context.Context, entityID string, escalated bool, now time.Time) (contracts.DampeningState, error)
	// State returns the current state; a zero state for unknown entities.
	State(ctx context.Context, entityID string) (contracts.DampeningState, error)
	// Clear resets cooldown, failures and the circuit breaker.
	Clear(ctx context.Context, entityID string) error
}

// MemoryDampening is the in-process default store.
type MemoryDampening struct {
	mu        sync.Mutex
	states    map[string]contracts.DampeningState
	cooldown  time.Duration
	threshold int
}

// NewMemoryDampening builds the store from reconciler config values.
func NewMemoryDampening(cfg contracts.ReconcilerConfig) *MemoryDampening {
	cfg = cfg.Normalize()
	return &MemoryDampening{
		states:    make(map[string]contracts.DampeningState),
		cooldown:  time.Duration(cfg.CooldownSeconds) * time.Second,
		threshold: cfg.CircuitBreakerThreshold,
	}
}

// Dampened implements DampeningStore.
func (m *MemoryDampening) Dampened(_ context.Context, entityID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[entityID]
	if !ok {
		return false, nil
	}
	if state.CircuitBroken {
		return true, nil
	}
	return state.CooldownUntil != nil && now.Before(*state.CooldownUntil), nil
}

// RecordCycle implements DampeningStore.
func (m *MemoryDampening) RecordCycle(_ context.Context, entityID string, escalated bool, now time.Time) (contracts.DampeningState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.states[entityID]
	state.EntityID = entityID
	state.LastInterventionAt = &now
	until := now.Add(m.cooldown)
	state.CooldownUntil = &until
	if escalated {
		state.ConsecutiveFailures++
		if state.ConsecutiveFailures >= m.threshold {
			state.CircuitBroken = true
		}
	} else {
		state.ConsecutiveFailures = 0
	}
	m.states[entityID] = state
	return state, nil
}

// State implements DampeningStore.
func (m *MemoryDampening) State(_ context.Context, entityID string) (contracts.DampeningState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[entityID]
	if !ok {
		return contracts.DampeningState{EntityID: entityID}, nil
	}
	return state, nil
}

// Clear implements DampeningStore.
func (m *MemoryDampening) Clear(_ context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, entityID)
	return nil
}

// recordCycleScript atomically updates failures and cooldown. The state
// hash carries a TTL so abandoned entities age out; the circuit key has
// none and survives until Clear.
//
// KEYS[1] state hash, KEYS[2] circuit key
// ARGV[1] escalated (0|1), ARGV[2] now unix, ARGV[3] cooldown seconds,
// ARGV[4] circuit threshold
var recordCycleScript = redis.NewScript(`
local failures
if ARGV[1] == "1" then
  failures = redis.call("HINCRBY", KEYS[1], "failures", 1)
else
  redis.call("HSET", KEYS[1], "failures", 0)
  failures = 0
end
local cooldown_until = tonumber(ARGV[2]) + tonumber(ARGV[3])
redis.call("HSET", KEYS[1], "cooldown_until", cooldown_until, "last_intervention_at", ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]) * 4)
if failures >= tonumber(ARGV[4]) then
  redis.call("SET", KEYS[2], "1")
end
return {failures, redis.call("EXISTS", KEYS[2]), cooldown_until}
`)

// RedisDampening shares dampening state across kernel replicas.
type RedisDampening struct {
	client    redis.UniversalClient
	prefix    string
	cooldown  time.Duration
	threshold int
}

// NewRedisDampening builds the store over an existing client.
func NewRedisDampening(client redis.UniversalClient, cfg contracts.ReconcilerConfig) *RedisDampening {
	cfg = cfg.Normalize()
	return &RedisDampening{
		client:    client,
		prefix:    "gap:dampening:",
		cooldown:  time.Duration(cfg.CooldownSeconds) * time.Second,
		threshold: cfg.CircuitBreakerThreshold,
	}
}

func (r *RedisDampening) stateKey(entityID string) string   { return r.prefix + entityID }
func (r *RedisDampening) circuitKey(entityID string) string { return r.prefix + entityID + ":circuit" }

// Dampened implements DampeningStore.
func (r *RedisDampening) Dampened(ctx context.Context, entityID string, now time.Time) (bool, error) {
	broken, err := r.client.Exists(ctx, r.circuitKey(entityID)).Result()
	if err != nil {
		return false, fmt.Errorf("reconciler: redis circuit check: %w", err)
	}
	if broken > 0 {
		return true, nil
	}
	raw, err := r.client.HGet(ctx, r.stateKey(entityID), "cooldown_until").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reconciler: redis cooldown check: %w", err)
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil
	}
	return now.Unix() < until, nil
}

// RecordCycle implements DampeningStore via the Lua check-and-set.
func (r *RedisDampening) RecordCycle(ctx context.Context, entityID string, escalated bool, now time.Time) (contracts.DampeningState, error) {
	flag := "0"
	if escalated {
		flag = "1"
	}
	res, err := recordCycleScript.Run(ctx, r.client,
		[]string{r.stateKey(entityID), r.circuitKey(entityID)},
		flag, now.Unix(), int(r.cooldown.Seconds()), r.threshold,
	).Int64Slice()
	if err != nil {
		return contracts.DampeningState{}, fmt.Errorf("reconciler: redis record cycle: %w", err)
	}
	state := contracts.DampeningState{
		EntityID:            entityID,
		LastInterventionAt:  &now,
		ConsecutiveFailures: int(res[0]),
		CircuitBroken:       res[1] > 0,
	}
	until := time.Unix(res[2], 0).UTC()
	state.CooldownUntil = &until
	return state, nil
}

// State implements DampeningStore.
func (r *RedisDampening) State(ctx context.Context, entityID string) (contracts.DampeningState, error) {
	state := contracts.DampeningState{EntityID: entityID}

	broken, err := r.client.Exists(ctx, r.circuitKey(entityID)).Result()
	if err != nil {
		return state, fmt.Errorf("reconciler: redis state: %w", err)
	}
	state.CircuitBroken = broken > 0

	fields, err := r.client.HGetAll(ctx, r.stateKey(entityID)).Result()
	if err != nil {
		return state, fmt.Errorf("reconciler: redis state: %w", err)
	}
	if raw, ok := fields["failures"]; ok {
		state.ConsecutiveFailures, _ = strconv.Atoi(raw)
	}
	if raw, ok := fields["cooldown_until"]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			until := time.Unix(unix, 0).UTC()
			state.CooldownUntil = &until
		}
	}
	if raw, ok := fields["last_intervention_at"]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			at := time.Unix(unix, 0).UTC()
			state.LastInterventionAt = &at
		}
	}
	return state, nil
}

// Clear implements DampeningStore.
func (r *RedisDampening) Clear(ctx context.Context, entityID string) error {
	if err := r.client.Del(ctx, r.stateKey(entityID), r.circuitKey(entityID)).Err(); err != nil {
		return fmt.Errorf("reconciler: redis clear: %w", err)
	}
	return nil
}
