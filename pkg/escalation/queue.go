// Package escalation queues the cycles the kernel could not resolve
// autonomously and records their human resolutions. Resolving an
// escalation is the only path that clears an entity's circuit breaker.
package escalation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// ErrNotFound is returned for operations against unknown escalation ids.
var ErrNotFound = errors.New("escalation not found")

// ErrAlreadyResolved is returned when a resolved escalation is resolved
// again.
var ErrAlreadyResolved = errors.New("escalation already resolved")

// ResolutionHook runs after a successful resolution; the queue uses it to
// clear the entity's dampening state.
type ResolutionHook func(entityID string)

// Resolution is the outcome handed back to the caller of Resolve.
type Resolution struct {
	Descriptor contracts.EscalationDescriptor
	// Token is the human-authorization token minted for the resolution,
	// empty when no issuer is configured.
	Token string
}

// Queue is the in-memory escalation work queue.
type Queue struct {
	mu     sync.RWMutex
	items  map[string]contracts.EscalationDescriptor
	hooks  []ResolutionHook
	issuer *TokenIssuer

	now func() time.Time
}

// NewQueue returns an empty queue. The issuer may be nil; resolutions
// then proceed without tokens.
func NewQueue(issuer *TokenIssuer) *Queue {
	return &Queue{
		items:  make(map[string]contracts.EscalationDescriptor),
		issuer: issuer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// OnResolve registers a hook invoked with the entity id after each
// successful resolution.
func (q *Queue) OnResolve(hook ResolutionHook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, hook)
}

// Enqueue adds a descriptor, assigning id, status and created_at when
// unset.
func (q *Queue) Enqueue(d contracts.EscalationDescriptor) contracts.EscalationDescriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	if d.ID == "" {
		d.ID = contracts.NewID("esc")
	}
	if d.Status == "" {
		d.Status = contracts.EscalationPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = q.now()
	}
	q.items[d.ID] = d
	return d
}

// Get returns one escalation by id.
func (q *Queue) Get(id string) (contracts.EscalationDescriptor, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	d, ok := q.items[id]
	if !ok {
		return contracts.EscalationDescriptor{}, ErrNotFound
	}
	return d, nil
}

// Pending returns unresolved escalations, oldest first.
func (q *Queue) Pending() []contracts.EscalationDescriptor {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []contracts.EscalationDescriptor
	for _, d := range q.items {
		if d.Status == contracts.EscalationPending {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve records the human decision, clears the entity's circuit breaker
// through the registered hooks, and mints an authorization token when an
// issuer is configured.
func (q *Queue) Resolve(id, resolution, resolver string) (Resolution, error) {
	if resolution == "" || resolver == "" {
		return Resolution{}, fmt.Errorf("escalation: resolution and resolver are required")
	}

	q.mu.Lock()
	d, ok := q.items[id]
	if !ok {
		q.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if d.Status == contracts.EscalationResolved {
		q.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	resolvedAt := q.now()
	d.Status = contracts.EscalationResolved
	d.Resolution = resolution
	d.ResolvedBy = resolver
	d.ResolvedAt = &resolvedAt
	q.items[id] = d
	hooks := append([]ResolutionHook(nil), q.hooks...)
	q.mu.Unlock()

	for _, hook := range hooks {
		hook(d.EntityID)
	}

	out := Resolution{Descriptor: d}
	if q.issuer != nil {
		token, err := q.issuer.Issue(resolver, id, resolution)
		if err != nil {
			// Resolution stands; the token is evidence, not a gate.
			return out, nil
		}
		out.Token = token
	}
	return out, nil
}
