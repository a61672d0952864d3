// Package worldmodel holds the kernel's structured picture of operational
// reality: entities under obligation, updated by ingest and execution
// outcomes, scanned by the reconciler for drift.
package worldmodel

import (
	"errors"
	"sync"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// ErrEntityNotFound is returned for lookups and updates against unknown
// entity ids.
var ErrEntityNotFound = errors.New("entity not found")

// Store is the in-process authoritative source of entity state. All
// operations are single-entity atomic; there is no ordering guarantee
// across keys. Persistence beyond the process lives elsewhere.
type Store struct {
	mu             sync.RWMutex
	entities       map[string]contracts.Entity
	driftLog       []contracts.DriftEvent
	lastReconciled time.Time

	now func() time.Time
}

// NewStore returns an empty world model.
func NewStore() *Store {
	return &Store{
		entities:       make(map[string]contracts.Entity),
		lastReconciled: time.Now().UTC(),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Tests use it to pin timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Upsert inserts or replaces an entity, stamping last_updated.
func (s *Store) Upsert(e contracts.Entity) contracts.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	e.LastUpdated = s.now()
	s.entities[e.EntityID] = e
	return e.Clone()
}

// Get returns the entity for id.
func (s *Store) Get(id string) (contracts.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return contracts.Entity{}, ErrEntityNotFound
	}
	return e.Clone(), nil
}

// Remove deletes an entity; reports whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entities[id]
	delete(s.entities, id)
	return ok
}

// ByType returns all entities of the given type.
func (s *Store) ByType(entityType string) []contracts.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Entity
	for _, e := range s.entities {
		if e.EntityType == entityType {
			out = append(out, e.Clone())
		}
	}
	return out
}

// ByObligation returns all entities obligated to the given intent.
func (s *Store) ByObligation(intentID string) []contracts.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []contracts.Entity
	for _, e := range s.entities {
		for _, o := range e.Obligations {
			if o == intentID {
				out = append(out, e.Clone())
				break
			}
		}
	}
	return out
}

// All returns every entity.
func (s *Store) All() []contracts.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	return out
}

// Count returns the number of tracked entities.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// RecordDrift appends a detected drift event to the backlog.
func (s *Store) RecordDrift(ev contracts.DriftEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.driftLog = append(s.driftLog, ev)
}

// RecentDrift returns up to limit of the most recent drift events,
// oldest first.
func (s *Store) RecentDrift(limit int) []contracts.DriftEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.driftLog) {
		limit = len(s.driftLog)
	}
	out := make([]contracts.DriftEvent, limit)
	copy(out, s.driftLog[len(s.driftLog)-limit:])
	return out
}

// MarkReconciled stamps the end of a reconciliation pass.
func (s *Store) MarkReconciled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReconciled = s.now()
}

// LastReconciled returns the time of the last completed pass.
func (s *Store) LastReconciled() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReconciled
}

// Snapshot returns a serializable summary of the world state for lineage
// records: per-entity type, confidence and freshness, plus backlog size.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entities := make(map[string]any, len(s.entities))
	for id, e := range s.entities {
		entities[id] = map[string]any{
			"entity_type":  e.EntityType,
			"confidence":   e.Confidence,
			"last_updated": e.LastUpdated.Format(time.RFC3339),
		}
	}
	return map[string]any{
		"entity_count":    len(s.entities),
		"entities":        entities,
		"drift_backlog":   len(s.driftLog),
		"last_reconciled": s.lastReconciled.Format(time.RFC3339),
	}
}

// ApplyExecution merges execution-derived property updates into an entity
// and bumps last_updated. Unknown entities are ignored: the effect already
// happened externally and the record of it lives in the lineage.
func (s *Store) ApplyExecution(entityID string, updates map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return
	}
	for k, v := range updates {
		e.Properties[k] = v
	}
	e.LastUpdated = s.now()
	s.entities[entityID] = e
}
