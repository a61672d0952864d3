// Package intent manages operator-declared objectives and decides when
// their constraints carry temporal authority.
package intent

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/canonicalize"
	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// ErrIntentNotFound is returned for operations against unknown intent ids.
var ErrIntentNotFound = errors.New("intent not found")

// Store keeps intents in memory behind a RWMutex. Intents are immutable
// except replacement by id; replacement preserves created_at.
type Store struct {
	mu      sync.RWMutex
	intents map[string]contracts.Intent

	now func() time.Time
}

// NewStore returns an empty intent store.
func NewStore() *Store {
	return &Store{
		intents: make(map[string]contracts.Intent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Create registers a new intent. A missing id is assigned; created_at is
// stamped when unset; constraint names are canonicalized so rule keying
// is stable.
func (s *Store) Create(in contracts.Intent) contracts.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.ID == "" {
		in.ID = contracts.NewID("intent")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.now()
	}
	normalizeConstraints(&in)
	s.intents[in.ID] = in
	return in
}

// Get returns the intent for id.
func (s *Store) Get(id string) (contracts.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return contracts.Intent{}, ErrIntentNotFound
	}
	return in, nil
}

// Replace swaps the stored intent for id with a new declaration,
// preserving the original created_at.
func (s *Store) Replace(id string, in contracts.Intent) (contracts.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.intents[id]
	if !ok {
		return contracts.Intent{}, ErrIntentNotFound
	}
	in.ID = id
	in.CreatedAt = old.CreatedAt
	normalizeConstraints(&in)
	s.intents[id] = in
	return in, nil
}

// Delete removes an intent.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[id]; !ok {
		return ErrIntentNotFound
	}
	delete(s.intents, id)
	return nil
}

// List returns all intents sorted by descending priority, ties broken by
// id for determinism.
func (s *Store) List() []contracts.Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]contracts.Intent, 0, len(s.intents))
	for _, in := range s.intents {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Active returns only intents with the active flag set, same ordering
// as List.
func (s *Store) Active() []contracts.Intent {
	all := s.List()
	out := all[:0]
	for _, in := range all {
		if in.Active {
			out = append(out, in)
		}
	}
	return out
}

func normalizeConstraints(in *contracts.Intent) {
	for i := range in.HardConstraints {
		in.HardConstraints[i].Name = canonicalize.NormalizeName(in.HardConstraints[i].Name)
		in.HardConstraints[i].Type = contracts.ConstraintHard
	}
	for i := range in.SoftConstraints {
		in.SoftConstraints[i].Name = canonicalize.NormalizeName(in.SoftConstraints[i].Name)
		in.SoftConstraints[i].Type = contracts.ConstraintSoft
	}
}
