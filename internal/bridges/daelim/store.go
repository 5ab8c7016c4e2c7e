package daelim

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type stateKey struct {
	category Category
	id       string
}

// Store is the in-memory cache of last known device states.
//
// Updates are applied by the session read loop only, so they arrive in wire
// order. Reads may come from any goroutine.
type Store struct {
	mu      sync.RWMutex
	entries map[stateKey]DeviceState
	updates atomic.Uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[stateKey]DeviceState)}
}

// Update records a state, clearing any staleness. A zero UpdatedAt is set to now.
func (s *Store) Update(st DeviceState) DeviceState {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	st.Stale = false

	s.mu.Lock()
	s.entries[stateKey{st.Category, st.ID}] = st
	s.mu.Unlock()

	s.updates.Add(1)
	return st
}

// Seed loads previously persisted states without counting them as updates.
// Seeded entries are stale until the server confirms them. Existing entries win.
func (s *Store) Seed(states []DeviceState) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, st := range states {
		k := stateKey{st.Category, st.ID}
		if _, exists := s.entries[k]; exists {
			continue
		}
		st.Stale = true
		s.entries[k] = st
		n++
	}
	return n
}

// Read returns the state of one device.
func (s *Store) Read(c Category, id string) (DeviceState, error) {
	s.mu.RLock()
	st, ok := s.entries[stateKey{c, id}]
	s.mu.RUnlock()
	if !ok {
		return DeviceState{}, fmt.Errorf("%w: %s/%s", ErrNotFound, c, id)
	}
	return st, nil
}

// Value implements StateView.
func (s *Store) Value(c Category, id string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.entries[stateKey{c, id}]
	return st.Value, ok
}

// CategoryStates implements StateView. Results are sorted by id.
func (s *Store) CategoryStates(c Category) []DeviceState {
	s.mu.RLock()
	out := make([]DeviceState, 0)
	for k, st := range s.entries {
		if k.category == c {
			out = append(out, st)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns a copy of every entry sorted by category then id.
func (s *Store) Snapshot() []DeviceState {
	s.mu.RLock()
	out := make([]DeviceState, 0, len(s.entries))
	for _, st := range s.entries {
		out = append(out, st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkStale flags every entry as stale and returns how many were flagged.
func (s *Store) MarkStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, st := range s.entries {
		if !st.Stale {
			st.Stale = true
			s.entries[k] = st
			n++
		}
	}
	return n
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[stateKey]DeviceState)
	s.mu.Unlock()
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Updates returns the number of updates applied since creation.
func (s *Store) Updates() uint64 {
	return s.updates.Load()
}
