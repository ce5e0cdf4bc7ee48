package store

import "sync"

// Store is a concurrent create-once map. Every piece of shared state in the
// backend (guild occupancy, game registrations, timer entries) lives in one
// of these; all cross-goroutine mutation is expected to flow through
// TryUpdate or Set with force so a stale read can never be written back.
type Store[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{entries: make(map[K]V)}
}

// Set creates the entry for key. If the key is already present the existing
// value is left untouched and Set returns false, unless force is set, in
// which case the value is unconditionally overwritten. Force exists for
// callers that computed a full replacement value from the current one inside
// a single atomic section.
func (s *Store[K, V]) Set(key K, value V, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok && !force {
		return false
	}
	s.entries[key] = value
	return true
}

// Get returns the value for key. The zero key is just an absent key; it
// reports no value rather than erroring.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// TryUpdate reads the current value, applies mutate and writes the result
// back, all under the write lock. It returns false without inserting when
// the key is absent. mutate must not block.
func (s *Store[K, V]) TryUpdate(key K, mutate func(V) V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	if !ok {
		return false
	}
	s.entries[key] = mutate(v)
	return true
}

func (s *Store[K, V]) Remove(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}

// Find returns the first value matching pred. Linear scan; entry counts are
// bounded by the number of live guilds/games.
func (s *Store[K, V]) Find(pred func(V) bool) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.entries {
		if pred(v) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// List returns every value matching pred, or every value when pred is nil.
func (s *Store[K, V]) List(pred func(V) bool) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, 0, len(s.entries))
	for _, v := range s.entries {
		if pred == nil || pred(v) {
			out = append(out, v)
		}
	}
	return out
}

func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
