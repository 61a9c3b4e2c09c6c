// Package safeset provides a mutex-guarded generic set whose TryAdd and
// TryRemove double as compare-and-swap style state transitions.
package safeset

import "sync"

// SafeSet is a set of comparable values, safe for concurrent use.
type SafeSet[T comparable] struct {
	mu sync.RWMutex
	m  map[T]struct{}
}

// NewSafeSet returns an empty set.
func NewSafeSet[T comparable]() *SafeSet[T] {
	return &SafeSet[T]{m: make(map[T]struct{})}
}

// TryAdd inserts v and reports whether it was absent before.
func (s *SafeSet[T]) TryAdd(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[v]; ok {
		return false
	}

	s.m[v] = struct{}{}
	return true
}

// TryRemove deletes v and reports whether it was present.
func (s *SafeSet[T]) TryRemove(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.m[v]; !ok {
		return false
	}

	delete(s.m, v)
	return true
}

// Contains reports whether v is in the set.
func (s *SafeSet[T]) Contains(v T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.m[v]
	return ok
}

// Size returns the number of elements.
func (s *SafeSet[T]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Values returns the elements in unspecified order.
func (s *SafeSet[T]) Values() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.m))
	for v := range s.m {
		out = append(out, v)
	}

	return out
}

// Reset removes every element.
func (s *SafeSet[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[T]struct{})
}
