// Package safemap provides a type-safe concurrent map built on sync.Map.
package safemap

import "sync"

// SafeMap is a generic wrapper over sync.Map. It must not be copied after
// first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns an empty map.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for k.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value for k and whether it was present.
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, ok := m.m.Load(k)
	if !ok {
		var zero V
		return zero, false
	}

	return v.(V), true
}

// LoadAndDelete removes k and returns the value it held.
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, ok := m.m.LoadAndDelete(k)
	if !ok {
		var zero V
		return zero, false
	}

	return v.(V), true
}

// Delete removes k. Missing keys are ignored.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Range calls f for each entry until f returns false.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len counts the entries. It walks the whole map.
func (m *SafeMap[K, V]) Len() int {
	n := 0
	m.Range(func(K, V) bool {
		n++
		return true
	})

	return n
}
