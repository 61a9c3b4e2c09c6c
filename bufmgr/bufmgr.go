// Package bufmgr pools the byte buffers used by outstanding asynchronous
// operations. Buffers are indexed by exact length: asking twice for the same
// length returns the same entry, and only one allocation exists per length
// at a time.
package bufmgr

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultMaxEntries bounds the number of distinct lengths kept when no
// option overrides it.
const DefaultMaxEntries = 1024

// ErrNegativeLength is returned for a negative buffer length.
var ErrNegativeLength = errors.New("bufmgr: negative length")

// Entry is a pooled buffer. Its contents are only touched under the entry
// lock, through Do.
type Entry struct {
	mu  sync.Mutex
	buf []byte
}

// Len returns the current buffer length.
func (e *Entry) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Do runs fn with exclusive access to the buffer. fn must not retain buf.
func (e *Entry) Do(fn func(buf []byte) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.buf)
}

// Bytes returns a copy of the buffer contents.
func (e *Entry) Bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxEntries bounds the pool; the least recently acquired length is
// evicted first. Values below 1 keep the default.
func WithMaxEntries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxEntries = n
		}
	}
}

// WithAllocHook registers a function called with the length of every new
// allocation.
func WithAllocHook(fn func(length int)) Option {
	return func(m *Manager) {
		m.onAlloc = fn
	}
}

// Manager owns the pooled entries. It is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	entries    *lru.Cache
	maxEntries int
	allocs     atomic.Uint64
	onAlloc    func(int)
}

// New creates a Manager.
//
// Returns:
//   - The Manager, or an error if the LRU index cannot be created
func New(opts ...Option) (*Manager, error) {
	m := &Manager{maxEntries: DefaultMaxEntries}
	for _, opt := range opts {
		opt(m)
	}

	cache, err := lru.New(m.maxEntries)
	if err != nil {
		return nil, fmt.Errorf("bufmgr: %w", err)
	}

	m.entries = cache
	return m, nil
}

// Acquire returns the entry whose length is exactly length, allocating a
// zeroed buffer and storing it on a miss.
//
// Parameters:
//   - length: The requested buffer length; 0 yields an empty entry
//
// Returns:
//   - The pooled Entry
//   - ErrNegativeLength for a negative length
func (m *Manager) Acquire(length int) (*Entry, error) {
	if length < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeLength, length)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.entries.Get(length); ok {
		return v.(*Entry), nil
	}

	e := &Entry{buf: m.alloc(length)}
	m.entries.Add(length, e)
	return e, nil
}

// Resize changes the entry's length. An equal length is a no-op; otherwise
// the old buffer is dropped and a zeroed one allocated, so contents are not
// preserved. The pool index follows the entry to its new length.
func (m *Manager) Resize(e *Entry, length int) error {
	if e == nil {
		return fmt.Errorf("bufmgr: nil entry")
	}

	if length < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeLength, length)
	}

	e.mu.Lock()
	old := len(e.buf)
	if old == length {
		e.mu.Unlock()
		return nil
	}

	e.buf = m.alloc(length)
	e.mu.Unlock()

	m.mu.Lock()
	if v, ok := m.entries.Peek(old); ok && v.(*Entry) == e {
		m.entries.Remove(old)
	}

	m.entries.Add(length, e)
	m.mu.Unlock()

	return nil
}

// Len returns the number of pooled entries.
func (m *Manager) Len() int {
	return m.entries.Len()
}

// Allocations returns how many buffers the manager has allocated.
func (m *Manager) Allocations() uint64 {
	return m.allocs.Load()
}

// Purge drops every pooled entry.
func (m *Manager) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Purge()
}

func (m *Manager) alloc(length int) []byte {
	m.allocs.Add(1)
	if m.onAlloc != nil {
		m.onAlloc(length)
	}

	return make([]byte, length)
}
