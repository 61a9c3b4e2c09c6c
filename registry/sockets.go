package registry

import (
	"sync"

	"github.com/cyberinferno/go-netsys/session"
)

// Sockets is the append-only registry filled by plain listen servers.
type Sockets struct {
	mu      sync.RWMutex
	entries []session.SocketEntry
	onSize  SizeFunc
}

// NewSockets returns an empty socket registry. onSize may be nil.
func NewSockets(onSize SizeFunc) *Sockets {
	return &Sockets{onSize: onSize}
}

// Append records an accepted socket.
func (r *Sockets) Append(e session.SocketEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	n := len(r.entries)
	r.mu.Unlock()

	if r.onSize != nil {
		r.onSize(n)
	}
}

// Snapshot returns a copy of the entries. The sockets themselves are shared.
func (r *Sockets) Snapshot() []session.SocketEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]session.SocketEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries.
func (r *Sockets) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CloseAll closes every socket and empties the registry.
func (r *Sockets) CloseAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	for _, e := range entries {
		if e.Conn != nil {
			_ = e.Conn.Close()
		}
	}

	if r.onSize != nil {
		r.onSize(0)
	}
}
