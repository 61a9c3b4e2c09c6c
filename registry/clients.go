// Package registry keeps the bookkeeping of accepted clients: the keyed
// Clients registry of multi-channel connection records and the flat Sockets
// registry used by plain listen servers.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyberinferno/go-netsys/session"
)

var (
	// ErrDuplicate is returned by Add when either identifier is already
	// registered.
	ErrDuplicate = errors.New("registry: duplicate session id")

	// ErrNotFound is returned when no record matches an identifier.
	ErrNotFound = errors.New("registry: session not found")
)

// SizeFunc observes the registry size after every mutation. It runs with the
// registry lock released.
type SizeFunc func(n int)

// Clients is a thread-safe registry of connection records keyed by the
// client-assigned session id. Records live in a dense slice and the maps hold
// indexes into it; callers keep ids, never record pointers.
//
// Every operation is serialized on one lock, so a record is either fully
// visible or absent.
type Clients struct {
	mu       sync.RWMutex
	records  []*session.Connection
	byClient map[session.ID]int
	byServer map[session.ID]int
	onSize   SizeFunc
}

// NewClients returns an empty registry. onSize may be nil.
func NewClients(onSize SizeFunc) *Clients {
	return &Clients{
		byClient: make(map[session.ID]int),
		byServer: make(map[session.ID]int),
		onSize:   onSize,
	}
}

// Add registers a record. The registry takes ownership: the record is closed
// when it is removed.
//
// Returns:
//   - ErrDuplicate if the client or server id is already present
func (r *Clients) Add(c *session.Connection) error {
	if c == nil {
		return fmt.Errorf("registry: nil connection")
	}

	r.mu.Lock()
	if _, ok := r.byClient[c.ClientID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: client %s", ErrDuplicate, c.ClientID())
	}

	if _, ok := r.byServer[c.ServerID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: server %s", ErrDuplicate, c.ServerID())
	}

	r.records = append(r.records, c)
	idx := len(r.records) - 1
	r.byClient[c.ClientID()] = idx
	r.byServer[c.ServerID()] = idx
	n := len(r.records)
	r.mu.Unlock()

	r.notify(n)
	return nil
}

// Find returns the channels of the client with the given id. When the id is
// unknown the all-invalid set and false are returned.
func (r *Clients) Find(id session.ID) (session.ChannelSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byClient[id]
	if !ok {
		return session.ChannelSet{}, false
	}

	return r.records[idx].Channels(), true
}

// Info returns a snapshot of the record with the given client id.
func (r *Clients) Info(id session.ID) (session.ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byClient[id]
	if !ok {
		return session.ConnectionInfo{}, false
	}

	return r.records[idx].Info(), true
}

// FindByServerID maps a server-assigned id back to the client id.
func (r *Clients) FindByServerID(id session.ID) (session.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byServer[id]
	if !ok {
		return session.Nil, false
	}

	return r.records[idx].ClientID(), true
}

// Buffer returns the receive buffer of the record with the given id.
func (r *Clients) Buffer(id session.ID) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byClient[id]
	if !ok {
		return nil, false
	}

	return r.records[idx].Buffer(), true
}

// Attach binds a secondary channel to an existing record.
//
// Returns:
//   - ErrNotFound if no record has the id
//   - session.ErrChannelBound or session.ErrInvalidChannel from the record
func (r *Clients) Attach(id session.ID, kind session.ChannelKind, ch session.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byClient[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return r.records[idx].Bind(kind, ch)
}

// Remove erases the record and closes its sockets. It reports whether a
// record was removed.
func (r *Clients) Remove(id session.ID) bool {
	r.mu.Lock()
	idx, ok := r.byClient[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	c := r.records[idx]
	last := len(r.records) - 1
	if idx != last {
		moved := r.records[last]
		r.records[idx] = moved
		r.byClient[moved.ClientID()] = idx
		r.byServer[moved.ServerID()] = idx
	}

	r.records[last] = nil
	r.records = r.records[:last]
	delete(r.byClient, c.ClientID())
	delete(r.byServer, c.ServerID())
	n := len(r.records)
	r.mu.Unlock()

	// unreachable from the registry now, safe to close without the lock
	_ = c.Close()
	r.notify(n)
	return true
}

// Len returns the number of registered records.
func (r *Clients) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// IDs returns the client ids of every record.
func (r *Clients) IDs() []session.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]session.ID, 0, len(r.records))
	for _, c := range r.records {
		ids = append(ids, c.ClientID())
	}

	return ids
}

// Snapshot returns a copy of every record's observable state.
func (r *Clients) Snapshot() []session.ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]session.ConnectionInfo, 0, len(r.records))
	for _, c := range r.records {
		out = append(out, c.Info())
	}

	return out
}

// CloseAll removes and closes every record.
func (r *Clients) CloseAll() {
	r.mu.Lock()
	records := r.records
	r.records = nil
	r.byClient = make(map[session.ID]int)
	r.byServer = make(map[session.ID]int)
	r.mu.Unlock()

	for _, c := range records {
		_ = c.Close()
	}

	r.notify(0)
}

func (r *Clients) notify(n int) {
	if r.onSize != nil {
		r.onSize(n)
	}
}
