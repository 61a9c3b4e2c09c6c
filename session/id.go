// Package session holds the data model shared by the listen and connect
// sides: session identifiers, channel descriptors and the per-client
// connection record.
package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// IDLen is the wire size of a session identifier.
const IDLen = 16

// ID is a 128-bit session identifier.
type ID = uuid.UUID

// Nil is the zero identifier. It never names a live connection.
var Nil = uuid.Nil

// ErrBadPreamble is returned when bytes read from a peer cannot be decoded
// into a session identifier.
var ErrBadPreamble = errors.New("session: bad id preamble")

// NewIDs returns a fresh pair of identifiers for one connection. The client
// id is random and is handed to the peer; the server id is time ordered and
// only used locally for correlation.
//
// Returns:
//   - The client-assigned id
//   - The server-assigned id
//   - An error if the system entropy source fails
func NewIDs() (ID, ID, error) {
	client, err := uuid.NewRandom()
	if err != nil {
		return Nil, Nil, fmt.Errorf("session: client id: %w", err)
	}

	server, err := uuid.NewV7()
	if err != nil {
		return Nil, Nil, fmt.Errorf("session: server id: %w", err)
	}

	return client, server, nil
}

// ParseID decodes a 16-byte preamble. A nil id is rejected.
func ParseID(b []byte) (ID, error) {
	if len(b) != IDLen {
		return Nil, fmt.Errorf("%w: got %d bytes", ErrBadPreamble, len(b))
	}

	id, err := uuid.FromBytes(b)
	if err != nil {
		return Nil, fmt.Errorf("%w: %v", ErrBadPreamble, err)
	}

	if id == Nil {
		return Nil, fmt.Errorf("%w: nil id", ErrBadPreamble)
	}

	return id, nil
}
