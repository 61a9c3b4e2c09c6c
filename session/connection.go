package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

var (
	// ErrChannelBound is returned when binding a channel kind that already
	// has a valid socket.
	ErrChannelBound = errors.New("session: channel already bound")

	// ErrInvalidChannel is returned for an unknown kind or a channel without
	// a socket.
	ErrInvalidChannel = errors.New("session: invalid channel")
)

// Connection is the record of one logical client. Its identifiers are fixed
// at construction. Channel mutation goes through Bind, which the owning
// registry only calls under its lock; everyone else reads copies.
type Connection struct {
	clientID  ID
	serverID  ID
	createdAt time.Time
	channels  ChannelSet
	buf       []byte
	closeOnce sync.Once
}

// NewConnection creates a record for a freshly accepted or connected control
// channel with newly generated identifiers.
//
// Parameters:
//   - control: The control channel; it must be valid
//   - bufLen: Size of the receive buffer; 0 means no buffer
//
// Returns:
//   - The new Connection, or an error for a negative bufLen, an invalid
//     control channel or an id generation failure
func NewConnection(control Channel, bufLen int) (*Connection, error) {
	client, server, err := NewIDs()
	if err != nil {
		return nil, err
	}

	return NewConnectionWithIDs(client, server, control, bufLen)
}

// NewConnectionWithIDs is NewConnection with caller-supplied identifiers.
// The client side uses it to mirror the id handed out by the server.
func NewConnectionWithIDs(client, server ID, control Channel, bufLen int) (*Connection, error) {
	if bufLen < 0 {
		return nil, fmt.Errorf("session: negative buffer length %d", bufLen)
	}

	if client == Nil || server == Nil {
		return nil, fmt.Errorf("session: nil identifier")
	}

	if !control.Valid() {
		return nil, fmt.Errorf("%w: control", ErrInvalidChannel)
	}

	c := &Connection{
		clientID:  client,
		serverID:  server,
		createdAt: time.Now(),
	}
	c.channels[Control] = control

	if bufLen > 0 {
		c.buf = make([]byte, bufLen)
	}

	return c, nil
}

// ClientID returns the client-assigned identifier.
func (c *Connection) ClientID() ID { return c.clientID }

// ServerID returns the server-assigned identifier.
func (c *Connection) ServerID() ID { return c.serverID }

// CreatedAt returns the construction time.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Buffer returns the receive buffer allocated at construction, nil when the
// record was built with a zero length or after Close.
func (c *Connection) Buffer() []byte { return c.buf }

// Channels returns a copy of the channel set.
func (c *Connection) Channels() ChannelSet { return c.channels }

// Bind installs ch as the channel of the given kind.
//
// Returns:
//   - ErrInvalidChannel for an unknown kind or a channel without a socket
//   - ErrChannelBound if the kind already has a valid channel
func (c *Connection) Bind(kind ChannelKind, ch Channel) error {
	if !kind.Valid() || !ch.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidChannel, kind)
	}

	if c.channels[kind].Valid() {
		return fmt.Errorf("%w: %s", ErrChannelBound, kind)
	}

	c.channels[kind] = ch
	return nil
}

// Info returns a read-only snapshot of the record.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ClientID:  c.clientID,
		ServerID:  c.serverID,
		CreatedAt: c.createdAt,
		Channels:  c.channels,
		BufferLen: len(c.buf),
	}
}

// Close closes every stream socket the record owns and releases the buffer.
// The vector endpoint is shared between clients and stays open. Calling
// Close more than once is a no-op.
//
// Returns:
//   - The first error returned while closing a socket
func (c *Connection) Close() error {
	var first error
	c.closeOnce.Do(func() {
		for _, kind := range []ChannelKind{Control, Chat, Bulk} {
			if conn := c.channels[kind].Conn; conn != nil {
				if err := conn.Close(); err != nil && first == nil && !errors.Is(err, net.ErrClosed) {
					first = err
				}
			}
		}

		c.buf = nil
	})

	return first
}

// ConnectionInfo is a copy of a Connection's observable state.
type ConnectionInfo struct {
	ClientID  ID
	ServerID  ID
	CreatedAt time.Time
	Channels  ChannelSet
	BufferLen int
}

// SocketEntry is one plain accepted socket: the connection, the packed raw
// remote address and its numeric rendering.
type SocketEntry struct {
	Conn       net.Conn
	Raw        []byte
	Addr       string
	AcceptedAt time.Time
}
