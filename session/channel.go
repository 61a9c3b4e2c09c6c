package session

import (
	"errors"
	"net"
)

// ChannelKind names one of the transports that make up a client connection.
type ChannelKind int

const (
	Control ChannelKind = iota // setup, teardown and small control messages
	Chat                       // small reliable ordered messages
	Bulk                       // large reliable ordered payloads
	Vector                     // unreliable datagrams for positional updates
)

// NumChannels is the number of channel kinds per client.
const NumChannels = 4

// ErrNoSocket is returned by Channel.Send on an invalid channel.
var ErrNoSocket = errors.New("session: channel has no socket")

// Kinds returns every channel kind in declaration order.
func Kinds() []ChannelKind {
	return []ChannelKind{Control, Chat, Bulk, Vector}
}

// String returns the lower-case channel name used in logs and metric labels.
func (k ChannelKind) String() string {
	switch k {
	case Control:
		return "control"
	case Chat:
		return "chat"
	case Bulk:
		return "bulk"
	case Vector:
		return "vector"
	default:
		return "unknown"
	}
}

// Stream reports whether the kind runs over a reliable stream transport.
func (k ChannelKind) Stream() bool {
	return k == Control || k == Chat || k == Bulk
}

// Valid reports whether k is one of the declared kinds.
func (k ChannelKind) Valid() bool {
	return k >= Control && k <= Vector
}

// Channel describes one transport of a client. Stream channels carry Conn;
// the vector channel carries the shared datagram endpoint in Packet and the
// peer in Remote. The zero Channel is the invalid sentinel.
type Channel struct {
	Handle uint32
	Conn   net.Conn
	Packet net.PacketConn
	Local  net.Addr
	Remote net.Addr
}

// Valid reports whether the channel has a usable socket.
func (c Channel) Valid() bool {
	return c.Conn != nil || (c.Packet != nil && c.Remote != nil)
}

// Send writes p to the peer. Payload bytes are opaque.
func (c Channel) Send(p []byte) (int, error) {
	switch {
	case c.Conn != nil:
		return c.Conn.Write(p)
	case c.Packet != nil && c.Remote != nil:
		return c.Packet.WriteTo(p, c.Remote)
	default:
		return 0, ErrNoSocket
	}
}

// ChannelSet holds one Channel per kind, indexed by ChannelKind.
type ChannelSet [NumChannels]Channel

// Get returns the channel of the given kind, or the invalid sentinel.
func (s ChannelSet) Get(kind ChannelKind) Channel {
	if !kind.Valid() {
		return Channel{}
	}

	return s[kind]
}

func (s ChannelSet) Control() Channel { return s[Control] }
func (s ChannelSet) Chat() Channel    { return s[Chat] }
func (s ChannelSet) Bulk() Channel    { return s[Bulk] }
func (s ChannelSet) Vector() Channel  { return s[Vector] }

// Any reports whether at least one channel is valid.
func (s ChannelSet) Any() bool {
	for _, ch := range s {
		if ch.Valid() {
			return true
		}
	}

	return false
}
