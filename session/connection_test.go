package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeChannel(t *testing.T) (Channel, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	return Channel{Handle: 1, Conn: a, Local: a.LocalAddr(), Remote: a.RemoteAddr()}, b
}

func TestNewIDs(t *testing.T) {
	t.Run("client and server ids differ and are non-nil", func(t *testing.T) {
		client, server, err := NewIDs()
		require.NoError(t, err)
		assert.NotEqual(t, Nil, client)
		assert.NotEqual(t, Nil, server)
		assert.NotEqual(t, client, server)
	})

	t.Run("no duplicates across many calls", func(t *testing.T) {
		seen := make(map[ID]bool)
		for i := 0; i < 1000; i++ {
			client, server, err := NewIDs()
			require.NoError(t, err)
			assert.False(t, seen[client])
			assert.False(t, seen[server])
			seen[client] = true
			seen[server] = true
		}
	})
}

func TestParseID(t *testing.T) {
	t.Run("round trips a generated id", func(t *testing.T) {
		id, _, err := NewIDs()
		require.NoError(t, err)
		got, err := ParseID(id[:])
		require.NoError(t, err)
		assert.Equal(t, id, got)
	})

	t.Run("rejects short input", func(t *testing.T) {
		_, err := ParseID([]byte{1, 2, 3})
		assert.ErrorIs(t, err, ErrBadPreamble)
	})

	t.Run("rejects nil id", func(t *testing.T) {
		_, err := ParseID(make([]byte, IDLen))
		assert.ErrorIs(t, err, ErrBadPreamble)
	})
}

func TestChannelKind(t *testing.T) {
	assert.Equal(t, "control", Control.String())
	assert.Equal(t, "chat", Chat.String())
	assert.Equal(t, "bulk", Bulk.String())
	assert.Equal(t, "vector", Vector.String())
	assert.Equal(t, "unknown", ChannelKind(9).String())
	assert.True(t, Bulk.Stream())
	assert.False(t, Vector.Stream())
	assert.Len(t, Kinds(), NumChannels)
}

func TestChannelSet(t *testing.T) {
	var set ChannelSet
	assert.False(t, set.Any())
	assert.False(t, set.Get(ChannelKind(-1)).Valid())

	ch, _ := pipeChannel(t)
	set[Chat] = ch
	assert.True(t, set.Any())
	assert.True(t, set.Chat().Valid())
	assert.False(t, set.Control().Valid())

	_, err := Channel{}.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNoSocket)
}

func TestNewConnection(t *testing.T) {
	t.Run("allocates the requested buffer once", func(t *testing.T) {
		ch, _ := pipeChannel(t)
		c, err := NewConnection(ch, 128)
		require.NoError(t, err)
		assert.Len(t, c.Buffer(), 128)
		assert.Equal(t, 128, c.Info().BufferLen)
		assert.True(t, c.Channels().Control().Valid())
	})

	t.Run("zero length means no buffer", func(t *testing.T) {
		ch, _ := pipeChannel(t)
		c, err := NewConnection(ch, 0)
		require.NoError(t, err)
		assert.Nil(t, c.Buffer())
	})

	t.Run("rejects negative length", func(t *testing.T) {
		ch, _ := pipeChannel(t)
		_, err := NewConnection(ch, -1)
		assert.Error(t, err)
	})

	t.Run("rejects invalid control channel", func(t *testing.T) {
		_, err := NewConnection(Channel{}, 0)
		assert.ErrorIs(t, err, ErrInvalidChannel)
	})
}

func TestConnection_Bind(t *testing.T) {
	control, _ := pipeChannel(t)
	c, err := NewConnection(control, 0)
	require.NoError(t, err)

	chat, _ := pipeChannel(t)
	require.NoError(t, c.Bind(Chat, chat))
	assert.True(t, c.Channels().Chat().Valid())

	t.Run("second bind of the same kind fails", func(t *testing.T) {
		other, _ := pipeChannel(t)
		assert.ErrorIs(t, c.Bind(Chat, other), ErrChannelBound)
	})

	t.Run("invalid channel is rejected", func(t *testing.T) {
		assert.ErrorIs(t, c.Bind(Bulk, Channel{}), ErrInvalidChannel)
	})
}

func TestConnection_Close(t *testing.T) {
	control, peer := pipeChannel(t)
	c, err := NewConnection(control, 32)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Nil(t, c.Buffer())

	buf := make([]byte, 1)
	_, err = peer.Read(buf)
	assert.Error(t, err, "peer should observe the close")

	t.Run("second close is a no-op", func(t *testing.T) {
		assert.NoError(t, c.Close())
	})
}
