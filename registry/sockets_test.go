package registry

import (
	"testing"
	"time"

	"github.com/cyberinferno/go-netsys/session"
	"github.com/stretchr/testify/assert"
)

func TestSockets(t *testing.T) {
	var last int
	r := NewSockets(func(n int) { last = n })

	ch, peer := newPipe(t)
	r.Append(session.SocketEntry{Conn: ch.Conn, Raw: []byte{1}, Addr: "pipe", AcceptedAt: time.Now()})
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, last)

	t.Run("snapshot is a copy", func(t *testing.T) {
		snap := r.Snapshot()
		snap[0].Addr = "changed"
		assert.Equal(t, "pipe", r.Snapshot()[0].Addr)
	})

	t.Run("close all closes sockets", func(t *testing.T) {
		r.CloseAll()
		assert.Equal(t, 0, r.Len())
		assert.Equal(t, 0, last)
		_, err := peer.Read(make([]byte, 1))
		assert.Error(t, err)
	})
}
