package netsys

import (
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-netsys/config"
	"github.com/cyberinferno/go-netsys/metrics"
	"github.com/cyberinferno/go-netsys/session"
)

func testConfig(mode string) *config.Config {
	cfg := config.Default()
	cfg.Listen.Mode = mode
	cfg.Resolver.CacheTTL = 0

	for _, cc := range []*config.ChannelConfig{&cfg.Listen.Control, &cfg.Listen.Chat, &cfg.Listen.Bulk} {
		cc.Network = "tcp4"
		cc.Address = "127.0.0.1"
		cc.Port = 0
		cc.WaitTimeout = 20 * time.Millisecond
		cc.PreambleTimeout = time.Second
	}
	cfg.Listen.Control.Workers = 4
	cfg.Listen.Control.Backlog = 16
	cfg.Listen.Vector.Network = "udp4"
	cfg.Listen.Vector.Address = "127.0.0.1"
	cfg.Listen.Vector.Port = 0

	cfg.Connector.Network = "tcp4"
	cfg.Connector.Timeout = time.Second
	cfg.Connector.RetryInterval = 10 * time.Millisecond
	cfg.Connector.MaxRetryInterval = 50 * time.Millisecond
	cfg.Connector.MaxAttempts = 3
	return cfg
}

func newSystem(t *testing.T, cfg *config.Config, deps Deps) *System {
	t.Helper()
	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dialControl(t *testing.T, addr string) (net.Conn, session.ID) {
	t.Helper()
	conn, err := net.DialTimeout("tcp4", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, session.IDLen)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)

	id, err := session.ParseID(buf)
	require.NoError(t, err)
	return conn, id
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(config.ModeChannelized)
	cfg.Listen.Mode = "mesh"
	_, err := New(cfg, Deps{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestSystem_TenSequentialClients(t *testing.T) {
	cfg := testConfig(config.ModeChannelized)
	cfg.Listen.Control.Port = 19740
	sys := newSystem(t, cfg, Deps{Metrics: metrics.New()})
	require.NoError(t, sys.StartListenServer())
	assert.Equal(t, "127.0.0.1:19740", sys.ListenAddr(session.Control).String())

	greeted := make(map[session.ID]bool)
	for i := 0; i < 10; i++ {
		_, id := dialControl(t, "127.0.0.1:19740")
		greeted[id] = true
	}

	require.Eventually(t, func() bool { return len(sys.Connections()) == 10 }, 2*time.Second, 10*time.Millisecond)

	t.Run("every record has a valid control channel", func(t *testing.T) {
		for _, info := range sys.Connections() {
			assert.True(t, info.Channels.Control().Valid())
			assert.True(t, sys.ControlChannel(info.ClientID).Valid())
			assert.True(t, greeted[info.ClientID], "greeting carries the client id")
		}
	})

	t.Run("identifiers are unique", func(t *testing.T) {
		clientIDs := make(map[session.ID]bool)
		serverIDs := make(map[session.ID]bool)
		for _, info := range sys.Connections() {
			clientIDs[info.ClientID] = true
			serverIDs[info.ServerID] = true
		}
		assert.Len(t, clientIDs, 10)
		assert.Len(t, serverIDs, 10)
	})

	t.Run("poll returns each accepted client once", func(t *testing.T) {
		ids := sys.PollAccepted()
		assert.Len(t, ids, 10)
		for _, id := range ids {
			assert.True(t, greeted[id])
		}
		assert.Empty(t, sys.PollAccepted())
	})

	t.Run("get clients snapshots the control sockets", func(t *testing.T) {
		entries := sys.GetClients()
		assert.Len(t, entries, 10)
		for _, e := range entries {
			assert.NotNil(t, e.Conn)
			assert.NotEmpty(t, e.Raw)
			assert.Contains(t, e.Addr, "127.0.0.1:")
		}
	})
}

func TestSystem_StopListenServer(t *testing.T) {
	sys := newSystem(t, testConfig(config.ModeChannelized), Deps{})

	t.Run("start twice is a no-op", func(t *testing.T) {
		require.NoError(t, sys.StartListenServer())
		addr := sys.ListenAddr(session.Control)
		require.NoError(t, sys.StartListenServer())
		assert.Equal(t, addr, sys.ListenAddr(session.Control))
	})

	conn, _ := dialControl(t, sys.ListenAddr(session.Control).String())
	require.Eventually(t, func() bool { return len(sys.Connections()) == 1 }, 2*time.Second, 10*time.Millisecond)

	t.Run("stop twice does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			sys.StopListenServer()
			sys.StopListenServer()
		})
	})

	t.Run("stop closes accepted clients", func(t *testing.T) {
		assert.Empty(t, sys.Connections())
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, err := conn.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("listeners are gone", func(t *testing.T) {
		assert.Nil(t, sys.ListenAddr(session.Control))
		assert.Nil(t, sys.ListenAddr(session.Vector))
	})

	t.Run("listen mode can be restarted", func(t *testing.T) {
		require.NoError(t, sys.StartListenServer())
		dialControl(t, sys.ListenAddr(session.Control).String())
		assert.Eventually(t, func() bool { return len(sys.Connections()) == 1 }, 2*time.Second, 10*time.Millisecond)
	})
}

func TestSystem_StartFailureCleansUp(t *testing.T) {
	busy, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := testConfig(config.ModeChannelized)
	cfg.Listen.Bulk.Port = busy.Addr().(*net.TCPAddr).Port
	sys := newSystem(t, cfg, Deps{})

	assert.Error(t, sys.StartListenServer())
	assert.Nil(t, sys.ListenAddr(session.Control), "control listener is stopped again")
}

func TestSystem_SecondaryChannels(t *testing.T) {
	sys := newSystem(t, testConfig(config.ModeChannelized), Deps{})
	require.NoError(t, sys.StartListenServer())
	_, id := dialControl(t, sys.ListenAddr(session.Control).String())

	t.Run("chat preamble attaches the channel", func(t *testing.T) {
		chat, err := net.DialTimeout("tcp4", sys.ListenAddr(session.Chat).String(), time.Second)
		require.NoError(t, err)
		defer chat.Close()
		_, err = chat.Write(id[:])
		require.NoError(t, err)

		require.Eventually(t, func() bool { return sys.ChatChannel(id).Valid() }, 2*time.Second, 10*time.Millisecond)
		assert.False(t, sys.BulkChannel(id).Valid())
	})

	t.Run("second chat connection for the same client is dropped", func(t *testing.T) {
		dup, err := net.DialTimeout("tcp4", sys.ListenAddr(session.Chat).String(), time.Second)
		require.NoError(t, err)
		defer dup.Close()
		_, err = dup.Write(id[:])
		require.NoError(t, err)

		require.NoError(t, dup.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err = dup.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("unknown preamble is dropped", func(t *testing.T) {
		other, _, err := session.NewIDs()
		require.NoError(t, err)

		bulk, err := net.DialTimeout("tcp4", sys.ListenAddr(session.Bulk).String(), time.Second)
		require.NoError(t, err)
		defer bulk.Close()
		_, err = bulk.Write(other[:])
		require.NoError(t, err)

		require.NoError(t, bulk.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err = bulk.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
		assert.False(t, sys.BulkChannel(id).Valid())
	})

	t.Run("disconnect removes the client", func(t *testing.T) {
		require.NoError(t, sys.Disconnect(id))
		assert.False(t, sys.ControlChannel(id).Valid())
		_, ok := sys.Channels(id)
		assert.False(t, ok)
		assert.ErrorIs(t, sys.Disconnect(id), ErrUnknownClient)
	})
}

func TestSystem_ConcurrentClients(t *testing.T) {
	const clients = 16

	sys := newSystem(t, testConfig(config.ModeChannelized), Deps{})
	require.NoError(t, sys.StartListenServer())
	addr := sys.ListenAddr(session.Control).String()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		conns   []net.Conn
		greeted = make(map[session.ID]bool)
	)
	t.Cleanup(func() {
		for _, c := range conns {
			_ = c.Close()
		}
	})

	for i := 0; i < clients; i++ {
		g.Go(func() error {
			conn, err := net.DialTimeout("tcp4", addr, time.Second)
			if err != nil {
				return err
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()

			if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
				return err
			}
			buf := make([]byte, session.IDLen)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return err
			}

			id, err := session.ParseID(buf)
			if err != nil {
				return err
			}

			mu.Lock()
			greeted[id] = true
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool { return len(sys.Connections()) == clients }, 3*time.Second, 10*time.Millisecond)

	t.Run("every client is greeted with its own id", func(t *testing.T) {
		assert.Len(t, greeted, clients)
		serverIDs := make(map[session.ID]bool)
		for _, info := range sys.Connections() {
			assert.True(t, greeted[info.ClientID])
			serverIDs[info.ServerID] = true
		}
		assert.Len(t, serverIDs, clients)
	})
}

func TestSystem_SilentChatPeer(t *testing.T) {
	cfg := testConfig(config.ModeChannelized)
	cfg.Listen.Chat.Workers = 1
	cfg.Listen.Chat.PreambleTimeout = 5 * time.Second
	m := metrics.New()
	sys := newSystem(t, cfg, Deps{Metrics: m})
	require.NoError(t, sys.StartListenServer())
	_, id := dialControl(t, sys.ListenAddr(session.Control).String())

	silent, err := net.DialTimeout("tcp4", sys.ListenAddr(session.Chat).String(), time.Second)
	require.NoError(t, err)
	defer silent.Close()

	t.Run("other chat attaches are not held up", func(t *testing.T) {
		chat, err := net.DialTimeout("tcp4", sys.ListenAddr(session.Chat).String(), time.Second)
		require.NoError(t, err)
		defer chat.Close()
		_, err = chat.Write(id[:])
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return sys.ChatChannel(id).Valid() }, time.Second, 10*time.Millisecond)
	})

	t.Run("stop does not wait for the preamble timeout", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			sys.StopListenServer()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("stop did not return")
		}
	})

	t.Run("silent connection is closed", func(t *testing.T) {
		require.NoError(t, silent.SetReadDeadline(time.Now().Add(time.Second)))
		_, err := silent.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("abandoned handshake is counted as a drop", func(t *testing.T) {
		expected := `
# HELP netsys_accept_dropped_total Accepted connections dropped during finalization, by channel.
# TYPE netsys_accept_dropped_total counter
netsys_accept_dropped_total{channel="chat"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "netsys_accept_dropped_total"))
	})
}

func TestSystem_VectorBufferNotHeld(t *testing.T) {
	sys := newSystem(t, testConfig(config.ModeChannelized), Deps{})
	require.NoError(t, sys.StartListenServer())
	require.NotNil(t, sys.ListenAddr(session.Vector))

	e, err := sys.buffers.Acquire(maxDatagram)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- e.Do(func(buf []byte) error { return nil })
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pooled datagram-sized buffer is locked by the vector endpoint")
	}
}

func TestSystem_PlainMode(t *testing.T) {
	sys := newSystem(t, testConfig(config.ModePlain), Deps{})
	require.NoError(t, sys.StartListenServer())
	assert.Nil(t, sys.ListenAddr(session.Chat))
	assert.Nil(t, sys.ListenAddr(session.Vector))

	conn, err := net.DialTimeout("tcp4", sys.ListenAddr(session.Control).String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return len(sys.GetClients()) == 1 }, 2*time.Second, 10*time.Millisecond)

	t.Run("entry records the peer address", func(t *testing.T) {
		e := sys.GetClients()[0]
		assert.Equal(t, conn.LocalAddr().String(), e.Addr)
		assert.NotEmpty(t, e.Raw)
		assert.False(t, e.AcceptedAt.IsZero())
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		entries := sys.GetClients()
		entries[0].Addr = "changed"
		assert.NotEqual(t, "changed", sys.GetClients()[0].Addr)
	})

	t.Run("no client records in plain mode", func(t *testing.T) {
		assert.Empty(t, sys.Connections())
	})
}

func TestSystem_ApplyConfig(t *testing.T) {
	sys := newSystem(t, testConfig(config.ModeChannelized), Deps{})
	require.NoError(t, sys.StartListenServer())

	t.Run("new accept rate keeps accepting", func(t *testing.T) {
		cfg := testConfig(config.ModeChannelized)
		cfg.Listen.Control.AcceptRate = 500
		require.NoError(t, sys.ApplyConfig(cfg))
		assert.Equal(t, 500, sys.Config().Listen.Control.AcceptRate)

		dialControl(t, sys.ListenAddr(session.Control).String())
	})

	t.Run("mode change waits for a restart", func(t *testing.T) {
		require.NoError(t, sys.ApplyConfig(testConfig(config.ModePlain)))
		assert.Len(t, sys.GetClients(), 1)
		assert.NotNil(t, sys.ListenAddr(session.Chat))
	})

	t.Run("invalid config is refused", func(t *testing.T) {
		cfg := testConfig(config.ModeChannelized)
		cfg.Connector.MaxAttempts = 0
		assert.Error(t, sys.ApplyConfig(cfg))
		assert.Equal(t, 3, sys.Config().Connector.MaxAttempts)
	})
}

func portOf(a net.Addr) int {
	_, p, _ := net.SplitHostPort(a.String())
	n, _ := strconv.Atoi(p)
	return n
}
