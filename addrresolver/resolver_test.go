package addrresolver

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/cyberinferno/go-netsys/cacher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	r := New()

	t.Run("numeric literal needs no lookup", func(t *testing.T) {
		addrs, err := r.Resolve(ctx, "tcp", "127.0.0.1", 19740)
		require.NoError(t, err)
		assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:19740")}, addrs)
	})

	t.Run("any maps to the unspecified address of the family", func(t *testing.T) {
		addrs, err := r.Resolve(ctx, "tcp4", "any", 80)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:80", addrs[0].String())

		addrs, err = r.Resolve(ctx, "udp6", "", 80)
		require.NoError(t, err)
		assert.Equal(t, "[::]:80", addrs[0].String())
	})

	t.Run("bracketed ipv6 literal", func(t *testing.T) {
		addrs, err := r.Resolve(ctx, "tcp6", "[::1]", 9)
		require.NoError(t, err)
		assert.Equal(t, "[::1]:9", addrs[0].String())
	})

	t.Run("family mismatch is rejected", func(t *testing.T) {
		_, err := r.Resolve(ctx, "tcp6", "127.0.0.1", 1)
		assert.ErrorIs(t, err, ErrFamilyMismatch)
	})

	t.Run("unsupported network is rejected", func(t *testing.T) {
		_, err := r.Resolve(ctx, "unix", "127.0.0.1", 1)
		assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	})

	t.Run("port out of range is rejected", func(t *testing.T) {
		_, err := r.Resolve(ctx, "tcp", "127.0.0.1", 70000)
		assert.Error(t, err)
	})
}

func TestFirst(t *testing.T) {
	ap, err := First(context.Background(), New(), "udp4", "10.1.2.3", 5)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3:5", ap.String())
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := SplitHostPort("127.0.0.1:19740")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 19740, port)

	_, _, err = SplitHostPort("nope")
	assert.Error(t, err)

	_, _, err = SplitHostPort("h:x")
	assert.Error(t, err)
}

func TestFormatNumeric(t *testing.T) {
	assert.Equal(t, "<nil>", FormatNumeric(nil))
	assert.Equal(t, "127.0.0.1:80", FormatNumeric(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 80}))
	assert.Equal(t, "[::1]:53", FormatNumeric(&net.UDPAddr{IP: net.IPv6loopback, Port: 53}))
	assert.Equal(t, "/tmp/sock", FormatNumeric(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))
}

type countingResolver struct {
	calls int
}

func (c *countingResolver) Resolve(_ context.Context, _ string, _ string, port int) ([]netip.AddrPort, error) {
	c.calls++
	return []netip.AddrPort{netip.AddrPortFrom(netip.MustParseAddr("192.0.2.7"), uint16(port))}, nil
}

func TestCachingResolver(t *testing.T) {
	ctx := context.Background()
	next := &countingResolver{}
	r := NewCaching(next, cacher.NewMemoryCacher[[]string](time.Minute, time.Minute), time.Minute)

	t.Run("names are looked up once", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			addrs, err := r.Resolve(ctx, "tcp", "game.example", 7000)
			require.NoError(t, err)
			assert.Equal(t, "192.0.2.7:7000", addrs[0].String())
		}
		assert.Equal(t, 1, next.calls)
	})

	t.Run("invalidate forces a new lookup", func(t *testing.T) {
		require.NoError(t, r.Invalidate(ctx, "tcp", "game.example", 7000))
		_, err := r.Resolve(ctx, "tcp", "game.example", 7000)
		require.NoError(t, err)
		assert.Equal(t, 2, next.calls)
	})

	t.Run("literals bypass the cache", func(t *testing.T) {
		_, err := r.Resolve(ctx, "tcp", "10.0.0.1", 1)
		require.NoError(t, err)
		_, err = r.Resolve(ctx, "tcp", "10.0.0.1", 1)
		require.NoError(t, err)
		assert.Equal(t, 4, next.calls)
	})
}
