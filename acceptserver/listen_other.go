//go:build !linux

package acceptserver

import (
	"context"
	"net"
	"net/netip"
)

// listen falls back to the runtime's listener; the backlog is whatever the
// platform default is.
func listen(network string, ap netip.AddrPort, _, _ int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), network, ap.String())
}
