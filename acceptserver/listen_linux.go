//go:build linux

package acceptserver

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// listen creates the listening socket by hand so the backlog is honored,
// then hands the descriptor to the runtime poller. A backlog of 0 means
// SOMAXCONN.
func listen(network string, ap netip.AddrPort, backlog, protocol int) (net.Listener, error) {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}

	if protocol == 0 {
		protocol = unix.IPPROTO_TCP
	}

	domain := unix.AF_INET6
	if ap.Addr().Is4() {
		domain = unix.AF_INET
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, protocol)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, fmt.Errorf("set reuse addr: %w", err)
	}

	var sa unix.Sockaddr
	if domain == unix.AF_INET {
		sa = &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().As4()}
	} else {
		v6only := 0
		if network == "tcp6" {
			v6only = 1
		}

		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, v6only); err != nil {
			return nil, fmt.Errorf("set v6only: %w", err)
		}

		sa6 := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
		if zone := ap.Addr().Zone(); zone != "" {
			ifi, err := net.InterfaceByName(zone)
			if err != nil {
				return nil, fmt.Errorf("zone %s: %w", zone, err)
			}

			sa6.ZoneId = uint32(ifi.Index)
		}

		sa = sa6
	}

	if err := unix.Bind(fd, sa); err != nil {
		return nil, fmt.Errorf("bind %s: %w", ap, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		return nil, fmt.Errorf("listen %s: %w", ap, err)
	}

	f := os.NewFile(uintptr(fd), "listener:"+ap.String())
	ok = true
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("file listener %s: %w", ap, err)
	}

	return ln, nil
}
