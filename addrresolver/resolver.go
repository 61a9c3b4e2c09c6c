// Package addrresolver turns host/port strings into transport addresses and
// formats addresses numerically for diagnostics.
package addrresolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

var (
	// ErrUnsupportedNetwork is returned for networks other than tcp/udp and
	// their 4/6 variants.
	ErrUnsupportedNetwork = errors.New("addrresolver: unsupported network")

	// ErrNoAddress is returned when a lookup yields no usable address.
	ErrNoAddress = errors.New("addrresolver: no address")

	// ErrFamilyMismatch is returned when a literal address does not belong to
	// the requested family.
	ErrFamilyMismatch = errors.New("addrresolver: address family mismatch")
)

// Resolver resolves a host and port for a network.
type Resolver interface {
	Resolve(ctx context.Context, network, host string, port int) ([]netip.AddrPort, error)
}

// Family describes which IP versions a network accepts.
type Family int

const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

// FamilyOf validates network and returns its address family.
func FamilyOf(network string) (Family, error) {
	switch network {
	case "tcp", "udp":
		return FamilyAny, nil
	case "tcp4", "udp4":
		return FamilyIPv4, nil
	case "tcp6", "udp6":
		return FamilyIPv6, nil
	default:
		return FamilyAny, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, network)
	}
}

func (f Family) accepts(a netip.Addr) bool {
	switch f {
	case FamilyIPv4:
		return a.Is4()
	case FamilyIPv6:
		return a.Is6()
	default:
		return true
	}
}

func (f Family) lookupNetwork() string {
	switch f {
	case FamilyIPv4:
		return "ip4"
	case FamilyIPv6:
		return "ip6"
	default:
		return "ip"
	}
}

// NetResolver resolves through a net.Resolver.
type NetResolver struct {
	r *net.Resolver
}

// New returns a NetResolver over net.DefaultResolver.
func New() *NetResolver {
	return &NetResolver{r: net.DefaultResolver}
}

// Resolve returns every address for host:port on network.
//
// Parameters:
//   - network: tcp, tcp4, tcp6, udp, udp4 or udp6
//   - host: "" or "any" for the unspecified address, a numeric literal, or
//     a name to look up
//   - port: 0..65535
//
// Returns:
//   - The resolved addresses, never empty on success
//   - ErrUnsupportedNetwork, ErrFamilyMismatch, ErrNoAddress or a lookup error
func (r *NetResolver) Resolve(ctx context.Context, network, host string, port int) ([]netip.AddrPort, error) {
	fam, err := FamilyOf(network)
	if err != nil {
		return nil, err
	}

	if port < 0 || port > 0xffff {
		return nil, fmt.Errorf("addrresolver: port %d out of range", port)
	}

	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" || strings.EqualFold(host, "any") {
		if fam == FamilyIPv6 {
			return []netip.AddrPort{netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(port))}, nil
		}

		return []netip.AddrPort{netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port))}, nil
	}

	if lit, err := netip.ParseAddr(host); err == nil {
		lit = lit.Unmap()
		if !fam.accepts(lit) {
			return nil, fmt.Errorf("%w: %s on %s", ErrFamilyMismatch, host, network)
		}

		return []netip.AddrPort{netip.AddrPortFrom(lit, uint16(port))}, nil
	}

	ips, err := r.r.LookupNetIP(ctx, fam.lookupNetwork(), host)
	if err != nil {
		return nil, fmt.Errorf("addrresolver: lookup %s: %w", host, err)
	}

	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		ip = ip.Unmap()
		if fam.accepts(ip) {
			out = append(out, netip.AddrPortFrom(ip, uint16(port)))
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}

	return out, nil
}

// First resolves with r and returns the first address.
func First(ctx context.Context, r Resolver, network, host string, port int) (netip.AddrPort, error) {
	addrs, err := r.Resolve(ctx, network, host, port)
	if err != nil {
		return netip.AddrPort{}, err
	}

	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}

	return addrs[0], nil
}

// SplitHostPort splits "host:port" into its parts with a numeric port.
func SplitHostPort(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("addrresolver: %w", err)
	}

	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("addrresolver: bad port %q", portStr)
	}

	return host, port, nil
}

// AddrPortOf extracts an IP address and port from a TCP or UDP address.
func AddrPortOf(a net.Addr) (netip.AddrPort, bool) {
	switch v := a.(type) {
	case *net.TCPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
	case *net.UDPAddr:
		ap := v.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
	default:
		return netip.AddrPort{}, false
	}
}

// FormatNumeric renders a as a numeric host:port. It never performs a
// reverse DNS lookup.
func FormatNumeric(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}

	if ap, ok := AddrPortOf(a); ok {
		return ap.String()
	}

	return a.String()
}
