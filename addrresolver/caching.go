package addrresolver

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/cyberinferno/go-netsys/cacher"
)

// CachingResolver memoizes name lookups of another Resolver. Numeric and
// wildcard hosts skip the cache.
type CachingResolver struct {
	next  Resolver
	cache cacher.Cacher[[]string]
	ttl   time.Duration
}

// NewCaching wraps next with c, keeping results for ttl.
func NewCaching(next Resolver, c cacher.Cacher[[]string], ttl time.Duration) *CachingResolver {
	return &CachingResolver{next: next, cache: c, ttl: ttl}
}

// Resolve implements Resolver.
func (r *CachingResolver) Resolve(ctx context.Context, network, host string, port int) ([]netip.AddrPort, error) {
	if _, err := netip.ParseAddr(host); err == nil || host == "" || host == "any" {
		return r.next.Resolve(ctx, network, host, port)
	}

	key := network + "|" + host + "|" + strconv.Itoa(port)
	raw, err := r.cache.GetOrFetch(ctx, key, r.ttl, func(ctx context.Context) ([]string, error) {
		addrs, err := r.next.Resolve(ctx, network, host, port)
		if err != nil {
			return nil, err
		}

		out := make([]string, len(addrs))
		for i, a := range addrs {
			out[i] = a.String()
		}

		return out, nil
	})
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.AddrPort, 0, len(raw))
	for _, s := range raw {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("addrresolver: cached entry %q: %w", s, err)
		}

		addrs = append(addrs, ap)
	}

	return addrs, nil
}

// Invalidate drops the cached result for host:port on network.
func (r *CachingResolver) Invalidate(ctx context.Context, network, host string, port int) error {
	return r.cache.Delete(ctx, network+"|"+host+"|"+strconv.Itoa(port))
}
