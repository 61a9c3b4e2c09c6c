package acceptserver

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/cyberinferno/go-netsys/addrresolver"
	"github.com/cyberinferno/go-netsys/utils"
)

// ErrAddrDecode is returned when the accept buffer does not hold two valid
// packed addresses.
var ErrAddrDecode = errors.New("acceptserver: cannot decode accepted addresses")

// addrCodec packs the local and remote address of an accepted connection
// into an accept buffer and decodes them back. Each address occupies one
// fixed slot: a length byte followed by the binary AddrPort.
type addrCodec struct {
	family addrresolver.Family
	slot   int
}

// bufLen is the accept buffer size: room for two packed addresses.
func (c addrCodec) bufLen() int {
	return 2 * c.slot
}

var addrCodecs = map[addrresolver.Family]addrCodec{
	addrresolver.FamilyIPv4: {family: addrresolver.FamilyIPv4, slot: 16},
	addrresolver.FamilyIPv6: {family: addrresolver.FamilyIPv6, slot: 64},
	addrresolver.FamilyAny:  {family: addrresolver.FamilyAny, slot: 64},
}

// codecFor resolves the pack/decode entry points for a listen network.
func codecFor(network string) (addrCodec, error) {
	fam, err := addrresolver.FamilyOf(network)
	if err != nil {
		return addrCodec{}, err
	}

	c, ok := addrCodecs[fam]
	if !ok {
		return addrCodec{}, fmt.Errorf("acceptserver: no address codec for %s", network)
	}

	return c, nil
}

func (c addrCodec) packOne(dst []byte, ap netip.AddrPort) error {
	if !ap.IsValid() {
		return fmt.Errorf("%w: invalid address", ErrAddrDecode)
	}

	raw, err := ap.MarshalBinary()
	if err != nil {
		return err
	}

	if len(raw)+1 > c.slot {
		return fmt.Errorf("%w: %s does not fit a %d byte slot", ErrAddrDecode, ap, c.slot)
	}

	copy(dst, utils.PadBytes(utils.JoinBytes([]byte{byte(len(raw))}, raw), c.slot))
	return nil
}

func (c addrCodec) unpackOne(src []byte) (netip.AddrPort, error) {
	n := int(src[0])
	if n == 0 || n+1 > c.slot {
		return netip.AddrPort{}, fmt.Errorf("%w: slot length %d", ErrAddrDecode, n)
	}

	var ap netip.AddrPort
	if err := ap.UnmarshalBinary(src[1 : 1+n]); err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrAddrDecode, err)
	}

	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	switch {
	case c.family == addrresolver.FamilyIPv4 && !ap.Addr().Is4(),
		c.family == addrresolver.FamilyIPv6 && !ap.Addr().Is6():
		return netip.AddrPort{}, fmt.Errorf("%w: %s outside the listen family", ErrAddrDecode, ap)
	}

	return ap, nil
}

// pack writes local then remote into buf.
func (c addrCodec) pack(buf []byte, local, remote netip.AddrPort) error {
	if len(buf) < c.bufLen() {
		return fmt.Errorf("%w: buffer of %d bytes", ErrAddrDecode, len(buf))
	}

	if err := c.packOne(buf[:c.slot], local); err != nil {
		return err
	}

	return c.packOne(buf[c.slot:c.bufLen()], remote)
}

// unpack reads local and remote back from buf.
func (c addrCodec) unpack(buf []byte) (local, remote netip.AddrPort, err error) {
	if len(buf) < c.bufLen() {
		return local, remote, fmt.Errorf("%w: buffer of %d bytes", ErrAddrDecode, len(buf))
	}

	if local, err = c.unpackOne(buf[:c.slot]); err != nil {
		return local, remote, err
	}

	remote, err = c.unpackOne(buf[c.slot:c.bufLen()])
	return local, remote, err
}
