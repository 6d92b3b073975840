package provision

import (
	"fmt"
	"net"
	"net/netip"
)

// Table, action and meter names of the PPV dataplane program.
const (
	TableForward   = "ipv4_lpm"
	ActionForward  = "ipv4_forward"
	TableMarker    = "ppv_marker"
	ActionMark     = "ppv_mark"
	TableDemarker  = "ppv_demarker"
	ActionDemark   = "ppv_demark"
	TableMeter     = "ipv4_meter"
	ActionMeter    = "m_action"
	TableFilter    = "meter_filter"
	ActionOverload = "overloaded"
	DirectMeter    = "my_meter"
)

// IP protocol numbers that get a marking rule.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// ColorRed is the meter color matched by the overload filter.
const ColorRed = 2

// Field widths in bits.
const (
	widthIPv4  = 32
	widthProto = 8
	widthMAC   = 48
	widthPort  = 9
	widthMark  = 16
	widthColor = 32
)

// encodeUint returns v big-endian in the byte width of a bits-wide field.
func encodeUint(v uint64, bits int) ([]byte, error) {
	n := (bits + 7) / 8
	if bits < 64 && v >= 1<<bits {
		return nil, fmt.Errorf("value %d does not fit in %d bits", v, bits)
	}
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out, nil
}

// encodePrefix parses an IPv4 address or prefix. A bare address is a /32.
func encodePrefix(s string) ([]byte, int, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		if !p.Addr().Is4() {
			return nil, 0, fmt.Errorf("%q is not an IPv4 prefix", s)
		}
		a := p.Masked().Addr().As4()
		return a[:], p.Bits(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return nil, 0, fmt.Errorf("%q is not an IPv4 address or prefix", s)
	}
	b := a.As4()
	return b[:], widthIPv4, nil
}

func encodeMAC(s string) ([]byte, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return nil, err
	}
	if len(hw) != widthMAC/8 {
		return nil, fmt.Errorf("%q is not a 48-bit MAC address", s)
	}
	return hw, nil
}
