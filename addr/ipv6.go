package addr

import (
	"errors"
	"net"
)

// ErrBadIPv6 is returned when a string does not parse as an IPv6 address.
var ErrBadIPv6 = errors.New("addr: malformed IPv6 address")

// IPv6 is a 16-byte IPv6 address.
type IPv6 [16]byte

// IPv6Zero is the unspecified address, ::.
var IPv6Zero = IPv6{}

// ParseIPv6 parses the standard colon-hex form, delegating to net.ParseIP
// for the textual grammar (RFC 4291 has no simple Sscanf form).
func ParseIPv6(s string) (IPv6, error) {
	var a IPv6
	ip := net.ParseIP(s)
	if ip == nil {
		return a, ErrBadIPv6
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return a, ErrBadIPv6
	}
	copy(a[:], ip16)
	return a, nil
}

func (a IPv6) String() string {
	return net.IP(a[:]).String()
}

// IsLoopback reports whether a is ::1.
func (a IPv6) IsLoopback() bool {
	return a == IPv6{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
}

// IsLinkLocal reports whether a is in fe80::/10.
func (a IPv6) IsLinkLocal() bool {
	return a[0] == 0xfe && a[1]&0xc0 == 0x80
}

// IsMulticast reports whether a is in ff00::/8.
func (a IPv6) IsMulticast() bool {
	return a[0] == 0xff
}

// IsUnspecified reports whether a is ::.
func (a IPv6) IsUnspecified() bool { return a == IPv6Zero }

// SolicitedNodeMulticast returns the solicited-node multicast address
// ff02::1:ffXX:XXXX used by Neighbor Solicitation, derived from the low 24
// bits of a, per RFC 4291 2.7.1.
func (a IPv6) SolicitedNodeMulticast() IPv6 {
	var m IPv6
	m[0], m[1] = 0xff, 0x02
	m[11] = 0x01
	m[12] = 0xff
	m[13], m[14], m[15] = a[13], a[14], a[15]
	return m
}

// LinkLocalFromMAC builds an EUI-64 link-local address from a MAC address,
// per RFC 4291 Appendix A, used by SLAAC.
func LinkLocalFromMAC(m MAC) IPv6 {
	var a IPv6
	a[0], a[1] = 0xfe, 0x80
	a[8] = m[0] ^ 0x02
	a[9] = m[1]
	a[10] = m[2]
	a[11] = 0xff
	a[12] = 0xfe
	a[13] = m[3]
	a[14] = m[4]
	a[15] = m[5]
	return a
}
