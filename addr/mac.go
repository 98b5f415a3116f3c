// Package addr provides the link- and network-layer address value types
// shared by every layer of the stack: MAC, IPv4, IPv6, and the (address,
// port) Socket pair used by UDP and TCP.
package addr

import (
	"errors"
	"fmt"
)

// ErrBadMAC is returned when a string does not parse as a MAC address.
var ErrBadMAC = errors.New("addr: malformed MAC address")

// MAC is a 6-byte Ethernet hardware address.
type MAC [6]byte

// Broadcast is the all-ones link-layer broadcast address.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Zero is the unset MAC address.
var Zero = MAC{}

// IsZero reports whether m is the all-zero address.
func (m MAC) IsZero() bool { return m == Zero }

// IsBroadcast reports whether m is the link-layer broadcast address.
func (m MAC) IsBroadcast() bool { return m == Broadcast }

// IsMulticast reports whether the I/G bit is set.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMAC parses the canonical colon-separated hex form.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	var b [6]int
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[0], &b[1], &b[2], &b[3], &b[4], &b[5])
	if err != nil || n != 6 {
		return m, ErrBadMAC
	}
	for i, v := range b {
		m[i] = byte(v)
	}
	return m, nil
}
