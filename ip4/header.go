package ip4

import (
	"encoding/binary"

	"github.com/unikernel-go/netstack/addr"
)

// MinHeaderLen is the fixed 20-byte IPv4 header (options, if present on
// input only per spec.md §6, follow it and are skipped rather than
// parsed).
const MinHeaderLen = 20

// Protocol numbers dispatched by IP4 (spec.md §4.4).
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Flags bits of the 3-bit flags field.
const (
	FlagDF uint16 = 0x4000 // Don't Fragment
	FlagMF uint16 = 0x2000 // More Fragments
)

// DefaultTTL is used when a transmitted packet doesn't set one explicitly
// (spec.md §4.4).
const DefaultTTL = 64

// Header is the parsed view of an IPv4 header (options excluded).
type Header struct {
	IHL            uint8 // header length in 32-bit words, >=5
	TOS            uint8
	TotalLength    uint16
	ID             uint16
	FlagsFragOff   uint16 // flags (3 bits) | fragment offset (13 bits)
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	Src            addr.IPv4
	Dst            addr.IPv4
}

// HeaderLen returns IHL*4, the actual header length including options.
func (h Header) HeaderLen() int { return int(h.IHL) * 4 }

// DF reports whether the Don't Fragment bit is set.
func (h Header) DF() bool { return h.FlagsFragOff&FlagDF != 0 }

// MF reports whether the More Fragments bit is set.
func (h Header) MF() bool { return h.FlagsFragOff&FlagMF != 0 }

// FragmentOffset returns the 13-bit offset in 8-byte units.
func (h Header) FragmentOffset() uint16 { return h.FlagsFragOff & 0x1fff }

// IsInitialFragment reports whether this is the first fragment of a
// fragmented datagram (offset 0), used to decide whether ICMP errors may be
// generated for it (spec.md §4.5: never for non-initial fragments).
func (h Header) IsInitialFragment() bool { return h.FragmentOffset() == 0 }

// Parse decodes the fixed 20-byte header from the front of b and verifies
// version=4, a plausible header length, and a checksum that sums to zero.
// It does not validate TotalLength against len(b); callers do that against
// their buffer capacity per spec.md §4.4.
func Parse(b []byte) (Header, bool) {
	var h Header
	if len(b) < MinHeaderLen {
		return h, false
	}
	verIHL := b[0]
	if verIHL>>4 != 4 {
		return h, false
	}
	h.IHL = verIHL & 0x0f
	if h.IHL < 5 || int(h.IHL)*4 > len(b) {
		return h, false
	}
	h.TOS = b[1]
	h.TotalLength = binary.BigEndian.Uint16(b[2:4])
	h.ID = binary.BigEndian.Uint16(b[4:6])
	h.FlagsFragOff = binary.BigEndian.Uint16(b[6:8])
	h.TTL = b[8]
	h.Protocol = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])
	if Checksum(b[:h.HeaderLen()]) != 0 {
		return h, false
	}
	return h, true
}

// Put serializes h (IHL forced to 5, i.e. no options on transmit) into dst
// and computes its checksum. dst must be at least MinHeaderLen bytes.
func Put(dst []byte, h Header) {
	dst[0] = 0x40 | 5
	dst[1] = h.TOS
	binary.BigEndian.PutUint16(dst[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(dst[4:6], h.ID)
	binary.BigEndian.PutUint16(dst[6:8], h.FlagsFragOff)
	dst[8] = h.TTL
	dst[9] = h.Protocol
	binary.BigEndian.PutUint16(dst[10:12], 0)
	copy(dst[12:16], h.Src[:])
	copy(dst[16:20], h.Dst[:])
	binary.BigEndian.PutUint16(dst[10:12], Checksum(dst[:MinHeaderLen]))
}
