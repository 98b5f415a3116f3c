package ip6

import (
	"encoding/binary"

	"github.com/unikernel-go/netstack/addr"
)

// MinHeaderLen is the fixed 40-byte IPv6 header (RFC 8200 3.); extension
// headers, if present, follow it as a linked chain.
const MinHeaderLen = 40

// Next-header values dispatched by IP6 (RFC 8200 3., plus the extension
// headers this package itself parses out of the chain).
const (
	NextHopByHop uint8 = 0
	ProtoTCP     uint8 = 6
	ProtoUDP     uint8 = 17
	NextRouting  uint8 = 43
	NextFragment uint8 = 44
	ProtoICMPv6  uint8 = 58
	NextNone     uint8 = 59
	NextDestOpts uint8 = 60
)

// DefaultHopLimit is used when a transmitted packet doesn't set one
// explicitly, mirroring ip4.DefaultTTL.
const DefaultHopLimit = 64

// Header is the parsed view of the fixed IPv6 header. NextHeader, after
// Parse, names the first upper-layer protocol reached after walking any
// hop-by-hop/routing/destination-options extension headers; ExtHeaderLen
// is the total octets those extension headers occupied.
type Header struct {
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          addr.IPv6
	Dst          addr.IPv6

	ExtHeaderLen int
}

// HeaderLen returns the fixed header plus any extension headers consumed
// by Parse.
func (h Header) HeaderLen() int { return MinHeaderLen + h.ExtHeaderLen }

// Parse decodes the fixed header and walks RFC 8200 3.1's extension-header
// chain (hop-by-hop options, routing, destination options) until it reaches
// an upper-layer protocol or NextNone. Fragment headers are recognized but
// not reassembled (spec.md: "IP fragmentation reassembly is optional-
// receive-only"); a packet carrying one is reported with NextHeader =
// NextFragment rather than being dropped, leaving the reassembly decision
// to the caller.
func Parse(b []byte) (Header, bool) {
	var h Header
	if len(b) < MinHeaderLen {
		return h, false
	}
	verTCFL := binary.BigEndian.Uint32(b[0:4])
	if verTCFL>>28 != 6 {
		return h, false
	}
	h.TrafficClass = uint8(verTCFL >> 20)
	h.FlowLabel = verTCFL & 0xfffff
	h.PayloadLen = binary.BigEndian.Uint16(b[4:6])
	next := b[6]
	h.HopLimit = b[7]
	copy(h.Src[:], b[8:24])
	copy(h.Dst[:], b[24:40])

	off := MinHeaderLen
	for {
		switch next {
		case NextHopByHop, NextDestOpts, NextRouting:
			if off+2 > len(b) {
				return h, false
			}
			extLen := int(b[off+1])*8 + 8
			if off+extLen > len(b) {
				return h, false
			}
			next = b[off]
			off += extLen
			continue
		case NextFragment:
			h.NextHeader = NextFragment
			h.ExtHeaderLen = off - MinHeaderLen
			return h, true
		default:
			h.NextHeader = next
			h.ExtHeaderLen = off - MinHeaderLen
			return h, true
		}
	}
}

// Put serializes the fixed header into dst (no extension headers on
// transmit); dst must be at least MinHeaderLen bytes.
func Put(dst []byte, h Header) {
	verTCFL := uint32(6)<<28 | uint32(h.TrafficClass)<<20 | (h.FlowLabel & 0xfffff)
	binary.BigEndian.PutUint32(dst[0:4], verTCFL)
	binary.BigEndian.PutUint16(dst[4:6], h.PayloadLen)
	dst[6] = h.NextHeader
	dst[7] = h.HopLimit
	copy(dst[8:24], h.Src[:])
	copy(dst[24:40], h.Dst[:])
}
