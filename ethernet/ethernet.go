// Package ethernet implements link framing and EtherType demultiplexing
// (spec.md §4.2, §6 "Ethernet frame layout").
package ethernet

import (
	"encoding/binary"

	"github.com/unikernel-go/netstack/addr"
)

// HeaderLen is the fixed Ethernet II header size (dst, src, ethertype);
// the trailing FCS, if present on the wire, is not modeled here.
const HeaderLen = 14

// EtherType values recognized on receive (spec.md §6).
const (
	TypeIPv4 uint16 = 0x0800
	TypeIPv6 uint16 = 0x86DD
	TypeARP  uint16 = 0x0806
)

// Header is the parsed view of an Ethernet II header.
type Header struct {
	Dst  addr.MAC
	Src  addr.MAC
	Type uint16
}

// Parse reads a Header from the front of frame. It returns ok=false if
// frame is shorter than HeaderLen (spec.md §4.2: "validate length >= 14").
func Parse(frame []byte) (Header, bool) {
	var h Header
	if len(frame) < HeaderLen {
		return h, false
	}
	copy(h.Dst[:], frame[0:6])
	copy(h.Src[:], frame[6:12])
	h.Type = binary.BigEndian.Uint16(frame[12:14])
	return h, true
}

// Put writes a Header into the first HeaderLen bytes of dst, which must be
// at least that long.
func Put(dst []byte, dstMAC, srcMAC addr.MAC, etherType uint16) {
	copy(dst[0:6], dstMAC[:])
	copy(dst[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(dst[12:14], etherType)
}

// Counters tracks per-driver drop accounting (spec.md §7: "a per-layer
// counter is incremented").
type Counters struct {
	Dropped uint64
}

// Demux is the set of per-EtherType receive handlers an Ethernet layer
// dispatches to.
type Demux struct {
	MAC        addr.MAC
	HandleIPv4 func(frame []byte)
	HandleIPv6 func(frame []byte)
	HandleARP  func(frame []byte)
	Counters   Counters
}

// Receive validates and dispatches one frame by EtherType. The payload
// passed to handlers is frame[HeaderLen:]; any other EtherType increments
// Counters.Dropped and is otherwise ignored.
func (d *Demux) Receive(frame []byte) {
	h, ok := Parse(frame)
	if !ok {
		d.Counters.Dropped++
		return
	}
	payload := frame[HeaderLen:]
	switch h.Type {
	case TypeIPv4:
		if d.HandleIPv4 != nil {
			d.HandleIPv4(payload)
		}
	case TypeIPv6:
		if d.HandleIPv6 != nil {
			d.HandleIPv6(payload)
		}
	case TypeARP:
		if d.HandleARP != nil {
			d.HandleARP(payload)
		}
	default:
		d.Counters.Dropped++
	}
}
