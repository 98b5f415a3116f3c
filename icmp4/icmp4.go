// Package icmp4 implements ICMPv4 echo and error-message generation
// (spec.md §4.5, RFC 792).
package icmp4

import (
	"encoding/binary"
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/ip4"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/timer"
)

// Message types (RFC 792).
const (
	TypeEchoReply      uint8 = 0
	TypeDestUnreach    uint8 = 3
	TypeEchoRequest    uint8 = 8
	TypeTimeExceeded   uint8 = 11
	TypeParamProblem   uint8 = 12
)

// Destination-unreachable codes (the subset spec.md names).
const (
	CodeNetUnreachable  uint8 = 0
	CodeHostUnreachable uint8 = 1
	CodeProtoUnreach    uint8 = 2
	CodePortUnreach     uint8 = 3
	CodeFragNeeded      uint8 = 4 // "Too Big"
)

// HeaderLen is the fixed 8-byte ICMP header (type, code, checksum, and 4
// bytes whose meaning varies by type).
const HeaderLen = 8

// PingTimeout is how long an outgoing ping waits for a reply before the
// caller is invoked with a "no reply" sentinel (spec.md §4.5).
const PingTimeout = 40 * time.Second

// PingReply is delivered to a Ping callback.
type PingReply struct {
	OK      bool
	Payload []byte
}

// PingCallback receives the result of an outgoing echo request.
type PingCallback func(PingReply)

// Transmitter hands a fully-built IPv4 payload (ICMP message) down to IP,
// addressed to dst.
type Transmitter func(p *packet.Packet, dst addr.IPv4)

// ICMP4 implements echo/error generation and outgoing ping tracking.
type ICMP4 struct {
	tx            Transmitter
	clock         clock.Source
	timers        timer.Timers
	nextID        uint16
	pending       map[uint32]pendingPing // key: id<<16 | seq
	onUnreachable func(Unreachable)
}

// Unreachable is the (destination, protocol, ports, code, MTU hint)
// recovered from the original datagram embedded in a Destination
// Unreachable message, handed to whoever sent that datagram so it can act
// on it — PMTU bookkeeping for code 4, per-socket error delivery otherwise
// (spec.md §7 "Remote unreachable").
type Unreachable struct {
	OrigSrc  addr.IPv4
	OrigDst  addr.IPv4
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
	Code     uint8
	MTUHint  uint16
	TotalLen int
}

// OnUnreachable registers the callback invoked once per Destination
// Unreachable message whose embedded original header was decoded
// successfully.
func (c *ICMP4) OnUnreachable(f func(Unreachable)) { c.onUnreachable = f }

type pendingPing struct {
	cb      PingCallback
	timerID timer.ID
}

// New constructs an ICMP4 handler.
func New(tx Transmitter, clk clock.Source, timers timer.Timers) *ICMP4 {
	return &ICMP4{tx: tx, clock: clk, timers: timers, pending: make(map[uint32]pendingPing)}
}

func pingKey(id, seq uint16) uint32 { return uint32(id)<<16 | uint32(seq) }

// Receive handles one incoming ICMPv4 message whose IP header was h and
// whose payload (ICMP message) is p.Data().
func (c *ICMP4) Receive(p *packet.Packet, h ip4.Header, linkBcast, multicast bool) {
	data := p.Data()
	if len(data) < HeaderLen {
		p.Release()
		return
	}
	typ, code := data[0], data[1]

	switch typ {
	case TypeEchoRequest:
		if linkBcast || multicast {
			p.Release()
			return
		}
		c.replyEcho(data, h.Src)
		p.Release()
	case TypeEchoReply:
		c.handleEchoReply(data)
		p.Release()
	case TypeDestUnreach:
		c.handleDestUnreach(data, code)
		p.Release()
	case TypeTimeExceeded, TypeParamProblem:
		p.Release()
	default:
		p.Release()
	}
}

func (c *ICMP4) replyEcho(req []byte, to addr.IPv4) {
	reply := make([]byte, len(req))
	copy(reply, req)
	reply[0] = TypeEchoReply
	reply[1] = 0
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], ip4.Checksum(reply))

	buf := make([]byte, ip4.MinHeaderLen+len(reply))
	copy(buf[ip4.MinHeaderLen:], reply)
	pkt := packet.New(buf, ip4.MinHeaderLen, nil)
	pkt.SetLen(len(reply))
	c.tx(pkt, to)
}

// handleDestUnreach decodes the original IPv4 header (plus the first 4
// payload bytes, the source/destination ports shared by TCP and UDP)
// embedded after the 8-byte ICMP header, and hands the result to
// onUnreachable. The MTU hint (code 4, Fragmentation Needed) lives in the
// low 16 bits of the ICMP header's word4, mirroring how TooBig builds it.
func (c *ICMP4) handleDestUnreach(data []byte, code uint8) {
	if c.onUnreachable == nil {
		return
	}
	if len(data) < HeaderLen+ip4.MinHeaderLen+4 {
		return
	}
	word4 := binary.BigEndian.Uint32(data[4:8])
	orig := data[HeaderLen:]
	oh, ok := ip4.Parse(orig)
	if !ok {
		return
	}
	l4 := orig[oh.HeaderLen():]
	if len(l4) < 4 {
		return
	}
	var mtuHint uint16
	if code == CodeFragNeeded {
		mtuHint = uint16(word4)
	}
	c.onUnreachable(Unreachable{
		OrigSrc:  oh.Src,
		OrigDst:  oh.Dst,
		Protocol: oh.Protocol,
		SrcPort:  binary.BigEndian.Uint16(l4[0:2]),
		DstPort:  binary.BigEndian.Uint16(l4[2:4]),
		Code:     code,
		MTUHint:  mtuHint,
		TotalLen: int(oh.TotalLength),
	})
}

func (c *ICMP4) handleEchoReply(data []byte) {
	if len(data) < HeaderLen {
		return
	}
	id := binary.BigEndian.Uint16(data[4:6])
	seq := binary.BigEndian.Uint16(data[6:8])
	key := pingKey(id, seq)
	pp, ok := c.pending[key]
	if !ok {
		return
	}
	c.timers.Stop(pp.timerID)
	delete(c.pending, key)
	payload := append([]byte(nil), data[HeaderLen:]...)
	pp.cb(PingReply{OK: true, Payload: payload})
}

// Ping issues an ICMP Echo Request to dst and invokes cb with the reply
// (or a timeout sentinel after PingTimeout) — spec.md §4.5.
func (c *ICMP4) Ping(dst addr.IPv4, payload []byte, cb PingCallback) {
	c.nextID++
	id := c.nextID
	const seq = 1
	key := pingKey(id, seq)

	msg := make([]byte, HeaderLen+len(payload))
	msg[0] = TypeEchoRequest
	msg[1] = 0
	binary.BigEndian.PutUint16(msg[4:6], id)
	binary.BigEndian.PutUint16(msg[6:8], seq)
	copy(msg[HeaderLen:], payload)
	binary.BigEndian.PutUint16(msg[2:4], ip4.Checksum(msg))

	buf := make([]byte, ip4.MinHeaderLen+len(msg))
	copy(buf[ip4.MinHeaderLen:], msg)
	pkt := packet.New(buf, ip4.MinHeaderLen, nil)
	pkt.SetLen(len(msg))

	timerID := c.timers.Schedule(PingTimeout, func() { c.timeoutPing(key) })
	c.pending[key] = pendingPing{cb: cb, timerID: timerID}
	c.tx(pkt, dst)
}

func (c *ICMP4) timeoutPing(key uint32) {
	pp, ok := c.pending[key]
	if !ok {
		return
	}
	delete(c.pending, key)
	pp.cb(PingReply{OK: false})
}

// buildError constructs an ICMP error message whose payload is the
// original IP header plus 8 data bytes (spec.md §4.5).
func buildError(typ, code uint8, word4 uint32, origHeader []byte) []byte {
	n := len(origHeader)
	if n > MinHeaderLen+8 {
		n = MinHeaderLen + 8
	}
	msg := make([]byte, HeaderLen+n)
	msg[0] = typ
	msg[1] = code
	binary.BigEndian.PutUint32(msg[4:8], word4)
	copy(msg[HeaderLen:], origHeader[:n])
	binary.BigEndian.PutUint16(msg[2:4], ip4.Checksum(msg))
	return msg
}

// MinHeaderLen is buildError's byte budget for the embedded IP header;
// equals ip4.MinHeaderLen.
const MinHeaderLen = 20

func (c *ICMP4) send(msg []byte, dst addr.IPv4) {
	buf := make([]byte, ip4.MinHeaderLen+len(msg))
	copy(buf[ip4.MinHeaderLen:], msg)
	pkt := packet.New(buf, ip4.MinHeaderLen, nil)
	pkt.SetLen(len(msg))
	c.tx(pkt, dst)
}

// shouldSuppress reports whether an ICMP error must NOT be generated in
// response to the triggering datagram (spec.md §4.5): ICMP errors, non-
// initial fragments, or multicast/broadcast destinations.
func shouldSuppress(origProtocol uint8, origIsInitialFragment bool, dstIsMulticastOrBroadcast bool) bool {
	if origProtocol == ip4.ProtoICMP {
		return true
	}
	if !origIsInitialFragment {
		return true
	}
	if dstIsMulticastOrBroadcast {
		return true
	}
	return false
}

// DestinationUnreachable sends an ICMP Destination Unreachable for the
// packet whose IP header was origHeader, originated by h.Src.
func (c *ICMP4) DestinationUnreachable(origHeader []byte, h ip4.Header, code uint8, dstBroadcastOrMulticast bool) {
	if shouldSuppress(h.Protocol, h.IsInitialFragment(), dstBroadcastOrMulticast) {
		return
	}
	c.send(buildError(TypeDestUnreach, code, 0, origHeader), h.Src)
}

// TimeExceeded sends an ICMP Time Exceeded (TTL expired in transit, code 0).
func (c *ICMP4) TimeExceeded(origHeader []byte, h ip4.Header, code uint8, dstBroadcastOrMulticast bool) {
	if shouldSuppress(h.Protocol, h.IsInitialFragment(), dstBroadcastOrMulticast) {
		return
	}
	c.send(buildError(TypeTimeExceeded, code, 0, origHeader), h.Src)
}

// ParameterProblem sends an ICMP Parameter Problem pointing at the byte
// offset given in errorPointer.
func (c *ICMP4) ParameterProblem(origHeader []byte, h ip4.Header, errorPointer uint8, dstBroadcastOrMulticast bool) {
	if shouldSuppress(h.Protocol, h.IsInitialFragment(), dstBroadcastOrMulticast) {
		return
	}
	word4 := uint32(errorPointer) << 24
	c.send(buildError(TypeParamProblem, 0, word4, origHeader), h.Src)
}

// TooBig sends an ICMP Destination Unreachable / Fragmentation Needed
// carrying the next-hop MTU, used to drive Path-MTU discovery on the
// sender (spec.md §4.4/§4.5).
func (c *ICMP4) TooBig(origHeader []byte, h ip4.Header, mtu uint16, dstBroadcastOrMulticast bool) {
	if shouldSuppress(h.Protocol, h.IsInitialFragment(), dstBroadcastOrMulticast) {
		return
	}
	word4 := uint32(mtu)
	c.send(buildError(TypeDestUnreach, CodeFragNeeded, word4, origHeader), h.Src)
}
