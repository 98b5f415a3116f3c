// Package icmp6 implements ICMPv6 echo/error generation (RFC 4443), the
// NDP neighbor cache and Router/Neighbor Solicitation/Advertisement
// exchange scoped to SLAAC address configuration, and MLD host-side
// multicast-listener tracking (spec.md §4.5).
package icmp6

import (
	"encoding/binary"
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/ip6"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/timer"
)

// Message types (RFC 4443, RFC 4861).
const (
	TypeDestUnreach          uint8 = 1
	TypePacketTooBig         uint8 = 2
	TypeTimeExceeded         uint8 = 3
	TypeParamProblem         uint8 = 4
	TypeEchoRequest          uint8 = 128
	TypeEchoReply            uint8 = 129
	TypeMLDQuery             uint8 = 130
	TypeMLDReport            uint8 = 131
	TypeMLDDone              uint8 = 132
	TypeRouterSolicit        uint8 = 133
	TypeRouterAdvert         uint8 = 134
	TypeNeighborSolicit      uint8 = 135
	TypeNeighborAdvert       uint8 = 136
	TypeRedirect             uint8 = 137
	TypeMLDv2Report          uint8 = 143
)

// Destination-unreachable codes (the subset spec.md names, mirroring
// icmp4's).
const (
	CodeNoRoute        uint8 = 0
	CodeAdminProhib    uint8 = 1
	CodeAddrUnreach    uint8 = 3
	CodePortUnreach    uint8 = 4
)

// HeaderLen is the fixed 8-byte ICMPv6 message header shared by every type
// (type, code, checksum, and 4 bytes whose meaning varies by type).
const HeaderLen = 8

// PingTimeout mirrors icmp4's outgoing-echo deadline.
const PingTimeout = 40 * time.Second

// PingReply is delivered to a Ping callback.
type PingReply struct {
	OK      bool
	Payload []byte
}

type PingCallback func(PingReply)

// Transmitter hands a fully-built IPv6 payload (an ICMPv6 message) down to
// IP6, addressed to dst.
type Transmitter func(p *packet.Packet, dst addr.IPv6)

// ICMP6 implements echo/error generation, outgoing ping tracking, and owns
// the NDP and MLD sub-handlers it dispatches incoming messages to.
type ICMP6 struct {
	tx        Transmitter
	localAddr func() addr.IPv6
	clock     clock.Source
	timers    timer.Timers
	nextID    uint16
	pending   map[uint32]pendingPing

	NDP *NDP
	MLD *MLD
}

type pendingPing struct {
	cb      PingCallback
	timerID timer.ID
}

// New constructs an ICMP6 handler. localAddr must agree with the address
// ip6.Config.LocalAddr will assign on transmit — ICMP6 finalizes the
// pseudo-header checksum itself rather than leaving a zero checksum for
// IP6 to patch, since IP6 has no notion of an ICMPv6 checksum. localMAC/
// localLL/linkOut/onPrefix wire the NDP sub-handler; see NewNDP.
func New(tx Transmitter, localAddr func() addr.IPv6, clk clock.Source, timers timer.Timers, localMAC addr.MAC, localLL func() addr.IPv6, linkOut func(frame []byte, dst addr.MAC), onPrefix PrefixCallback) *ICMP6 {
	c := &ICMP6{tx: tx, localAddr: localAddr, clock: clk, timers: timers, pending: make(map[uint32]pendingPing)}
	c.NDP = NewNDP(localMAC, localLL, linkOut, clk, timers, onPrefix)
	c.MLD = NewMLD(c.send, clk, timers)
	return c
}

func pingKey(id, seq uint16) uint32 { return uint32(id)<<16 | uint32(seq) }

// Receive handles one incoming ICMPv6 message whose IP6 header was h.
func (c *ICMP6) Receive(p *packet.Packet, h ip6.Header, linkBcast, multicast bool) {
	data := p.Data()
	if len(data) < HeaderLen {
		p.Release()
		return
	}
	typ := data[0]

	switch typ {
	case TypeEchoRequest:
		if linkBcast {
			p.Release()
			return
		}
		c.replyEcho(data, h.Src)
		p.Release()
	case TypeEchoReply:
		c.handleEchoReply(data)
		p.Release()
	case TypeRouterSolicit, TypeRouterAdvert, TypeNeighborSolicit, TypeNeighborAdvert, TypeRedirect:
		c.NDP.receive(data, h)
		p.Release()
	case TypeMLDQuery, TypeMLDReport, TypeMLDDone, TypeMLDv2Report:
		c.MLD.receive(typ, data, h)
		p.Release()
	case TypeDestUnreach, TypePacketTooBig, TypeTimeExceeded, TypeParamProblem:
		p.Release()
	default:
		p.Release()
	}
}

func (c *ICMP6) replyEcho(req []byte, to addr.IPv6) {
	reply := make([]byte, len(req))
	copy(reply, req)
	reply[0] = TypeEchoReply
	reply[1] = 0
	c.send(reply, to)
}

func (c *ICMP6) handleEchoReply(data []byte) {
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

// Ping issues an ICMPv6 Echo Request to dst and invokes cb with the reply
// (or a timeout sentinel after PingTimeout).
func (c *ICMP6) Ping(dst addr.IPv6, payload []byte, cb PingCallback) {
	c.nextID++
	id := c.nextID
	const seq = 1
	key := pingKey(id, seq)

	msg := make([]byte, HeaderLen+len(payload))
	msg[0] = TypeEchoRequest
	binary.BigEndian.PutUint16(msg[4:6], id)
	binary.BigEndian.PutUint16(msg[6:8], seq)
	copy(msg[HeaderLen:], payload)

	timerID := c.timers.Schedule(PingTimeout, func() { c.timeoutPing(key) })
	c.pending[key] = pendingPing{cb: cb, timerID: timerID}
	c.send(msg, dst)
}

func (c *ICMP6) timeoutPing(key uint32) {
	pp, ok := c.pending[key]
	if !ok {
		return
	}
	delete(c.pending, key)
	pp.cb(PingReply{OK: false})
}

// send finalizes an ICMPv6 message's checksum against the IPv6 pseudo-
// header and hands it to tx.
func (c *ICMP6) send(msg []byte, dst addr.IPv6) {
	binary.BigEndian.PutUint16(msg[2:4], 0)
	sum := ip6.PseudoSum6(c.localAddr(), dst, ip6.ProtoICMPv6, uint32(len(msg)))
	binary.BigEndian.PutUint16(msg[2:4], ip6.ChecksumWithPseudo(sum, msg))

	buf := make([]byte, ip6.MinHeaderLen+len(msg))
	copy(buf[ip6.MinHeaderLen:], msg)
	pkt := packet.New(buf, ip6.MinHeaderLen, nil)
	pkt.SetLen(len(msg))
	c.tx(pkt, dst)
}

func buildError(typ, code uint8, word4 uint32, origHeader []byte) []byte {
	n := len(origHeader)
	const budget = ip6.MinHeaderLen + 8
	if n > budget {
		n = budget
	}
	msg := make([]byte, HeaderLen+n)
	msg[0] = typ
	msg[1] = code
	binary.BigEndian.PutUint32(msg[4:8], word4)
	copy(msg[HeaderLen:], origHeader[:n])
	return msg
}

// DestinationUnreachable sends an ICMPv6 Destination Unreachable for the
// datagram whose IPv6 header was origHeader.
func (c *ICMP6) DestinationUnreachable(origHeader []byte, h ip6.Header, code uint8) {
	if h.Dst.IsMulticast() {
		return
	}
	c.send(buildError(TypeDestUnreach, code, 0, origHeader), h.Src)
}

// TimeExceeded sends an ICMPv6 Time Exceeded (hop limit reached zero in
// transit, code 0).
func (c *ICMP6) TimeExceeded(origHeader []byte, h ip6.Header, code uint8) {
	if h.Dst.IsMulticast() {
		return
	}
	c.send(buildError(TypeTimeExceeded, code, 0, origHeader), h.Src)
}

// PacketTooBig reports the next-hop MTU for Path-MTU discovery.
func (c *ICMP6) PacketTooBig(origHeader []byte, h ip6.Header, mtu uint32) {
	if h.Dst.IsMulticast() {
		return
	}
	c.send(buildError(TypePacketTooBig, 0, mtu, origHeader), h.Src)
}
