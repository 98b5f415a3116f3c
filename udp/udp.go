// Package udp implements connectionless socket demultiplexing and the
// per-socket send queue/error callback (spec.md §4.6).
package udp

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/icmp4"
	"github.com/unikernel-go/netstack/ip4"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/portutil"
	"github.com/unikernel-go/netstack/timer"
)

// ErrDestinationUnreachable is passed to a registered OnError callback when
// ICMP reports the peer (or a router on the path) as unreachable.
var ErrDestinationUnreachable = errors.New("udp: destination unreachable")

// HeaderLen is the fixed 8-byte UDP header.
const HeaderLen = 8

// Header is the parsed UDP header.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Parse decodes a Header from the front of b.
func Parse(b []byte) (Header, bool) {
	var h Header
	if len(b) < HeaderLen {
		return h, false
	}
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Length = binary.BigEndian.Uint16(b[4:6])
	h.Checksum = binary.BigEndian.Uint16(b[6:8])
	return h, true
}

// Put serializes h into dst (checksum written separately, it depends on
// the pseudo-header).
func Put(dst []byte, h Header) {
	binary.BigEndian.PutUint16(dst[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(dst[2:4], h.DstPort)
	binary.BigEndian.PutUint16(dst[4:6], h.Length)
	binary.BigEndian.PutUint16(dst[6:8], h.Checksum)
}

// ErrorCallbackTTL is how long a per-destination error callback remains
// registered (spec.md §4.6: "5-minute expiry").
const ErrorCallbackTTL = 5 * time.Minute

// ReadCallback receives one datagram's payload and the sender's socket.
type ReadCallback func(data []byte, from addr.Socket4)

// ErrorCallback is invoked when ICMP reports dest unreachable for a
// previous send to that destination.
type ErrorCallback func(err error)

// IPTransmitter hands an IPv4 payload (here, a UDP datagram) to IP4,
// addressed to dst from src.
type IPTransmitter func(p *packet.Packet, src, dst addr.IPv4, protocol uint8) bool

// Socket is one bound UDP endpoint.
type Socket struct {
	local   addr.Socket4
	onRead  ReadCallback
	u       *UDP
	errCBs  map[addr.Socket4]errEntry
}

type errEntry struct {
	cb      ErrorCallback
	timerID timer.ID
}

// OnRead registers the datagram-received callback.
func (s *Socket) OnRead(fn ReadCallback) { s.onRead = fn }

// LocalSocket returns the bound (address, port).
func (s *Socket) LocalSocket() addr.Socket4 { return s.local }

// SendTo builds and transmits a UDP datagram (spec.md §4.6 transmit path).
func (s *Socket) SendTo(dst addr.Socket4, data []byte) bool {
	return s.u.sendFrom(s.local, dst, data)
}

// OnError registers a callback invoked if ICMP reports dst unreachable,
// expiring after ErrorCallbackTTL (spec.md §4.6).
func (s *Socket) OnError(dst addr.Socket4, cb ErrorCallback) {
	s.u.setErrorCallback(s.local, dst, cb)
}

// Close unbinds the socket.
func (s *Socket) Close() { s.u.unbind(s.local) }

// UDP is the per-Inet UDP layer: socket table, port allocator, and
// transmit path.
type UDP struct {
	localAddr addr.IPv4
	ports     *portutil.Ports
	tx        IPTransmitter
	icmp      *icmp4.ICMP4
	clock     clock.Source
	timers    timer.Timers

	sockets map[addr.Socket4]*Socket
	errCBs  map[flowKey]errEntry
}

type flowKey struct {
	local addr.Socket4
	dest  addr.Socket4
}

// SocketCount returns the number of bound sockets, for metrics reporting.
func (u *UDP) SocketCount() int { return len(u.sockets) }

// New constructs a UDP layer.
func New(localAddr addr.IPv4, ports *portutil.Ports, tx IPTransmitter, icmp *icmp4.ICMP4, clk clock.Source, timers timer.Timers) *UDP {
	return &UDP{
		localAddr: localAddr,
		ports:     ports,
		tx:        tx,
		icmp:      icmp,
		clock:     clk,
		timers:    timers,
		sockets:   make(map[addr.Socket4]*Socket),
		errCBs:    make(map[flowKey]errEntry),
	}
}

// Bind allocates port (0 for ephemeral) and returns the new Socket
// (spec.md §4.6, §6 "udp.bind(port) -> UdpSocket").
func (u *UDP) Bind(port uint16) (*Socket, error) {
	p, err := u.ports.Bind(u.localAddr, port)
	if err != nil {
		return nil, err
	}
	s := &Socket{local: addr.Socket4{Addr: u.localAddr, Port: p}, u: u}
	u.sockets[s.local] = s
	return s, nil
}

func (u *UDP) unbind(local addr.Socket4) {
	delete(u.sockets, local)
	u.ports.Release(local.Addr, local.Port)
}

func (u *UDP) setErrorCallback(local, dest addr.Socket4, cb ErrorCallback) {
	key := flowKey{local: local, dest: dest}
	if e, ok := u.errCBs[key]; ok {
		u.timers.Stop(e.timerID)
	}
	id := u.timers.Schedule(ErrorCallbackTTL, func() { delete(u.errCBs, key) })
	u.errCBs[key] = errEntry{cb: cb, timerID: id}
}

// DeliverError reports dest unreachable on the flow (local, dest), if a
// callback is registered (spec.md §7 "Remote unreachable").
func (u *UDP) DeliverError(local, dest addr.Socket4, err error) {
	key := flowKey{local: local, dest: dest}
	if e, ok := u.errCBs[key]; ok {
		u.timers.Stop(e.timerID)
		delete(u.errCBs, key)
		e.cb(err)
	}
}

func (u *UDP) sendFrom(local, dst addr.Socket4, data []byte) bool {
	buf := make([]byte, ip4.MinHeaderLen+HeaderLen+len(data))
	udpOff := ip4.MinHeaderLen
	Put(buf[udpOff:], Header{SrcPort: local.Port, DstPort: dst.Port, Length: uint16(HeaderLen + len(data))})
	copy(buf[udpOff+HeaderLen:], data)

	pseudo := ip4.PseudoSum4(local.Addr, dst.Addr, ip4.ProtoUDP, uint16(HeaderLen+len(data)))
	csum := ip4.ChecksumWithPseudo(pseudo, buf[udpOff:])
	if csum == 0 {
		csum = 0xffff
	}
	binary.BigEndian.PutUint16(buf[udpOff+6:udpOff+8], csum)

	pkt := packet.New(buf, ip4.MinHeaderLen, nil)
	pkt.SetLen(HeaderLen + len(data))
	return u.tx(pkt, local.Addr, dst.Addr, ip4.ProtoUDP)
}

// Receive implements the UDP input path (spec.md §4.6): demux by
// destination socket, or an ICMP port-unreachable if none is bound.
func (u *UDP) Receive(p *packet.Packet, iph ip4.Header, dstIsBroadcastOrMulticast bool) {
	data := p.Data()
	h, ok := Parse(data)
	if !ok {
		p.Release()
		return
	}
	local := addr.Socket4{Addr: iph.Dst, Port: h.DstPort}
	s, ok := u.sockets[local]
	if !ok {
		if !dstIsBroadcastOrMulticast && u.icmp != nil {
			u.icmp.DestinationUnreachable(rebuildOrigHeader(iph, data), iph, icmp4.CodePortUnreach, dstIsBroadcastOrMulticast)
		}
		p.Release()
		return
	}
	from := addr.Socket4{Addr: iph.Src, Port: h.SrcPort}
	if s.onRead != nil {
		s.onRead(append([]byte(nil), data[HeaderLen:h.Length]...), from)
	}
	p.Release()
}

// rebuildOrigHeader reconstructs a minimal 20-byte IP header + 8 payload
// bytes for ICMP error generation, since the caller already consumed the
// IP header off the packet cursor.
func rebuildOrigHeader(h ip4.Header, udpPayload []byte) []byte {
	buf := make([]byte, ip4.MinHeaderLen+8)
	h.TotalLength = uint16(ip4.MinHeaderLen + len(udpPayload))
	ip4.Put(buf, h)
	n := copy(buf[ip4.MinHeaderLen:], udpPayload)
	_ = n
	return buf
}
