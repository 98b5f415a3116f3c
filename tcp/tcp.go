// Package tcp implements the TCP connection engine: the eleven RFC 793
// states, the per-connection TCB, New Reno congestion control, SACK,
// retransmission, delayed-ACK, and the Listener/accept path (spec.md
// §4.7 — the central subsystem, roughly 35% of the core).
package tcp

import (
	"math/rand"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/ip4"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/portutil"
	"github.com/unikernel-go/netstack/timer"
)

// DefaultRecvBuffer is the receive-window capacity a newly bound socket
// gets unless overridden (spec.md §3 "Read_request capacity").
const DefaultRecvBuffer = 64 * 1024

// DefaultBacklog is a Listener's bound on half-open (SYN-RECEIVED)
// connections when the caller does not specify one. The queue of
// established connections awaiting Accept is not bounded.
const DefaultBacklog = 16

// TCP is the per-Inet TCP layer: the connection table keyed by the
// 4-tuple, the listener table keyed by local socket, port allocation, and
// the IPv4 dispatch entry point (spec.md §6 "tcp.bind(port) ->
// TcpListener, tcp.connect(dst) -> Connection").
type TCP struct {
	localAddr addr.IPv4
	ports     *portutil.Ports
	tx        IPTransmitter
	clock     clock.Source
	timers    timer.Timers

	conns     map[addr.Quadruple]*Connection
	listeners map[addr.Socket4]*Listener

	rng           *rand.Rand
	connObserver  func(*Connection)
	closeObserver func(*Connection)
}

// New constructs a TCP layer. seed seeds ISS generation (spec.md §4.7.1:
// ISS must not be predictable across restarts in a real deployment; tests
// pass a fixed seed for determinism).
func New(localAddr addr.IPv4, ports *portutil.Ports, tx IPTransmitter, clk clock.Source, timers timer.Timers, seed int64) *TCP {
	return &TCP{
		localAddr: localAddr,
		ports:     ports,
		tx:        tx,
		clock:     clk,
		timers:    timers,
		conns:     make(map[addr.Quadruple]*Connection),
		listeners: make(map[addr.Socket4]*Listener),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (t *TCP) nextISS() uint32 { return t.rng.Uint32() }

// ConnectionCount returns the number of tracked connections, open or
// closing, for metrics reporting.
func (t *TCP) ConnectionCount() int { return len(t.conns) }

// OnConnection registers f to be called for every connection this TCP
// starts tracking: immediately on Connect's active open, or once a
// Listener's queued connection completes its handshake. Used by tcpevent
// to report lifecycle notifications without this layer needing to know
// anything about that package.
func (t *TCP) OnConnection(f func(*Connection)) { t.connObserver = f }

func (t *TCP) notifyConnection(c *Connection) {
	if t.connObserver != nil {
		t.connObserver(c)
	}
}

// OnConnectionClosed registers f to be called once a connection this TCP
// was tracking finishes closing, after internal bookkeeping (port release,
// demux table removal) has already run.
func (t *TCP) OnConnectionClosed(f func(*Connection)) { t.closeObserver = f }

func (t *TCP) notifyClose(c *Connection) {
	if t.closeObserver != nil {
		t.closeObserver(c)
	}
}

// Listen binds port (0 for ephemeral) and returns a Listener accepting
// new passive-open connections (spec.md §4.7.7).
func (t *TCP) Listen(port uint16, backlog int) (*Listener, error) {
	p, err := t.ports.Bind(t.localAddr, port)
	if err != nil {
		return nil, err
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	local := addr.Socket4{Addr: t.localAddr, Port: p}
	l := NewListener(local, backlog, DefaultRecvBuffer, t.tx, t.timers, t.clock, t.nextISS)
	l.OnConnection(func(c *Connection) {
		t.conns[c.Quad()] = c
		c.OnClose(func() {
			delete(t.conns, c.Quad())
			t.notifyClose(c)
		})
		t.notifyConnection(c)
	})
	t.listeners[local] = l
	return l, nil
}

// Connect allocates an ephemeral local port, creates a Connection in
// SYN-SENT, and registers it for demultiplexing (spec.md §4.7.1 "active
// open").
func (t *TCP) Connect(dst addr.Socket4) (*Connection, error) {
	p, err := t.ports.Bind(t.localAddr, 0)
	if err != nil {
		return nil, err
	}
	local := addr.Socket4{Addr: t.localAddr, Port: p}
	quad := addr.Quadruple{Src: local, Dst: dst}
	c := newConnection(quad, t.nextISS(), DefaultRecvBuffer, t.tx, t.timers, t.clock)
	c.OnClose(func() {
		t.forget(quad, local)
		t.notifyClose(c)
	})
	t.conns[quad] = c
	t.notifyConnection(c)
	c.Open()
	return c, nil
}

// ClampSMSS reduces SndMSS for every connection whose remote socket is
// dest, to whatever fits within mtu once the IPv4 and TCP headers are
// subtracted — a Path-MTU decrease reported through
// ip4.IP4.HandleICMPTooBig (spec.md §4.7.3: "SMSS ... later reduced by
// Path-MTU"). Never raises SndMSS; RestoreSMSS undoes the clamp.
func (t *TCP) ClampSMSS(dest addr.Socket4, mtu int) {
	room := mtu - ip4.MinHeaderLen - MinHeaderLen
	if room < 1 {
		room = 1
	}
	for quad, c := range t.conns {
		if quad.Dst != dest {
			continue
		}
		if uint16(room) < c.tcb.SndMSS {
			c.tcb.SndMSS = uint16(room)
		}
	}
}

// RestoreSMSS clamps SndMSS back up to the handshake-negotiated PeerMSS for
// every connection to dest, once ip4.PathTable ages out a reduced entry and
// resets it (spec.md §4.4: "...notifies TCP (reset_pmtu)").
func (t *TCP) RestoreSMSS(dest addr.Socket4) {
	for quad, c := range t.conns {
		if quad.Dst != dest {
			continue
		}
		c.tcb.SndMSS = c.tcb.PeerMSS
	}
}

// MarkRefused aborts the SYN-SENT connection at quad as if it had received
// a RST, delivering onReset before onClose — spec.md §7: ICMP destination-
// unreachable for a pending active open is treated as the peer refusing
// the connection. A no-op if quad isn't currently in SYN-SENT (the
// connection may have already completed its handshake or closed).
func (t *TCP) MarkRefused(quad addr.Quadruple) {
	c, ok := t.conns[quad]
	if !ok || c.State() != SynSent {
		return
	}
	c.abort()
}

func (t *TCP) forget(quad addr.Quadruple, local addr.Socket4) {
	delete(t.conns, quad)
	if _, listening := t.listeners[local]; !listening {
		t.ports.Release(local.Addr, local.Port)
	}
}

// Receive implements the TCP input path: parse the segment, demux to an
// existing Connection by 4-tuple, else to a Listener by local socket, else
// answer with RST (spec.md §4.7.2, "no matching PCB").
func (t *TCP) Receive(p *packet.Packet, iph ip4.Header) {
	data := p.Data()
	h, ok := Parse(data)
	if !ok {
		p.Release()
		return
	}
	payload := data[h.HeaderLen():]
	src := addr.Socket4{Addr: iph.Src, Port: h.SrcPort}
	dst := addr.Socket4{Addr: iph.Dst, Port: h.DstPort}
	quad := addr.Quadruple{Src: dst, Dst: src} // local-first, matching our own Connection keys

	if c, ok := t.conns[quad]; ok {
		if c.Receive(h, payload) == ConnClosed {
			delete(t.conns, quad)
		}
		p.Release()
		return
	}
	if l, ok := t.listeners[dst]; ok {
		l.Receive(quad, h, payload)
		p.Release()
		return
	}
	if h.Flags&FlagRST == 0 {
		t.sendRST(dst, src, h, len(payload))
	}
	p.Release()
}

// sendRST answers an unmatched segment the way RFC 793 §3.4 mandates:
// RST with Seq = incoming Ack if ACK was set, else RST+ACK acknowledging
// the bytes received.
func (t *TCP) sendRST(local, remote addr.Socket4, h Header, dataLen int) {
	var out Header
	out.SrcPort, out.DstPort = local.Port, remote.Port
	out.DataOffset = 5
	if h.Flags&FlagACK != 0 {
		out.Seq = h.Ack
		out.Flags = FlagRST
	} else {
		segLen := uint32(dataLen)
		if h.Flags&(FlagSYN|FlagFIN) != 0 {
			segLen++
		}
		out.Ack = h.Seq + segLen
		out.Flags = FlagRST | FlagACK
	}
	buf := make([]byte, ip4.MinHeaderLen+MinHeaderLen)
	Put(buf[ip4.MinHeaderLen:], out)
	pseudo := ip4.PseudoSum4(local.Addr, remote.Addr, ip4.ProtoTCP, MinHeaderLen)
	csum := ip4.ChecksumWithPseudo(pseudo, buf[ip4.MinHeaderLen:])
	buf[ip4.MinHeaderLen+16] = byte(csum >> 8)
	buf[ip4.MinHeaderLen+17] = byte(csum)
	pkt := packet.New(buf, ip4.MinHeaderLen, nil)
	pkt.SetLen(MinHeaderLen)
	t.tx(pkt, local.Addr, remote.Addr, ip4.ProtoTCP)
}
