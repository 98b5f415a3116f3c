// Package arp implements the IPv4 address resolution cache, pending-send
// queue, and proxy-reply policy (spec.md §4.3).
package arp

import (
	"encoding/binary"
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/ethernet"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/timer"
)

// HeaderLen is the RFC 826 header size for Ethernet/IPv4 ARP: htype(2)
// ptype(2) hlen(1) plen(1) oper(2) sha(6) spa(4) tha(6) tpa(4).
const HeaderLen = 28

// Opcodes.
const (
	OpRequest uint16 = 1
	OpReply   uint16 = 2
)

const (
	htypeEthernet uint16 = 1
	ptypeIPv4     uint16 = 0x0800
	hlenMAC       byte   = 6
	plenIPv4      byte   = 4
)

// CacheTTL is how long a resolved entry is trusted before a periodic flush
// purges it (spec.md §3: "TTL 5 minutes").
const CacheTTL = 5 * time.Minute

// Retries is the number of resolution attempts before a pending packet is
// dropped (spec.md §3, §4.3).
const Retries = 3

// RetryInterval is the spacing between resolution retries.
const RetryInterval = 1 * time.Second

// Header is the parsed ARP packet.
type Header struct {
	Opcode  uint16
	SHA     addr.MAC
	SPA     addr.IPv4
	THA     addr.MAC
	TPA     addr.IPv4
}

// Parse validates htype/ptype/hlen/plen and decodes the rest (spec.md
// §4.3: "parse htype=1, ptype=0x0800, hlen=6, plen=4").
func Parse(b []byte) (Header, bool) {
	var h Header
	if len(b) < HeaderLen {
		return h, false
	}
	htype := binary.BigEndian.Uint16(b[0:2])
	ptype := binary.BigEndian.Uint16(b[2:4])
	hlen, plen := b[4], b[5]
	if htype != htypeEthernet || ptype != ptypeIPv4 || hlen != hlenMAC || plen != plenIPv4 {
		return h, false
	}
	h.Opcode = binary.BigEndian.Uint16(b[6:8])
	copy(h.SHA[:], b[8:14])
	copy(h.SPA[:], b[14:18])
	copy(h.THA[:], b[18:24])
	copy(h.TPA[:], b[24:28])
	return h, true
}

// Put serializes h into dst, which must be at least HeaderLen bytes.
func Put(dst []byte, h Header) {
	binary.BigEndian.PutUint16(dst[0:2], htypeEthernet)
	binary.BigEndian.PutUint16(dst[2:4], ptypeIPv4)
	dst[4] = hlenMAC
	dst[5] = plenIPv4
	binary.BigEndian.PutUint16(dst[6:8], h.Opcode)
	copy(dst[8:14], h.SHA[:])
	copy(dst[14:18], h.SPA[:])
	copy(dst[18:24], h.THA[:])
	copy(dst[24:28], h.TPA[:])
}

type cacheEntry struct {
	mac       addr.MAC
	insertedAt int64
}

type pendingEntry struct {
	pkt          *packet.Packet
	target       addr.IPv4
	triesLeft    int
	timerID      timer.ID
}

// Stats counts ARP protocol events, mirrored into Prometheus counters by
// the metrics package.
type Stats struct {
	RequestsRx uint32
	RequestsTx uint32
	RepliesRx  uint32
	RepliesTx  uint32
	Dropped    uint32 // pending sends dropped after Retries exhausted
}

// LinkOut transmits an ARP packet to a specific destination MAC (unicast
// reply) or addr.Broadcast (request).
type LinkOut func(frame []byte, dst addr.MAC)

// RouteChecker decides whether to answer an ARP request for an IP other
// than our own — the proxy policy hook (spec.md §4.3).
type RouteChecker func(ip4 addr.IPv4) bool

// Resolver issues a resolution attempt for next hop ip. The default
// (Arp.arpResolve) broadcasts a REQUEST; Arp.SetResolver overrides it
// (original_source api/net/ip4/arp.hpp: Resolver_name / set_resolver).
type Resolver func(ip addr.IPv4)

// Arp is the per-Inet ARP manager.
type Arp struct {
	mac     addr.MAC
	localIP func() addr.IPv4
	linkOut LinkOut
	clock   clock.Source
	timers  timer.Timers

	proxy    RouteChecker
	resolver Resolver

	cache   map[addr.IPv4]*cacheEntry
	pending map[addr.IPv4]*pendingEntry

	flushInterval time.Duration
	flushTimerID  timer.ID

	Stats Stats
}

// New constructs an Arp bound to mac/localIP and the given link-layer
// output function. localIP is a func because DHCP may change it after
// construction.
func New(mac addr.MAC, localIP func() addr.IPv4, linkOut LinkOut, clk clock.Source, timers timer.Timers) *Arp {
	a := &Arp{
		mac:           mac,
		localIP:       localIP,
		linkOut:       linkOut,
		clock:         clk,
		timers:        timers,
		cache:         make(map[addr.IPv4]*cacheEntry),
		pending:       make(map[addr.IPv4]*pendingEntry),
		flushInterval: CacheTTL,
	}
	a.resolver = a.arpResolve
	a.flushTimerID = timers.Periodic(a.flushInterval, a.flushInterval, a.FlushExpired)
	return a
}

// SetResolver overrides the resolution strategy (original_source hook;
// supplements spec.md §4.3's default-only description).
func (a *Arp) SetResolver(r Resolver) { a.resolver = r }

// SetProxyPolicy installs the route-checker predicate; a nil predicate (the
// default) disables ARP-proxy entirely.
func (a *Arp) SetProxyPolicy(rc RouteChecker) { a.proxy = rc }

// SetCacheFlushInterval overrides the default 5-minute sweep period.
func (a *Arp) SetCacheFlushInterval(d time.Duration) {
	a.timers.Stop(a.flushTimerID)
	a.flushInterval = d
	a.flushTimerID = a.timers.Periodic(d, d, a.FlushExpired)
}

// Lookup returns the cached MAC for ip, if any. Entries older than CacheTTL
// stay visible until FlushExpired removes them.
func (a *Arp) Lookup(ip addr.IPv4) (addr.MAC, bool) {
	e, ok := a.cache[ip]
	if !ok {
		return addr.MAC{}, false
	}
	return e.mac, true
}

// Cache unconditionally caches (ip -> mac), refreshing the timestamp
// (spec.md §4.3: "unconditionally cache, refreshing timestamp if
// present").
func (a *Arp) Cache(ip addr.IPv4, mac addr.MAC) {
	if e, ok := a.cache[ip]; ok {
		e.mac = mac
		e.insertedAt = a.clock.Now()
		return
	}
	a.cache[ip] = &cacheEntry{mac: mac, insertedAt: a.clock.Now()}
}

// FlushCache empties the cache unconditionally.
func (a *Arp) FlushCache() { a.cache = make(map[addr.IPv4]*cacheEntry) }

// FlushExpired removes cache entries older than CacheTTL.
func (a *Arp) FlushExpired() {
	now := a.clock.Now()
	for ip, e := range a.cache {
		if now-e.insertedAt > int64(CacheTTL) {
			delete(a.cache, ip)
		}
	}
}

// Receive handles one incoming ARP packet (spec.md §4.3).
func (a *Arp) Receive(raw []byte) {
	h, ok := Parse(raw)
	if !ok {
		return
	}
	switch h.Opcode {
	case OpRequest:
		a.Stats.RequestsRx++
	case OpReply:
		a.Stats.RepliesRx++
	}

	// Unconditionally cache the sender mapping.
	a.Cache(h.SPA, h.SHA)

	if h.Opcode == OpRequest {
		local := a.localIP()
		answer := h.TPA == local
		if !answer && a.proxy != nil {
			answer = a.proxy(h.TPA)
		}
		if answer {
			a.respond(h.TPA, h.SHA, h.SPA)
		}
	}

	// A resolution may have just completed; flush any packet waiting on it.
	if pe, ok := a.pending[h.SPA]; ok {
		a.timers.Stop(pe.timerID)
		delete(a.pending, h.SPA)
		a.linkOut(pe.pkt.Data(), h.SHA)
		a.Stats.RepliesTx++ // reuses the counter family; see metrics wiring
	}
}

func (a *Arp) respond(fromIP addr.IPv4, toMAC addr.MAC, toIP addr.IPv4) {
	buf := make([]byte, ethernet.HeaderLen+HeaderLen)
	Put(buf[ethernet.HeaderLen:], Header{
		Opcode: OpReply,
		SHA:    a.mac,
		SPA:    fromIP,
		THA:    toMAC,
		TPA:    toIP,
	})
	ethernet.Put(buf, toMAC, a.mac, ethernet.TypeARP)
	a.linkOut(buf, toMAC)
	a.Stats.RepliesTx++
}

// Transmit resolves nextHop and either hands p to linkOut immediately (on a
// cache hit) or queues it pending resolution (spec.md §4.3, §4.4 output
// path). Returns true if transmitted synchronously.
func (a *Arp) Transmit(p *packet.Packet, nextHop addr.IPv4) bool {
	if mac, ok := a.Lookup(nextHop); ok {
		a.linkOut(p.Data(), mac)
		return true
	}
	a.await(p, nextHop)
	return false
}

// await enqueues p for nextHop. A second send to the same target IP resets
// the retry counter rather than stacking a second entry (spec.md §4.3
// invariant: "at most one outstanding entry per target IP").
func (a *Arp) await(p *packet.Packet, nextHop addr.IPv4) {
	if pe, ok := a.pending[nextHop]; ok {
		a.timers.Stop(pe.timerID)
		pe.pkt.Release()
		pe.pkt = p
		pe.triesLeft = Retries
		a.resolver(nextHop)
		pe.timerID = a.timers.Schedule(RetryInterval, func() { a.retry(nextHop) })
		return
	}
	pe := &pendingEntry{pkt: p, target: nextHop, triesLeft: Retries}
	a.pending[nextHop] = pe
	a.resolver(nextHop)
	pe.timerID = a.timers.Schedule(RetryInterval, func() { a.retry(nextHop) })
}

func (a *Arp) retry(ip addr.IPv4) {
	pe, ok := a.pending[ip]
	if !ok {
		return
	}
	pe.triesLeft--
	if pe.triesLeft <= 0 {
		delete(a.pending, ip)
		pe.pkt.Release()
		a.Stats.Dropped++
		return
	}
	a.resolver(ip)
	pe.timerID = a.timers.Schedule(RetryInterval, func() { a.retry(ip) })
}

// arpResolve is the default Resolver: broadcast a REQUEST for ip.
func (a *Arp) arpResolve(ip addr.IPv4) {
	buf := make([]byte, ethernet.HeaderLen+HeaderLen)
	Put(buf[ethernet.HeaderLen:], Header{
		Opcode: OpRequest,
		SHA:    a.mac,
		SPA:    a.localIP(),
		THA:    addr.MAC{},
		TPA:    ip,
	})
	ethernet.Put(buf, addr.Broadcast, a.mac, ethernet.TypeARP)
	a.linkOut(buf, addr.Broadcast)
	a.Stats.RequestsTx++
}

// PendingCount reports the number of targets currently awaiting
// resolution, for tests.
func (a *Arp) PendingCount() int { return len(a.pending) }
