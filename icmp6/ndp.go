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

// NDP option types (RFC 4861 4.6).
const (
	optSourceLinkAddr uint8 = 1
	optTargetLinkAddr uint8 = 2
	optPrefixInfo     uint8 = 3
	optMTU            uint8 = 5
)

// Neighbor-advertisement flag bits (RFC 4861 4.4), occupying the top three
// bits of the 32-bit reserved word.
const (
	naFlagRouter    uint32 = 1 << 31
	naFlagSolicited uint32 = 1 << 30
	naFlagOverride  uint32 = 1 << 29
)

// PrefixInfo is the decoded content of a Router Advertisement's Prefix
// Information option, handed to PrefixCallback for SLAAC.
type PrefixInfo struct {
	Prefix          addr.IPv6
	PrefixLen       uint8
	OnLink          bool
	Autonomous      bool
	ValidLifetime   time.Duration
	PreferredLife   time.Duration
}

// PrefixCallback receives autoconf-eligible prefixes parsed out of a
// Router Advertisement, forwarded to SLAAC (spec.md: "NDP parses prefix-
// information options and forwards them to SLAAC").
type PrefixCallback func(PrefixInfo)

// NDP resolves IPv6 next hops to link-layer addresses (RFC 4861),
// collapsed from the full eight-state neighbor-unreachability-detection
// machine to a cache-plus-pending-queue, the same simplification arp.Arp
// makes for IPv4 — spec.md scopes NDP "only as far as required for SLAAC
// address configuration", so the reachability confirmation state machine
// is out of scope.
type NDP struct {
	mac     addr.MAC
	localLL func() addr.IPv6
	linkOut func(frame []byte, dst addr.MAC)
	clock   clock.Source
	timers  timer.Timers

	onPrefix PrefixCallback

	cache   map[addr.IPv6]*ndpCacheEntry
	pending map[addr.IPv6]*ndpPending
}

type ndpCacheEntry struct {
	mac        addr.MAC
	insertedAt int64
}

type ndpPending struct {
	pkt       *packet.Packet
	triesLeft int
	timerID   timer.ID
}

// CacheTTL has the same value as arp.CacheTTL (RFC 4861's reachable-time
// is randomized per-router). Nothing in this package reads it: NDP cache
// entries are never swept and stay until a newer mapping overwrites them.
const CacheTTL = 5 * time.Minute

// Retries and RetryInterval mirror arp.Arp's resolution backoff.
const (
	Retries       = 3
	RetryInterval = 1 * time.Second
)

// RouterSolicitInterval is RFC 4861's spacing between Router Solicitations.
// Nothing in this package reads it: SolicitRouter sends one solicitation
// per call, with no retry timer and no fallback when no router answers.
const RouterSolicitInterval = 4 * time.Second

// NewNDP constructs an NDP resolver bound to mac/localLL (the interface's
// link-local address, always available once the MAC-derived address is
// computed, unlike the SLAAC global address).
func NewNDP(mac addr.MAC, localLL func() addr.IPv6, linkOut func(frame []byte, dst addr.MAC), clk clock.Source, timers timer.Timers, onPrefix PrefixCallback) *NDP {
	return &NDP{
		mac:      mac,
		localLL:  localLL,
		linkOut:  linkOut,
		clock:    clk,
		timers:   timers,
		onPrefix: onPrefix,
		cache:    make(map[addr.IPv6]*ndpCacheEntry),
		pending:  make(map[addr.IPv6]*ndpPending),
	}
}

// Lookup returns the cached MAC for ip, if any.
func (n *NDP) Lookup(ip addr.IPv6) (addr.MAC, bool) {
	e, ok := n.cache[ip]
	if !ok {
		return addr.MAC{}, false
	}
	return e.mac, true
}

func (n *NDP) cacheEntry(ip addr.IPv6, mac addr.MAC) {
	if e, ok := n.cache[ip]; ok {
		e.mac = mac
		e.insertedAt = n.clock.Now()
		return
	}
	n.cache[ip] = &ndpCacheEntry{mac: mac, insertedAt: n.clock.Now()}
}

// Transmit implements ip6.Neighbors: resolve nextHop and either deliver p
// immediately (cache hit) or queue it pending a Neighbor Solicitation.
func (n *NDP) Transmit(p *packet.Packet, nextHop addr.IPv6) bool {
	if mac, ok := n.Lookup(nextHop); ok {
		n.linkOut(p.Data(), mac)
		return true
	}
	n.await(p, nextHop)
	return false
}

func (n *NDP) await(p *packet.Packet, nextHop addr.IPv6) {
	if pe, ok := n.pending[nextHop]; ok {
		n.timers.Stop(pe.timerID)
		pe.pkt.Release()
		pe.pkt = p
		pe.triesLeft = Retries
		n.solicit(nextHop)
		pe.timerID = n.timers.Schedule(RetryInterval, func() { n.retry(nextHop) })
		return
	}
	pe := &ndpPending{pkt: p, triesLeft: Retries}
	n.pending[nextHop] = pe
	n.solicit(nextHop)
	pe.timerID = n.timers.Schedule(RetryInterval, func() { n.retry(nextHop) })
}

func (n *NDP) retry(ip addr.IPv6) {
	pe, ok := n.pending[ip]
	if !ok {
		return
	}
	pe.triesLeft--
	if pe.triesLeft <= 0 {
		delete(n.pending, ip)
		pe.pkt.Release()
		return
	}
	n.solicit(ip)
	pe.timerID = n.timers.Schedule(RetryInterval, func() { n.retry(ip) })
}

// solicit sends a Neighbor Solicitation for target to its solicited-node
// multicast address, built and sent as a raw frame (mirroring
// arp.Arp.arpResolve) since resolution can't recurse back through
// IP6.Transmit.
func (n *NDP) solicit(target addr.IPv6) {
	msg := make([]byte, HeaderLen+16+8)
	msg[0] = TypeNeighborSolicit
	copy(msg[8:24], target[:])
	msg[24] = optSourceLinkAddr
	msg[25] = 1 // length in 8-byte units
	copy(msg[26:32], n.mac[:])

	dst := target.SolicitedNodeMulticast()
	dstMAC := multicastMAC(dst)
	n.sendRaw(msg, n.localLL(), dst, dstMAC)
}

// advertise sends a Neighbor Advertisement for our own address in response
// to a Neighbor Solicitation targeting it. The Override flag is always set;
// the Solicited flag is set when solicited is true.
func (n *NDP) advertise(target, to addr.IPv6, toMAC addr.MAC, solicited bool) {
	msg := make([]byte, HeaderLen+16+8)
	msg[0] = TypeNeighborAdvert
	flags := naFlagOverride
	if solicited {
		flags |= naFlagSolicited
	}
	binary.BigEndian.PutUint32(msg[4:8], flags)
	copy(msg[8:24], target[:])
	msg[24] = optTargetLinkAddr
	msg[25] = 1
	copy(msg[26:32], n.mac[:])
	n.sendRaw(msg, target, to, toMAC)
}

// SolicitRouter sends a Router Solicitation to the all-routers multicast
// address, the first step of SLAAC address configuration.
func (n *NDP) SolicitRouter() {
	msg := make([]byte, HeaderLen+4+8)
	msg[0] = TypeRouterSolicit
	msg[8] = optSourceLinkAddr
	msg[9] = 1
	copy(msg[10:16], n.mac[:])

	dst := allRoutersMulticast
	n.sendRaw(msg, n.localLL(), dst, multicastMAC(dst))
}

// sendRaw builds a bare IPv6 datagram (no Ethernet header) and hands it to
// linkOut, exactly the convention Transmit's cache-hit path and
// arp.Arp.Transmit/respond use: linkOut alone is responsible for Ethernet
// framing, since it closes over the driver's buffer pool that this
// resolution-can't-recurse-through-IP6.Transmit path has no access to.
func (n *NDP) sendRaw(msg []byte, src, dst addr.IPv6, dstMAC addr.MAC) {
	binary.BigEndian.PutUint16(msg[2:4], 0)
	sum := ip6.PseudoSum6(src, dst, ip6.ProtoICMPv6, uint32(len(msg)))
	binary.BigEndian.PutUint16(msg[2:4], ip6.ChecksumWithPseudo(sum, msg))

	buf := make([]byte, ip6.MinHeaderLen+len(msg))
	ip6.Put(buf, ip6.Header{
		NextHeader: ip6.ProtoICMPv6,
		HopLimit:   255, // RFC 4861 7.1.1: NDP messages must arrive with hop limit 255
		Src:        src,
		Dst:        dst,
		PayloadLen: uint16(len(msg)),
	})
	copy(buf[ip6.MinHeaderLen:], msg)
	n.linkOut(buf, dstMAC)
}

// receive dispatches one ICMPv6 message already known to be an NDP type.
func (n *NDP) receive(data []byte, h ip6.Header) {
	if len(data) < HeaderLen+16 && (data[0] == TypeNeighborSolicit || data[0] == TypeNeighborAdvert) {
		return
	}
	switch data[0] {
	case TypeRouterAdvert:
		n.receiveRouterAdvert(data, h)
	case TypeNeighborSolicit:
		n.receiveNeighborSolicit(data, h)
	case TypeNeighborAdvert:
		n.receiveNeighborAdvert(data, h)
	case TypeRouterSolicit, TypeRedirect:
		// Router-side/redirect handling is out of scope: spec.md limits
		// NDP to SLAAC client behavior.
	}
}

func (n *NDP) receiveNeighborSolicit(data []byte, h ip6.Header) {
	var target addr.IPv6
	copy(target[:], data[8:24])
	if target != n.localLL() {
		return // not soliciting us (global-address match checked by caller's isForMe)
	}
	srcMAC, ok := parseSourceLinkAddr(data[24:])
	if ok {
		n.cacheEntry(h.Src, srcMAC)
		n.advertise(target, h.Src, srcMAC, true)
	}
}

func (n *NDP) receiveNeighborAdvert(data []byte, h ip6.Header) {
	var target addr.IPv6
	copy(target[:], data[8:24])
	mac, ok := parseTargetLinkAddr(data[24:])
	if !ok {
		return
	}
	n.cacheEntry(target, mac)
	if pe, ok := n.pending[target]; ok {
		n.timers.Stop(pe.timerID)
		delete(n.pending, target)
		n.linkOut(pe.pkt.Data(), mac)
	}
}

func (n *NDP) receiveRouterAdvert(data []byte, h ip6.Header) {
	if n.onPrefix == nil {
		return
	}
	off := HeaderLen + 8 // skip reachable-time and retrans-timer (cur-hop-limit/flags/lifetime sit in the header)
	for off+2 <= len(data) {
		optType := data[off]
		optLen := int(data[off+1]) * 8
		if optLen == 0 || off+optLen > len(data) {
			return
		}
		if optType == optPrefixInfo && optLen == 32 {
			n.onPrefix(parsePrefixInfo(data[off : off+optLen]))
		}
		off += optLen
	}
}

func parsePrefixInfo(opt []byte) PrefixInfo {
	var pi PrefixInfo
	pi.PrefixLen = opt[2]
	pi.OnLink = opt[3]&0x80 != 0
	pi.Autonomous = opt[3]&0x40 != 0
	pi.ValidLifetime = time.Duration(binary.BigEndian.Uint32(opt[4:8])) * time.Second
	pi.PreferredLife = time.Duration(binary.BigEndian.Uint32(opt[8:12])) * time.Second
	copy(pi.Prefix[:], opt[16:32])
	return pi
}

func parseSourceLinkAddr(opts []byte) (addr.MAC, bool) {
	return parseLinkAddrOption(opts, optSourceLinkAddr)
}

func parseTargetLinkAddr(opts []byte) (addr.MAC, bool) {
	return parseLinkAddrOption(opts, optTargetLinkAddr)
}

func parseLinkAddrOption(opts []byte, want uint8) (addr.MAC, bool) {
	var m addr.MAC
	off := 0
	for off+2 <= len(opts) {
		t, l := opts[off], int(opts[off+1])*8
		if l == 0 || off+l > len(opts) {
			return m, false
		}
		if t == want && l >= 8 {
			copy(m[:], opts[off+2:off+8])
			return m, true
		}
		off += l
	}
	return m, false
}

// allRoutersMulticast is ff02::2.
var allRoutersMulticast = addr.IPv6{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}

// multicastMAC maps an IPv6 multicast address to its Ethernet multicast
// MAC, 33:33:xx:xx:xx:xx over the low 32 bits (RFC 2464 7.).
func multicastMAC(ip addr.IPv6) addr.MAC {
	return addr.MAC{0x33, 0x33, ip[12], ip[13], ip[14], ip[15]}
}
