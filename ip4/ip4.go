// Package ip4 implements IPv4 routing, TTL handling, checksums, the PMTU
// table, and netfilter-style filter chains (spec.md §4.4).
package ip4

import (
	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/arp"
	"github.com/unikernel-go/netstack/packet"
)

// ProtoHandler processes an incoming IPv4 payload once it has been
// determined to be addressed to us.
type ProtoHandler func(p *packet.Packet, h Header)

// ForwardFunc hands a packet not addressed to us to a forwarding delegate;
// spec.md §4.4: "if not for us and a forward_delg is set, hand off; else
// drop."
type ForwardFunc func(p *packet.Packet, h Header)

// Config holds the per-Inet knobs IP4 needs.
type Config struct {
	LocalAddr    func() addr.IPv4
	Netmask      func() addr.IPv4
	Gateway      func() addr.IPv4
	VirtualAddrs func() []addr.IPv4 // loopback addresses, spec.md §4.10

	PMTUDEnabled bool // default true, spec.md §4.4
	LinkMTU      int

	ICMP ProtoHandler
	UDP  ProtoHandler
	TCP  ProtoHandler

	Forward ForwardFunc // nil => drop non-local traffic

	// Loopback delivers a packet destined for one of VirtualAddrs back
	// into Receive without touching the wire (spec.md §4.10).
	Loopback func(p *packet.Packet, h Header)
}

// IP4 is the per-Inet IPv4 layer.
type IP4 struct {
	cfg     Config
	arp     *arp.Arp
	filters Filters
	paths   *PathTable

	// Counters, spec.md §7/§8.
	Dropped        uint64
	ChecksumErrors uint64
	TTLExceeded    uint64
}

// New constructs an IP4 layer. paths may be nil to disable PMTU discovery
// bookkeeping even when cfg.PMTUDEnabled is true (tests without a timer
// service).
func New(cfg Config, a *arp.Arp, paths *PathTable) *IP4 {
	return &IP4{cfg: cfg, arp: a, paths: paths}
}

// Filters exposes the filter-chain registry for Prerouting/Input/Output/
// Postrouting registration.
func (ip *IP4) Filters() *Filters { return &ip.filters }

// Paths exposes the PMTU table (nil if PMTU discovery bookkeeping was not
// constructed).
func (ip *IP4) Paths() *PathTable { return ip.paths }

func (ip *IP4) isForMe(dst addr.IPv4) bool {
	if dst == ip.cfg.LocalAddr() {
		return true
	}
	if ip.cfg.VirtualAddrs != nil {
		for _, v := range ip.cfg.VirtualAddrs() {
			if v == dst {
				return true
			}
		}
	}
	mask := ip.cfg.Netmask()
	local := ip.cfg.LocalAddr()
	if mask != addr.IPv4Zero && dst == local.Or(IPv4InvertedMask(mask)) {
		return true // subnet broadcast
	}
	return false
}

// IPv4InvertedMask returns the bitwise NOT of a netmask, used to compute a
// subnet's broadcast address (local | ^mask).
func IPv4InvertedMask(mask addr.IPv4) addr.IPv4 {
	return addr.IPv4FromUint32(^mask.Uint32())
}

// Receive implements the IPv4 input path (spec.md §4.4). linkBcast
// indicates the frame arrived as a link-layer broadcast/multicast, used by
// upper layers (e.g. ICMP error suppression) — it is passed through
// unused at this layer but kept in the signature for parity with the
// source API.
func (ip *IP4) Receive(p *packet.Packet, linkBcast bool) {
	data := p.Data()
	h, ok := Parse(data)
	if !ok {
		ip.Dropped++
		p.Release()
		return
	}
	if int(h.TotalLength) > len(data) {
		ip.Dropped++
		p.Release()
		return
	}
	if h.TTL == 0 {
		ip.TTLExceeded++
		p.Release()
		return
	}
	p.SetLen(int(h.TotalLength))

	if ip.filters.Run(Prerouting, p, &h) == Drop {
		p.Release()
		return
	}

	if !ip.isForMe(h.Dst) {
		if ip.cfg.Forward != nil {
			p.ConsumeHeader(h.HeaderLen())
			ip.cfg.Forward(p, h)
		} else {
			ip.Dropped++
			p.Release()
		}
		return
	}

	if ip.filters.Run(Input, p, &h) == Drop {
		p.Release()
		return
	}

	p.ConsumeHeader(h.HeaderLen())

	switch h.Protocol {
	case ProtoICMP:
		if ip.cfg.ICMP != nil {
			ip.cfg.ICMP(p, h)
			return
		}
	case ProtoUDP:
		if ip.cfg.UDP != nil {
			ip.cfg.UDP(p, h)
			return
		}
	case ProtoTCP:
		if ip.cfg.TCP != nil {
			ip.cfg.TCP(p, h)
			return
		}
	}
	ip.Dropped++
	p.Release()
}

// Transmit implements the IPv4 output path (spec.md §4.4). h.TotalLength
// is set here to MinHeaderLen+p.Len(); Src/TTL/Checksum are
// filled in here if zero. p.Data() on entry is the L4 payload; on success
// it becomes the full IPv4 datagram with header prepended.
func (ip *IP4) Transmit(p *packet.Packet, h Header) bool {
	if h.Src == addr.IPv4Zero {
		h.Src = ip.cfg.LocalAddr()
	}
	if h.TTL == 0 {
		h.TTL = DefaultTTL
	}
	if ip.cfg.PMTUDEnabled {
		h.FlagsFragOff |= FlagDF
	}
	h.TotalLength = uint16(MinHeaderLen + p.Len())

	if ip.filters.Run(Output, p, &h) == Drop {
		p.Release()
		return false
	}
	if ip.filters.Run(Postrouting, p, &h) == Drop {
		p.Release()
		return false
	}

	if ip.cfg.VirtualAddrs != nil && ip.cfg.Loopback != nil {
		for _, v := range ip.cfg.VirtualAddrs() {
			if v == h.Dst {
				hdr := p.PrependHeader(MinHeaderLen)
				Put(hdr, h)
				p.ConsumeHeader(MinHeaderLen)
				ip.cfg.Loopback(p, h)
				return true
			}
		}
	}

	hdr := p.PrependHeader(MinHeaderLen)
	if hdr == nil {
		p.Release()
		return false
	}
	Put(hdr, h)

	nextHop := h.Dst
	mask := ip.cfg.Netmask()
	if mask != addr.IPv4Zero && !addr.SameSubnet4(h.Dst, ip.cfg.LocalAddr(), mask) {
		nextHop = ip.cfg.Gateway()
	}
	p.NextHop = nextHop
	return ip.arp.Transmit(p, nextHop)
}

// HandleICMPTooBig records a Path-MTU decrease reported by ICMP and
// returns the new PMTU (spec.md §4.4: update_path).
func (ip *IP4) HandleICMPTooBig(dest addr.Socket4, hintMTU, totalLength int) int {
	if ip.paths == nil {
		return 0
	}
	return ip.paths.Update(dest, hintMTU, totalLength, ip.cfg.LinkMTU)
}
