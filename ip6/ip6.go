// Package ip6 implements IPv6 routing, extension-header parsing, and
// netfilter-style filter chains (spec.md §4.4, generalized to RFC 8200).
// Neighbor resolution (RFC 4861) lives in icmp6, which implements the
// Neighbors interface below — ip6 never imports icmp6 directly to avoid a
// cycle, the same separation ip4 keeps from arp only by linking it in.
package ip6

import (
	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/packet"
)

// ProtoHandler processes an incoming IPv6 payload addressed to us.
type ProtoHandler func(p *packet.Packet, h Header)

// ForwardFunc hands a packet not addressed to us to a forwarding delegate.
type ForwardFunc func(p *packet.Packet, h Header)

// Neighbors resolves a next-hop IPv6 address to a link-layer destination,
// queuing p until resolution completes if necessary (RFC 4861 neighbor
// cache, implemented by icmp6.NDP). Returns true if transmitted
// synchronously.
type Neighbors interface {
	Transmit(p *packet.Packet, nextHop addr.IPv6) bool
}

// Config holds the per-Inet knobs IP6 needs.
type Config struct {
	LocalAddr     func() addr.IPv6 // SLAAC/link-local global address
	LinkLocalAddr func() addr.IPv6
	VirtualAddrs  func() []addr.IPv6

	ICMP ProtoHandler
	UDP  ProtoHandler
	TCP  ProtoHandler

	Forward  ForwardFunc
	Loopback func(p *packet.Packet, h Header)
}

// IP6 is the per-Inet IPv6 layer.
type IP6 struct {
	cfg     Config
	nd      Neighbors
	filters Filters

	Dropped        uint64
	HopLimitExceed uint64
}

// New constructs an IP6 layer. nd may be nil until icmp6.NDP is
// constructed (tests that never transmit off-link don't need it).
func New(cfg Config, nd Neighbors) *IP6 {
	return &IP6{cfg: cfg, nd: nd}
}

// SetNeighbors installs the neighbor-resolution delegate once icmp6.NDP
// exists, breaking the construction-order cycle (icmp6.New needs an IP6
// to send through; IP6 needs an icmp6.NDP to resolve through).
func (ip *IP6) SetNeighbors(nd Neighbors) { ip.nd = nd }

func (ip *IP6) Filters() *Filters { return &ip.filters }

func (ip *IP6) isForMe(dst addr.IPv6) bool {
	if dst == ip.cfg.LocalAddr() {
		return true
	}
	if ip.cfg.LinkLocalAddr != nil && dst == ip.cfg.LinkLocalAddr() {
		return true
	}
	if ip.cfg.VirtualAddrs != nil {
		for _, v := range ip.cfg.VirtualAddrs() {
			if v == dst {
				return true
			}
		}
	}
	if dst.IsMulticast() {
		return true // multicast listener membership is icmp6/MLD's concern
	}
	return false
}

// Receive implements the IPv6 input path, mirroring ip4.IP4.Receive:
// validate, run Prerouting, check locality, run Input, dispatch by the
// next-header reached after walking the extension-header chain.
func (ip *IP6) Receive(p *packet.Packet, linkBcast bool) {
	data := p.Data()
	h, ok := Parse(data)
	if !ok {
		ip.Dropped++
		p.Release()
		return
	}
	if int(h.PayloadLen)+MinHeaderLen > len(data) {
		ip.Dropped++
		p.Release()
		return
	}
	if h.HopLimit == 0 {
		ip.HopLimitExceed++
		p.Release()
		return
	}
	p.SetLen(h.HeaderLen() + int(h.PayloadLen))

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

	switch h.NextHeader {
	case ProtoICMPv6:
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

// Transmit implements the IPv6 output path, mirroring ip4.IP4.Transmit.
// h.PayloadLen is set here to p.Len(); Src/HopLimit are filled in here if
// zero.
func (ip *IP6) Transmit(p *packet.Packet, h Header) bool {
	if h.Src == addr.IPv6Zero {
		h.Src = ip.cfg.LocalAddr()
	}
	if h.HopLimit == 0 {
		h.HopLimit = DefaultHopLimit
	}
	h.PayloadLen = uint16(p.Len())

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
	p.NextHop = nextHop
	if ip.nd == nil {
		p.Release()
		return false
	}
	return ip.nd.Transmit(p, nextHop)
}
