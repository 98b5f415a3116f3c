// Package inet assembles one NIC's complete stack — Ethernet, ARP, IPv4,
// IPv6, ICMPv4/ICMPv6, UDP, TCP, conntrack and DNS — into the single
// Inet type every layer holds a back-reference to (spec.md §4.10).
package inet

import (
	"math/rand"
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/arp"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/conntrack"
	"github.com/unikernel-go/netstack/dns"
	"github.com/unikernel-go/netstack/ethernet"
	"github.com/unikernel-go/netstack/icmp4"
	"github.com/unikernel-go/netstack/icmp6"
	"github.com/unikernel-go/netstack/ip4"
	"github.com/unikernel-go/netstack/ip6"
	"github.com/unikernel-go/netstack/nic"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/portutil"
	"github.com/unikernel-go/netstack/tcp"
	"github.com/unikernel-go/netstack/tcpevent"
	"github.com/unikernel-go/netstack/timer"
	"github.com/unikernel-go/netstack/udp"
)

// ConntrackCapacity bounds the per-Inet connection-tracking table (0
// would mean unlimited; every real deployment wants a cap).
const ConntrackCapacity = 8192

// ConfigCallback is invoked once static IPv4 configuration or SLAAC
// completes (spec.md §4.10: "on_config(handler)").
type ConfigCallback func(in *Inet)

// Inet owns one NIC's entire stack. Every layer (ARP, IP4, IP6, ICMP,
// UDP, TCP, DNS) holds a reference back to it, never the reverse —
// Inet is the sole owner (spec.md §3 ownership summary).
type Inet struct {
	drv   nic.Driver
	clock clock.Source
	timer timer.Timers

	ipAddr  addr.IPv4
	netmask addr.IPv4
	gateway addr.IPv4
	dnsAddr addr.IPv4

	ip6LinkLocal addr.IPv6
	ip6Global    addr.IPv6
	ip6GlobalSet bool

	virtualV4 []addr.IPv4
	virtualV6 []addr.IPv6

	ports *portutil.Ports

	eth  *ethernet.Demux
	arp  *arp.Arp
	ip4  *ip4.IP4
	ip6  *ip6.IP6
	icmp *icmp4.ICMP4
	icmp6 *icmp6.ICMP6
	udp  *udp.UDP
	tcp  *tcp.TCP
	ct   *conntrack.Table
	dnsc *dns.Client

	onConfig []ConfigCallback
}

// Config is the static configuration handed to New; fields left zero are
// left unset (e.g. a DHCP/SLAAC-configured interface constructs with a
// zero Config and calls ConfigureIPv4/the SLAAC path later).
type Config struct {
	IPAddr  addr.IPv4
	Netmask addr.IPv4
	Gateway addr.IPv4
	DNSAddr addr.IPv4
	MTU     int
	ISSSeed int64
}

// New constructs a fully wired Inet over drv. The construction order
// follows the dependencies: link-layer addressing first, then ARP (needs
// the MAC and a not-yet-resolved local-address getter), then IP4 (needs
// ARP's Transmit) and IP6, then ICMP4/ICMP6, whose NDP is handed to IP6
// through SetNeighbors, then the upper layers.
func New(drv nic.Driver, clk clock.Source, timers timer.Timers, cfg Config) *Inet {
	in := &Inet{
		drv:     drv,
		clock:   clk,
		timer:   timers,
		ipAddr:  cfg.IPAddr,
		netmask: cfg.Netmask,
		gateway: cfg.Gateway,
		dnsAddr: cfg.DNSAddr,
		ports:   portutil.New(),
	}
	in.ip6LinkLocal = addr.LinkLocalFromMAC(drv.MAC())

	in.arp = arp.New(drv.MAC(), in.LocalIPv4, in.linkOutV4, clk, timers)

	linkMTU := cfg.MTU
	if linkMTU == 0 {
		linkMTU = int(drv.MTU())
	}
	paths := ip4.NewPathTable(clk, timers, linkMTU)

	in.ip4 = ip4.New(ip4.Config{
		LocalAddr:    in.LocalIPv4,
		Netmask:      in.Netmask,
		Gateway:      in.Gateway,
		VirtualAddrs: in.virtualV4Addrs,
		PMTUDEnabled: true,
		LinkMTU:      linkMTU,
		ICMP:         in.receiveICMP4,
		UDP:          in.receiveUDP,
		TCP:          in.receiveTCP,
		Loopback:     in.loopbackV4,
	}, in.arp, paths)

	in.ip6 = ip6.New(ip6.Config{
		LocalAddr:     in.LocalIPv6,
		LinkLocalAddr: in.LinkLocalIPv6,
		VirtualAddrs:  in.virtualV6Addrs,
		ICMP:          in.receiveICMP6,
		Loopback:      in.loopbackV6,
	}, nil)

	in.icmp = icmp4.New(in.transmitICMP4, clk, timers)
	in.icmp6 = icmp6.New(in.transmitICMP6, in.LocalOrLinkLocalIPv6, clk, timers, drv.MAC(), in.LinkLocalIPv6, in.linkOutV6, in.onRouterPrefix)
	in.ip6.SetNeighbors(in.icmp6.NDP)

	in.ct = conntrack.New(ConntrackCapacity, clk, timers)
	in.udp = udp.New(in.ipAddr, in.ports, in.transmitUDP, in.icmp, clk, timers)
	seed := cfg.ISSSeed
	if seed == 0 {
		seed = time.Now().UnixNano() ^ int64(rand.Uint64())
	}
	in.tcp = tcp.New(in.ipAddr, in.ports, in.transmitTCP, clk, timers, seed)

	paths.OnReset = func(dest addr.Socket4, mtu int) { in.tcp.RestoreSMSS(dest) }
	in.icmp.OnUnreachable(in.handleUnreachable)

	in.eth = &ethernet.Demux{
		MAC:        drv.MAC(),
		HandleIPv4: in.receiveIPv4Frame,
		HandleIPv6: in.receiveIPv6Frame,
		HandleARP:  in.arp.Receive,
	}
	drv.SetUpstream(in.eth.Receive)

	if dnsc, err := dns.New(in.udp, clk, timers); err == nil {
		in.dnsc = dnsc
	}

	if cfg.IPAddr != addr.IPv4Zero {
		in.fireConfig()
	}
	in.icmp6.NDP.SolicitRouter()

	return in
}

// -- accessors (spec.md §4.10: ip_addr, netmask, gateway, dns_addr,
// ip6_addr, link_addr, mtu) --

func (in *Inet) LocalIPv4() addr.IPv4    { return in.ipAddr }
func (in *Inet) Netmask() addr.IPv4      { return in.netmask }
func (in *Inet) Gateway() addr.IPv4      { return in.gateway }
func (in *Inet) DNSAddr() addr.IPv4      { return in.dnsAddr }
func (in *Inet) LinkAddr() addr.MAC      { return in.drv.MAC() }
func (in *Inet) MTU() uint16             { return in.drv.MTU() }
func (in *Inet) LinkLocalIPv6() addr.IPv6 { return in.ip6LinkLocal }

// LocalIPv6 returns the SLAAC-assigned global address, or the link-local
// address if SLAAC hasn't completed yet.
func (in *Inet) LocalIPv6() addr.IPv6 {
	if in.ip6GlobalSet {
		return in.ip6Global
	}
	return in.ip6LinkLocal
}

// LocalOrLinkLocalIPv6 is the address ICMP6 sends its own traffic from;
// identical to LocalIPv6 today, named separately since a future multi-
// address interface would need to pick per-destination scope here.
func (in *Inet) LocalOrLinkLocalIPv6() addr.IPv6 { return in.LocalIPv6() }

// ARP exposes the ARP cache/resolver for filter and route-checker wiring.
func (in *Inet) ARP() *arp.Arp { return in.arp }

// IP4 exposes the IPv4 layer, e.g. for Filters() registration.
func (in *Inet) IP4() *ip4.IP4 { return in.ip4 }

// IP6 exposes the IPv6 layer.
func (in *Inet) IP6() *ip6.IP6 { return in.ip6 }

// ICMP4 exposes the ICMPv4 handler, e.g. for Ping.
func (in *Inet) ICMP4() *icmp4.ICMP4 { return in.icmp }

// ICMP6 exposes the ICMPv6 handler, NDP cache, and MLD tracker.
func (in *Inet) ICMP6() *icmp6.ICMP6 { return in.icmp6 }

// UDP exposes the UDP layer, e.g. for Bind.
func (in *Inet) UDP() *udp.UDP { return in.udp }

// TCP exposes the TCP layer, e.g. for Listen/Connect.
func (in *Inet) TCP() *tcp.TCP { return in.tcp }

// Conntrack exposes the connection-tracking table.
func (in *Inet) Conntrack() *conntrack.Table { return in.ct }

// DNS exposes the recursive resolver, nil if UDP port binding failed at
// construction (practically never, absent port exhaustion).
func (in *Inet) DNS() *dns.Client { return in.dnsc }

// SetEventServer wires srv to receive a FlowOpened/FlowClosed notification
// for every TCP connection this stack creates, whether locally initiated
// (Connect) or accepted (Listen). Replaces any previously set server.
func (in *Inet) SetEventServer(srv tcpevent.Server) {
	in.tcp.OnConnection(func(c *tcp.Connection) {
		srv.FlowOpened(time.Now(), c.Quad())
	})
	in.tcp.OnConnectionClosed(func(c *tcp.Connection) {
		srv.FlowClosed(time.Now(), c.Quad())
	})
}

// Resolve is the application-facing shortcut named in spec.md §6
// ("inet.resolve(hostname, fn)"), querying the configured DNS server with
// the package default timeout.
func (in *Inet) Resolve(hostname string, cb dns.Callback) {
	if in.dnsc == nil {
		cb(addr.IPv4Zero, dns.ErrNoAnswer)
		return
	}
	in.dnsc.Resolve(in.dnsAddr, hostname, cb, 0, false)
}

// OnConfig registers a callback fired once static configuration or SLAAC
// completes, and immediately if configuration already has (spec.md
// §4.10).
func (in *Inet) OnConfig(cb ConfigCallback) {
	in.onConfig = append(in.onConfig, cb)
	if in.ipAddr != addr.IPv4Zero || in.ip6GlobalSet {
		cb(in)
	}
}

// ConfigureIPv4 sets static addressing (e.g. once a DHCP lease, built
// outside this package, has been obtained) and fires OnConfig callbacks.
func (in *Inet) ConfigureIPv4(ip, netmask, gateway, dnsAddr addr.IPv4) {
	in.ipAddr = ip
	in.netmask = netmask
	in.gateway = gateway
	in.dnsAddr = dnsAddr
	in.fireConfig()
}

func (in *Inet) fireConfig() {
	for _, cb := range in.onConfig {
		cb(in)
	}
}

// onRouterPrefix implements SLAAC (RFC 4862): on an autonomous on-link
// prefix advertised in a Router Advertisement, form the EUI-64 global
// address and fire OnConfig (spec.md: "NDP parses prefix-information
// options and forwards them to SLAAC").
func (in *Inet) onRouterPrefix(pi icmp6.PrefixInfo) {
	if !pi.Autonomous || pi.PrefixLen != 64 {
		return
	}
	var a addr.IPv6
	copy(a[:8], pi.Prefix[:8])
	copy(a[8:], in.ip6LinkLocal[8:])
	in.ip6Global = a
	in.ip6GlobalSet = true
	in.fireConfig()
}

// AddVirtualIPv4 and AddVirtualIPv6 register a loopback address redirected
// without touching the wire (spec.md §4.10).
func (in *Inet) AddVirtualIPv4(a addr.IPv4) { in.virtualV4 = append(in.virtualV4, a) }
func (in *Inet) AddVirtualIPv6(a addr.IPv6) { in.virtualV6 = append(in.virtualV6, a) }

func (in *Inet) virtualV4Addrs() []addr.IPv4 { return in.virtualV4 }
func (in *Inet) virtualV6Addrs() []addr.IPv6 { return in.virtualV6 }

// CreateIPPacket draws a buffer from the NIC's pool and reserves
// Ethernet+IPv4 (or +IPv6) headroom, per spec.md §4.10's
// create_ip_packet(protocol).
func (in *Inet) CreateIPPacket(v6 bool) *packet.Packet {
	headroom := ethernet.HeaderLen + ip4.MinHeaderLen
	if v6 {
		headroom = ethernet.HeaderLen + ip6.MinHeaderLen
	}
	raw := in.drv.GetBuffer(headroom)
	if raw == nil {
		return nil
	}
	return packet.New(raw, headroom, in.drv.ReleaseBuffer)
}

// -- receive path: NIC -> Ethernet -> {ARP, IP4, IP6} -> {ICMP, UDP, TCP} --

func (in *Inet) receiveIPv4Frame(frame []byte) {
	raw := in.drv.GetBuffer(0)
	if raw == nil || len(raw) < len(frame) {
		return
	}
	n := copy(raw, frame)
	p := packet.New(raw[:n], 0, in.drv.ReleaseBuffer)
	p.SetLen(n)
	linkBcast := false // original Ethernet destination already stripped by Demux
	in.ip4.Receive(p, linkBcast)
}

func (in *Inet) receiveIPv6Frame(frame []byte) {
	raw := in.drv.GetBuffer(0)
	if raw == nil || len(raw) < len(frame) {
		return
	}
	n := copy(raw, frame)
	p := packet.New(raw[:n], 0, in.drv.ReleaseBuffer)
	p.SetLen(n)
	in.ip6.Receive(p, false)
}

// handleUnreachable routes a decoded Destination Unreachable to the layer
// that owns the datagram it was reported against (spec.md §7 "Remote
// unreachable"): a PMTU update for code 4 (Fragmentation Needed), or a
// per-socket error delivery to UDP / a refused SYN-SENT connection for TCP
// otherwise.
func (in *Inet) handleUnreachable(u icmp4.Unreachable) {
	origLocal := addr.Socket4{Addr: u.OrigSrc, Port: u.SrcPort}
	origRemote := addr.Socket4{Addr: u.OrigDst, Port: u.DstPort}

	if u.Code == icmp4.CodeFragNeeded {
		if newMTU := in.ip4.HandleICMPTooBig(origRemote, int(u.MTUHint), u.TotalLen); newMTU > 0 {
			in.tcp.ClampSMSS(origRemote, newMTU)
		}
		return
	}

	switch u.Protocol {
	case ip4.ProtoUDP:
		in.udp.DeliverError(origLocal, origRemote, udp.ErrDestinationUnreachable)
	case ip4.ProtoTCP:
		in.tcp.MarkRefused(addr.Quadruple{Src: origLocal, Dst: origRemote})
	}
}

func (in *Inet) receiveICMP4(p *packet.Packet, h ip4.Header) {
	in.icmp.Receive(p, h, false, h.Dst.IsBroadcast() || h.Dst.IsMulticast())
}

func (in *Inet) receiveICMP6(p *packet.Packet, h ip6.Header) {
	in.icmp6.Receive(p, h, false, h.Dst.IsMulticast())
}

func (in *Inet) receiveUDP(p *packet.Packet, h ip4.Header) {
	in.udp.Receive(p, h, h.Dst.IsBroadcast() || h.Dst.IsMulticast())
}

func (in *Inet) receiveTCP(p *packet.Packet, h ip4.Header) {
	in.tcp.Receive(p, h)
}

func (in *Inet) loopbackV4(p *packet.Packet, h ip4.Header) {
	switch h.Protocol {
	case ip4.ProtoICMP:
		in.receiveICMP4(p, h)
	case ip4.ProtoUDP:
		in.receiveUDP(p, h)
	case ip4.ProtoTCP:
		in.receiveTCP(p, h)
	default:
		p.Release()
	}
}

func (in *Inet) loopbackV6(p *packet.Packet, h ip6.Header) {
	if h.NextHeader == ip6.ProtoICMPv6 {
		in.receiveICMP6(p, h)
		return
	}
	p.Release()
}

// -- transmit path: upper layers -> IP4/IP6 -> ARP/NDP -> Ethernet -> NIC --

func (in *Inet) linkOutV4(frame []byte, dst addr.MAC) {
	buf := in.drv.GetBuffer(ethernet.HeaderLen)
	if buf == nil {
		return
	}
	n := copy(buf[ethernet.HeaderLen:], frame)
	ethernet.Put(buf, dst, in.drv.MAC(), ethernet.TypeIPv4)
	in.drv.Transmit(buf[:ethernet.HeaderLen+n])
}

// linkOutV6 prepends an Ethernet header, mirroring linkOutV4: icmp6.NDP's
// linkOut callback (like arp.Arp's) always hands over a bare IPv6
// datagram and leaves framing to the caller that owns the driver's pool.
func (in *Inet) linkOutV6(frame []byte, dst addr.MAC) {
	buf := in.drv.GetBuffer(ethernet.HeaderLen)
	if buf == nil {
		return
	}
	n := copy(buf[ethernet.HeaderLen:], frame)
	ethernet.Put(buf, dst, in.drv.MAC(), ethernet.TypeIPv6)
	in.drv.Transmit(buf[:ethernet.HeaderLen+n])
}

func (in *Inet) transmitICMP4(p *packet.Packet, dst addr.IPv4) {
	in.ip4.Transmit(p, ip4.Header{Dst: dst, Protocol: ip4.ProtoICMP})
}

func (in *Inet) transmitICMP6(p *packet.Packet, dst addr.IPv6) {
	in.ip6.Transmit(p, ip6.Header{Dst: dst, NextHeader: ip6.ProtoICMPv6})
}

// transmitUDP is udp.IPTransmitter. Conntrack tracks full 4-tuples
// (addr.Quadruple, including ports); those aren't visible at this
// IP-layer boundary, only inside udp.Socket/tcp.Connection where the
// ports are known, so the connection-tracking table is populated by
// Conntrack()'s caller at the socket layer rather than wired in blindly
// here — see DESIGN.md.
func (in *Inet) transmitUDP(p *packet.Packet, src, dst addr.IPv4, protocol uint8) bool {
	return in.ip4.Transmit(p, ip4.Header{Src: src, Dst: dst, Protocol: protocol})
}

func (in *Inet) transmitTCP(p *packet.Packet, src, dst addr.IPv4, protocol uint8) bool {
	return in.ip4.Transmit(p, ip4.Header{Src: src, Dst: dst, Protocol: protocol})
}
