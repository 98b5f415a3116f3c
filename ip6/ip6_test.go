package ip6

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/packet"
)

func TestHeaderRoundTrip(t *testing.T) {
	want := Header{
		TrafficClass: 0,
		FlowLabel:    0x12345,
		PayloadLen:   4,
		NextHeader:   ProtoTCP,
		HopLimit:     DefaultHopLimit,
		Src:          addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		Dst:          addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2},
	}
	buf := make([]byte, MinHeaderLen)
	Put(buf, want)
	got, ok := Parse(buf)
	if !ok {
		t.Fatal("Parse rejected a header Put just built")
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error("header round trip differed from expected:", diff)
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	if _, ok := Parse(make([]byte, MinHeaderLen-1)); ok {
		t.Fatal("Parse accepted a buffer shorter than MinHeaderLen")
	}
}

func TestParseRejectsWrongVersion(t *testing.T) {
	buf := make([]byte, MinHeaderLen)
	Put(buf, Header{NextHeader: ProtoTCP, HopLimit: 1})
	buf[0] = 0x40 // version 4, not 6
	if _, ok := Parse(buf); ok {
		t.Fatal("Parse accepted a non-IPv6 version nibble")
	}
}

// TestParseWalksHopByHopExtensionHeader checks that a single hop-by-hop
// options header is skipped and NextHeader/ExtHeaderLen land on the real
// upper-layer protocol, per RFC 8200 4.
func TestParseWalksHopByHopExtensionHeader(t *testing.T) {
	extLen := 8 // minimal hop-by-hop header: 8 octets
	buf := make([]byte, MinHeaderLen+extLen+4)
	Put(buf, Header{NextHeader: NextHopByHop, HopLimit: 64, PayloadLen: uint16(extLen + 4)})
	buf[MinHeaderLen] = ProtoUDP // next header inside the ext header
	buf[MinHeaderLen+1] = 0      // ext header length in 8-octet units beyond the first 8

	h, ok := Parse(buf)
	if !ok {
		t.Fatal("Parse rejected a valid hop-by-hop chain")
	}
	if h.NextHeader != ProtoUDP {
		t.Fatalf("NextHeader = %d, want ProtoUDP", h.NextHeader)
	}
	if h.ExtHeaderLen != extLen {
		t.Fatalf("ExtHeaderLen = %d, want %d", h.ExtHeaderLen, extLen)
	}
	if h.HeaderLen() != MinHeaderLen+extLen {
		t.Fatalf("HeaderLen() = %d, want %d", h.HeaderLen(), MinHeaderLen+extLen)
	}
}

// TestParseReportsFragmentHeaderWithoutReassembly checks that a fragment
// header is surfaced as NextFragment rather than dropped or reassembled.
func TestParseReportsFragmentHeaderWithoutReassembly(t *testing.T) {
	buf := make([]byte, MinHeaderLen+8+4)
	Put(buf, Header{NextHeader: NextFragment, HopLimit: 64, PayloadLen: 12})
	buf[MinHeaderLen] = ProtoTCP

	h, ok := Parse(buf)
	if !ok {
		t.Fatal("Parse rejected a datagram carrying a fragment header")
	}
	if h.NextHeader != NextFragment {
		t.Fatalf("NextHeader = %d, want NextFragment", h.NextHeader)
	}
}

type fakeNeighbors struct {
	transmitted []addr.IPv6
}

func (f *fakeNeighbors) Transmit(p *packet.Packet, nextHop addr.IPv6) bool {
	f.transmitted = append(f.transmitted, nextHop)
	p.Release()
	return true
}

func newTestIP6(t *testing.T) (*IP6, addr.IPv6, *[]struct {
	proto string
	h     Header
}, *fakeNeighbors) {
	local := addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	nd := &fakeNeighbors{}
	var got []struct {
		proto string
		h     Header
	}
	cfg := Config{
		LocalAddr: func() addr.IPv6 { return local },
		TCP: func(p *packet.Packet, h Header) {
			got = append(got, struct {
				proto string
				h     Header
			}{"tcp", h})
			p.Release()
		},
		UDP: func(p *packet.Packet, h Header) {
			got = append(got, struct {
				proto string
				h     Header
			}{"udp", h})
			p.Release()
		},
	}
	return New(cfg, nd), local, &got, nd
}

func buildDatagram6(src, dst addr.IPv6, next uint8, payload []byte) *packet.Packet {
	buf := make([]byte, MinHeaderLen+len(payload))
	copy(buf[MinHeaderLen:], payload)
	Put(buf, Header{PayloadLen: uint16(len(payload)), NextHeader: next, HopLimit: 64, Src: src, Dst: dst})
	p := packet.New(buf, 0, nil)
	p.SetLen(len(buf))
	return p
}

func TestReceiveDispatchesToProtocolHandler(t *testing.T) {
	ip, local, got, _ := newTestIP6(t)
	peer := addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	ip.Receive(buildDatagram6(peer, local, ProtoUDP, []byte("hi")), false)

	if len(*got) != 1 || (*got)[0].proto != "udp" {
		t.Fatalf("dispatch = %+v, want one udp delivery", *got)
	}
}

func TestReceiveDropsZeroHopLimit(t *testing.T) {
	ip, local, got, _ := newTestIP6(t)
	peer := addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	p := buildDatagram6(peer, local, ProtoTCP, []byte("hi"))
	p.Data()[7] = 0 // HopLimit
	ip.Receive(p, false)

	if len(*got) != 0 {
		t.Fatalf("expected no dispatch for HopLimit=0, got %+v", *got)
	}
	if ip.HopLimitExceed != 1 {
		t.Fatalf("HopLimitExceed = %d, want 1", ip.HopLimitExceed)
	}
}

func TestReceiveForwardsNonLocalTraffic(t *testing.T) {
	ip, _, _, _ := newTestIP6(t)
	var forwarded *Header
	ip.cfg.Forward = func(p *packet.Packet, h Header) { forwarded = &h; p.Release() }
	other := addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 99}
	peer := addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	ip.Receive(buildDatagram6(peer, other, ProtoTCP, []byte("hi")), false)

	if forwarded == nil || forwarded.Dst != other {
		t.Fatalf("forward handler not invoked with the right header: %+v", forwarded)
	}
}

func TestReceiveMulticastIsAcceptedAsForMe(t *testing.T) {
	ip, _, got, _ := newTestIP6(t)
	mcast := addr.IPv6{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	peer := addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	ip.Receive(buildDatagram6(peer, mcast, ProtoUDP, []byte("hi")), false)

	if len(*got) != 1 {
		t.Fatalf("expected multicast traffic to be delivered locally, got %+v", *got)
	}
}

func TestTransmitFillsSrcAndHopLimitThenResolves(t *testing.T) {
	ip, local, _, nd := newTestIP6(t)
	dst := addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	buf := make([]byte, MinHeaderLen+4)
	p := packet.New(buf, MinHeaderLen, nil)
	p.Append([]byte("data"))

	if ok := ip.Transmit(p, Header{Dst: dst, NextHeader: ProtoUDP}); !ok {
		t.Fatal("Transmit returned false")
	}
	if len(nd.transmitted) != 1 || nd.transmitted[0] != dst {
		t.Fatalf("neighbor resolution called with %v, want [%v]", nd.transmitted, dst)
	}
	_ = local
}

func TestTransmitWithoutNeighborsFails(t *testing.T) {
	ip, _, _, _ := newTestIP6(t)
	ip.SetNeighbors(nil)
	buf := make([]byte, MinHeaderLen+4)
	p := packet.New(buf, MinHeaderLen, nil)
	p.Append([]byte("data"))

	if ip.Transmit(p, Header{NextHeader: ProtoUDP}) {
		t.Fatal("Transmit should fail with no Neighbors resolver installed")
	}
}

func TestFilterChainDropsAtPrerouting(t *testing.T) {
	ip, local, got, _ := newTestIP6(t)
	ip.Filters().Register(Prerouting, func(p *packet.Packet, h *Header) Verdict { return Drop })
	peer := addr.IPv6{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2}
	ip.Receive(buildDatagram6(peer, local, ProtoTCP, []byte("hi")), false)

	if len(*got) != 0 {
		t.Fatalf("expected the Prerouting Drop verdict to suppress dispatch, got %+v", *got)
	}
	if ip.filters.Counters[Prerouting] != 1 {
		t.Fatalf("Prerouting counter = %d, want 1", ip.filters.Counters[Prerouting])
	}
}
