package ip4

import (
	"testing"

	"github.com/go-test/deep"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/arp"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/timer"
)

func TestHeaderRoundTrip(t *testing.T) {
	want := Header{
		TOS:          0,
		TotalLength:  MinHeaderLen + 4,
		ID:           0x55aa,
		FlagsFragOff: FlagDF,
		TTL:          DefaultTTL,
		Protocol:     ProtoTCP,
		Src:          addr.NewIPv4(10, 0, 0, 1),
		Dst:          addr.NewIPv4(10, 0, 0, 2),
	}
	buf := make([]byte, MinHeaderLen)
	Put(buf, want)
	got, ok := Parse(buf)
	if !ok {
		t.Fatal("Parse rejected a header Put just built")
	}
	want.IHL = 5
	want.Checksum = got.Checksum // computed by Put, re-verified by Parse's zero-sum check
	if diff := deep.Equal(got, want); diff != nil {
		t.Error("header round trip differed from expected:", diff)
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	buf := make([]byte, MinHeaderLen)
	Put(buf, Header{TotalLength: MinHeaderLen, TTL: 64, Protocol: ProtoTCP})
	buf[10] ^= 0xff // corrupt the checksum
	if _, ok := Parse(buf); ok {
		t.Fatal("Parse accepted a corrupted checksum")
	}
}

func newTestIP4(t *testing.T, paths *PathTable) (*IP4, *[]struct {
	proto string
	h     Header
}) {
	localIP := addr.NewIPv4(10, 0, 0, 1)
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	a := arp.New(addr.MAC{2, 0, 0, 0, 0, 1}, func() addr.IPv4 { return localIP }, func(f []byte, d addr.MAC) {}, fc, tm)

	var got []struct {
		proto string
		h     Header
	}
	cfg := Config{
		LocalAddr: func() addr.IPv4 { return localIP },
		Netmask:   func() addr.IPv4 { return addr.NewIPv4(255, 255, 255, 0) },
		Gateway:   func() addr.IPv4 { return addr.NewIPv4(10, 0, 0, 254) },
		LinkMTU:   1500,
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
	return New(cfg, a, paths), &got
}

func buildDatagram(src, dst addr.IPv4, proto uint8, payload []byte) *packet.Packet {
	buf := make([]byte, MinHeaderLen+len(payload))
	copy(buf[MinHeaderLen:], payload)
	Put(buf, Header{
		TotalLength: uint16(MinHeaderLen + len(payload)),
		TTL:         64,
		Protocol:    proto,
		Src:         src,
		Dst:         dst,
	})
	p := packet.New(buf, 0, nil)
	p.SetLen(len(buf))
	return p
}

func TestReceiveDispatchesToProtocolHandler(t *testing.T) {
	ip, got := newTestIP4(t, nil)
	local := addr.NewIPv4(10, 0, 0, 1)
	peer := addr.NewIPv4(10, 0, 0, 2)
	ip.Receive(buildDatagram(peer, local, ProtoTCP, []byte("hi")), false)

	if len(*got) != 1 || (*got)[0].proto != "tcp" {
		t.Fatalf("dispatch = %+v, want one tcp delivery", *got)
	}
}

func TestReceiveDropsZeroTTL(t *testing.T) {
	ip, got := newTestIP4(t, nil)
	local := addr.NewIPv4(10, 0, 0, 1)
	peer := addr.NewIPv4(10, 0, 0, 2)
	p := buildDatagram(peer, local, ProtoTCP, []byte("hi"))
	buf := p.Data()
	buf[8] = 0 // TTL
	binaryFixChecksum(buf)
	ip.Receive(p, false)

	if len(*got) != 0 {
		t.Fatalf("expected no dispatch for TTL=0, got %+v", *got)
	}
	if ip.TTLExceeded != 1 {
		t.Fatalf("TTLExceeded = %d, want 1", ip.TTLExceeded)
	}
}

// binaryFixChecksum recomputes the IPv4 header checksum after a test
// mutates a header field in place.
func binaryFixChecksum(buf []byte) {
	buf[10], buf[11] = 0, 0
	c := Checksum(buf[:MinHeaderLen])
	buf[10] = byte(c >> 8)
	buf[11] = byte(c)
}

func TestReceiveNotForUsWithoutForwardIsDropped(t *testing.T) {
	ip, got := newTestIP4(t, nil)
	other := addr.NewIPv4(10, 0, 0, 99)
	peer := addr.NewIPv4(10, 0, 0, 2)
	ip.Receive(buildDatagram(peer, other, ProtoTCP, []byte("hi")), false)

	if len(*got) != 0 {
		t.Fatalf("expected no dispatch, got %+v", *got)
	}
	if ip.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", ip.Dropped)
	}
}

func TestReceiveForwardsNonLocalTraffic(t *testing.T) {
	ip, _ := newTestIP4(t, nil)
	var forwarded *Header
	ip.cfg.Forward = func(p *packet.Packet, h Header) { forwarded = &h; p.Release() }
	other := addr.NewIPv4(10, 0, 0, 99)
	peer := addr.NewIPv4(10, 0, 0, 2)
	ip.Receive(buildDatagram(peer, other, ProtoTCP, []byte("hi")), false)

	if forwarded == nil || forwarded.Dst != other {
		t.Fatalf("forward handler not invoked with the right header: %+v", forwarded)
	}
}

// TestPMTUBlackHole exercises spec.md §8 scenario 6: an ICMP Too Big report
// shrinks the PMTU for a destination, a later sweep past the aging window
// resets it and fires OnReset.
func TestPMTUBlackHole(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	paths := NewPathTable(fc, tm, 1500)
	var resetDest addr.Socket4
	var resetMTU int
	paths.OnReset = func(dest addr.Socket4, mtu int) { resetDest = dest; resetMTU = mtu }

	ip, _ := newTestIP4(t, paths)
	dest := addr.Socket4{Addr: addr.NewIPv4(10, 0, 0, 2), Port: 80}

	got := ip.HandleICMPTooBig(dest, 1280, 1500)
	if got != 1280 {
		t.Fatalf("HandleICMPTooBig = %d, want 1280", got)
	}
	if mtu, ok := paths.Lookup(dest); !ok || mtu != 1280 {
		t.Fatalf("Lookup = %d, %v, want 1280, true", mtu, ok)
	}

	paths.SetAged(1) // age out immediately on the next sweep
	tm.Advance(SweepInterval)

	if resetDest != dest || resetMTU != 1500 {
		t.Fatalf("OnReset(dest=%v, mtu=%d), want dest=%v, mtu=1500", resetDest, resetMTU, dest)
	}
	if _, ok := paths.Lookup(dest); ok {
		t.Fatal("entry should have been removed once reset")
	}
}

func TestHandleICMPTooBigWithoutPathTableIsNoOp(t *testing.T) {
	ip, _ := newTestIP4(t, nil)
	dest := addr.Socket4{Addr: addr.NewIPv4(10, 0, 0, 2), Port: 80}
	if got := ip.HandleICMPTooBig(dest, 1280, 1500); got != 0 {
		t.Fatalf("HandleICMPTooBig without a PathTable = %d, want 0", got)
	}
}
